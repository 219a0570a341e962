package main

import (
	"fmt"

	mcobra "github.com/muesli/mango-cobra"
	"github.com/muesli/roff"
	"github.com/spf13/cobra"
)

var manCmd = &cobra.Command{
	Use:                   "man",
	Short:                 "Generates manpages",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Hidden:                true,
	Args:                  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		page, err := mcobra.NewManPage(1, rootCmd)
		if err != nil {
			return err
		}

		page = page.WithSection("Environment", "Provider credentials are read from ANTHROPIC_API_KEY, GEMINI_API_KEY, "+
			"ELEVENLABS_API_KEY, AWS_REGION and ADREEL_LIPSYNC_ENDPOINT. Missing credentials disable the provider.")
		fmt.Println(page.Build(roff.NewDocument()))
		return nil
	},
}
