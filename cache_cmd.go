package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sunrich/adreel/internal/cache"
	"github.com/sunrich/adreel/pipeline"
)

var (
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the result cache",
		Args:  cobra.NoArgs,
	}

	cacheClearCmd = &cobra.Command{
		Use:     "clear",
		Short:   "Remove every cached script, audio and video result",
		Long:    paragraph(fmt.Sprintf("\n%s the memory and disk tiers configured under cache.", keyword("Empties"))),
		Example: paragraph("adreel cache clear"),
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return clearCache(os.Stdout, cfg.Cache, log.Default())
		},
	}
)

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
}

func clearCache(w io.Writer, c pipeline.CacheConfig, logger *log.Logger) error {
	m, err := cache.NewManager(cacheConfig(c), logger)
	if err != nil {
		return err
	}
	before := m.Stats()
	clearErr := m.Clear()
	if err := m.Close(); err != nil && clearErr == nil {
		clearErr = err
	}
	if clearErr != nil {
		return fmt.Errorf("unable to clear cache: %w", clearErr)
	}

	items := before.Memory.ItemCount
	size := before.Memory.Size
	if before.Disk != nil {
		items = before.Disk.ItemCount
		size = before.Disk.Size
	}
	fmt.Fprintf(w, "Cleared %s cached results (%s)\n", humanize.Comma(items), humanize.Bytes(uint64(size))) //nolint:gosec
	return nil
}
