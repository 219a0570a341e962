// Package main provides the entry point for the adreel CLI application.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunrich/adreel/pipeline"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "adreel",
		Short: "Generate talking ad videos from a subject",
		Long: paragraph(
			fmt.Sprintf("\nTurn a product or poster into a %s: script, voice-over and lip-synced video.", keyword("talking ad")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
	}
)

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file %s: %w", configFile, err)
		}
	}

	debug = viper.GetBool("debug")
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// loadConfig reads the pipeline configuration from the config file, the
// environment and flags, in increasing precedence.
func loadConfig() (pipeline.Config, error) {
	cfg, err := pipeline.LoadConfigFromViper(viper.GetViper())
	if err != nil {
		return cfg, err
	}
	log.Debug("Loaded configuration", "file", viper.ConfigFileUsed(),
		"script", cfg.Script.Providers, "speech", cfg.Speech.Providers, "lipsync", cfg.LipSync.Providers)
	return cfg, nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", configFile, "config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "write debug output to the log file")
	rootCmd.PersistentFlags().String("assets-log", "", "append generated assets to this JSON lines file")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("assets.log", rootCmd.PersistentFlags().Lookup("assets-log"))

	pipeline.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(runCmd, streamCmd, startCmd, serveCmd, cacheCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "adreel")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "adreel")}, dirs...)
	}

	if c := os.Getenv("ADREEL_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("adreel")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("adreel")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		configFile = used
		return
	}

	configFile = filepath.Join(dirs[0], "adreel.yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
