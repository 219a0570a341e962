package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Fallback values when neither the request, the user preferences nor the
# subject specify one.
defaults:
  language: "en"
  emotion: "happy"
  tone: "friendly"

# Retries per provider before moving down the chain.
retry:
  max_retries: 2
  base_delay: "200ms"
  max_delay: "2s"

# Providers are tried in order; the local generator always runs last.
script:
  providers: ["anthropic", "gemini"]
  timeout: "15s"
  cache_ttl: "24h"
speech:
  providers: ["elevenlabs", "polly"]
  timeout: "20s"
  cache_ttl: "24h"
lipsync:
  providers: ["jobapi"]
  timeout: "120s"
  cache_ttl: "72h"
  poll_interval: "2s"
  max_polls: 60

cache:
  enabled: true
  memory_capacity_mb: 64
  metadata_ttl: "10m"
  preferences_ttl: "5m"
  # Set a directory to keep results across runs.
  # dir: "~/.cache/adreel/results"
  disk_capacity_mb: 512
  cleanup_interval: "5m"

jobs:
  retention: "1h"

# Latency targets
targets:
  script: "3s"
  audio_start: "5s"
  video_render: "30s"
  total: "45s"
  window: 200

local:
  simulate_latency: true
  words_per_minute: 150
  # audio_dir: "~/.cache/adreel/audio"

# Span exporter: none, stdout or otlphttp
tracing:
  exporter: "none"
  # endpoint: "http://localhost:4318"

server:
  addr: ":8080"

# subjects:
#   - ref: "sunrich-001"
#     name: "SunRich Solar Lantern"
#     category: "home energy"
#     tone: "warm"
#     language: "en"
#     tagline: "Sunshine you can carry"
#     description: "A foldable solar lantern that charges by day."
#     image_ref: "images/sunrich-001.png"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the adreel config file",
	Long:    paragraph(fmt.Sprintf("\n%s the adreel config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("adreel config\nadreel config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("adreel", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
