package main

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "adreel").CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "adreel.log"), nil
}

// setupLog points the default logger at a file in the user cache dir.
func setupLog() (func() error, error) {
	logFile, err := getLogFilePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	log.SetReportTimestamp(true)
	log.SetLevel(log.InfoLevel)
	return f.Close, nil
}
