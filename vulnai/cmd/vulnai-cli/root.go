package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vulnai/vulnai/vulnai"
)

var rootCmd = &cobra.Command{
	Use:               "vulnai-cli",
	Short:             "Serve and maintain the vulnai dataset",
	PersistentPreRunE: initApp,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if _app.Store == nil {
			return nil
		}
		return _app.Store.Close()
	},
}

var rootFlags = struct {
	configPath string
}{}

var _app app

type app struct {
	Store  *vulnai.Store
	Config vulnai.Config
}

func App() app {
	return _app
}

func main() {
	err := run()
	if err != nil {
		fmt.Printf("FATAL: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd.Execute()
}

func initApp(cmd *cobra.Command, args []string) error {
	// logging is needed while the configuration is read
	initLogger(slog.LevelInfo)

	config, err := vulnai.LoadConfig(rootFlags.configPath)
	if err != nil {
		return fmt.Errorf("error reading %q: %w", rootFlags.configPath, err)
	}
	initLogger(config.SlogLevel())
	_app.Config = config

	store, err := vulnai.Open(config)
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	_app.Store = store

	return nil
}

func initLogger(level slog.Level) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}),
	))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "config/application.toml", "Path to the TOML configuration")
}
