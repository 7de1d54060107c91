package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vulnai/vulnai/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP drops cached counts after the dataset was re-seeded.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				slog.Info("Flushing cached counts")
				App().Store.FlushCounts()
			case <-ctx.Done():
				return
			}
		}
	}()

	e := api.New(App().Store, App().Config)
	return api.Serve(ctx, e, ":"+strconv.Itoa(App().Config.Port))
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
