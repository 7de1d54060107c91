package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vulnai/vulnai/importer"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Complete CVE metadata from external sources",
}

var enrichNVDCmd = &cobra.Command{
	Use:   "nvd",
	Short: "Fill descriptions, CVSS scores and severities from the NVD",
	Args:  cobra.NoArgs,
	RunE:  runEnrichNVD,
}

var enrichFlags = struct {
	all   bool
	since string
	until string
}{}

func runEnrichNVD(cmd *cobra.Command, args []string) error {
	config := App().Config.NVD
	api := &importer.APIv2{
		Endpoint: config.Endpoint,
		APIKey:   config.APIKey,
	}
	if config.RequestsPer30s > 0 {
		api.Limiter = importer.NewNVDLimiter(config.RequestsPer30s)
	}

	if enrichFlags.since != "" {
		start, err := time.Parse(time.DateOnly, enrichFlags.since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		end := time.Now().UTC()
		if enrichFlags.until != "" {
			end, err = time.Parse(time.DateOnly, enrichFlags.until)
			if err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}
		}
		return importer.NVDEnrichPublished(cmd.Context(), App().Store.DB(), api, start, end)
	}

	return importer.NVDEnrich(
		cmd.Context(),
		App().Store.DB(),
		api,
		enrichFlags.all,
	)
}

func init() {
	enrichNVDCmd.Flags().BoolVar(&enrichFlags.all, "all", false, "Request every CVE, not only incomplete ones")
	enrichNVDCmd.Flags().StringVar(&enrichFlags.since, "since", "", "Page through CVEs published since this date (YYYY-MM-DD) instead")
	enrichNVDCmd.Flags().StringVar(&enrichFlags.until, "until", "", "End of the --since period (YYYY-MM-DD), default now")
	enrichNVDCmd.MarkFlagsMutuallyExclusive("all", "since")

	enrichCmd.AddCommand(enrichNVDCmd)
	rootCmd.AddCommand(enrichCmd)
}
