package main

import (
	"github.com/spf13/cobra"
	"github.com/vulnai/vulnai/vulnai"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Commands to work with the database",
}

var dbCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove every CVE, function, model and prediction",
	Args:  cobra.NoArgs,
	RunE:  runDBClean,
}

var dbCleanCVECmd = &cobra.Command{
	Use:   "cve <name>",
	Short: "Remove a CVE with its functions and their predictions",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBCleanCVE,
}

var gcFlags = struct {
	dryRun bool
}{}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runDBMigrate,
}

func runDBClean(cmd *cobra.Command, args []string) error {
	return vulnai.CleanDataset(gcFlags.dryRun, App().Store.DB())
}

func runDBCleanCVE(cmd *cobra.Command, args []string) error {
	return vulnai.CleanCVE(
		args[0],
		gcFlags.dryRun,
		App().Store.DB(),
	)
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	return App().Store.Migrate()
}

func init() {
	dbCmd.PersistentFlags().BoolVarP(&gcFlags.dryRun, "dry-run", "n", false, "Only show the amount of records found")

	dbCleanCmd.AddCommand(dbCleanCVECmd)
	dbCmd.AddCommand(dbCleanCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}
