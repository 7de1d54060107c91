package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/vulnai/vulnai/importer"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed the database from dataset fixtures",
}

var importFixturesCmd = &cobra.Command{
	Use:   "fixtures <dir>",
	Short: "Import cves.json, functions.json, models.json and predictions.json from a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportFixtures,
}

var importGitCmd = &cobra.Command{
	Use:   "git <remote>",
	Short: "Import fixtures from the HEAD of a git repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportGit,
}

var importFlags = struct {
	repoPath string
	dir      string
}{}

func runImportFixtures(cmd *cobra.Command, args []string) error {
	return importFrom(importer.DirSource(args[0]))
}

func runImportGit(cmd *cobra.Command, args []string) error {
	repo, err := importer.GetRepo(args[0], importFlags.repoPath)
	if err != nil {
		return err
	}
	if err := importer.UpdateRepo(repo); err != nil {
		return err
	}

	src, err := importer.HeadSource(repo, importFlags.dir)
	if err != nil {
		return err
	}
	return importFrom(src)
}

func importFrom(src importer.FixtureSource) error {
	rewriters, err := importer.CompileRewriters(App().Config.Rewriters)
	if err != nil {
		return err
	}

	stats, err := importer.ImportFixtures(App().Store.DB(), src, rewriters)
	if err != nil {
		return err
	}
	slog.Info("Imported dataset",
		"cves", stats.CVEs,
		"functions", stats.Functions,
		"models", stats.Models,
		"predictions", stats.Predictions,
	)
	return nil
}

func init() {
	importGitCmd.Flags().StringVar(&importFlags.repoPath, "path", "data/dataset.git", "Local path of the bare clone")
	importGitCmd.Flags().StringVar(&importFlags.dir, "dir", "", "Directory inside the repository holding the fixtures")

	importCmd.AddCommand(importFixturesCmd)
	importCmd.AddCommand(importGitCmd)
	rootCmd.AddCommand(importCmd)
}
