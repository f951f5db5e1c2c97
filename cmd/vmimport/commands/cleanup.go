package commands

import (
	"fmt"

	"github.com/fly-io/vmimport/internal/config"
	"github.com/fly-io/vmimport/pkg/db"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cleanupAll    bool
	cleanupRun    string
	cleanupFailed bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune run history",
	Long: `Remove recorded runs and folders from the local history database:
  --all         Remove every run
  --run <id>    Remove one run and its folders
  --failed      Remove failed folders of every run

Images and instances in AWS are left untouched.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all history")
	cleanupCmd.Flags().StringVar(&cleanupRun, "run", "", "Remove a specific run by ID")
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Remove failed folders")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	n, err := cleanup(repo, cleanupAll, cleanupRun, cleanupFailed)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d folder records\n", n)
	return nil
}

func cleanup(repo *db.Repository, all bool, runID string, failed bool) (int64, error) {
	switch {
	case all:
		n, err := repo.DeleteAll()
		return n, errors.Wrap(err, "cleanup failed")
	case runID != "":
		n, err := repo.DeleteRun(runID)
		return n, errors.Wrap(err, "cleanup failed")
	case failed:
		n, err := repo.DeleteByStatus(db.StatusFailed)
		return n, errors.Wrap(err, "cleanup failed")
	default:
		return 0, fmt.Errorf("must specify --all, --run, or --failed")
	}
}
