package commands

import (
	"fmt"
	"io"

	"github.com/fly-io/vmimport/internal/config"
	"github.com/fly-io/vmimport/pkg/db"
	"github.com/fly-io/vmimport/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	listRunID string
	listRuns  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported folders and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listRunID, "run", "", "Only show folders of this run")
	listCmd.Flags().BoolVar(&listRuns, "runs", false, "List runs instead of folders")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if listRuns {
		runs, err := repo.ListRuns()
		if err != nil {
			return errors.Wrap(err, "list failed")
		}
		printRuns(cmd.OutOrStdout(), runs)
		return nil
	}

	groups, err := repo.List(listRunID)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	printGroups(cmd.OutOrStdout(), groups)
	return nil
}

func printRuns(w io.Writer, runs []*db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return
	}

	fmt.Fprintf(w, "%-28s %-30s %-14s %-20s %-20s\n", "RUN", "BUCKET", "TYPE", "STARTED", "FINISHED")
	for _, r := range runs {
		fmt.Fprintf(w, "%-28s %-30s %-14s %-20s %-20s\n",
			r.ID, r.Bucket, r.InstanceType, r.StartedAt, dash(r.FinishedAt))
	}
}

func printGroups(w io.Writer, groups []*db.Group) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No folders found")
		return
	}

	fmt.Fprintf(w, "%-28s %-30s %-10s %-22s %-20s %s\n", "RUN", "FOLDER", "STATUS", "IMAGE", "INSTANCE", "ERROR")
	fmt.Fprintln(w, "---------------------------------------------------------------------------------------------------------------------")

	for _, g := range groups {
		fmt.Fprintf(w, "%-28s %-30s %-10s %-22s %-20s %s\n",
			g.RunID, g.Prefix, g.Status, dash(g.ImageID), dash(g.InstanceID), dash(g.ErrorKind))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
