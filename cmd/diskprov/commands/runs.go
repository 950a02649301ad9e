package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/diskprov/pkg/db"
	"github.com/fly-io/diskprov/pkg/errors"
)

var runsStatus string

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List provisioning runs, or show one run and its partitions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Only list runs with this status (pending|running|succeeded|failed)")
}

func runRuns(cmd *cobra.Command, args []string) error {
	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		run, err := repo.GetRun(args[0])
		if err != nil {
			return errors.Wrap(err, "run lookup failed")
		}
		if run == nil {
			return fmt.Errorf("run %s not found", args[0])
		}
		parts, err := repo.ListPartitions(run.ID)
		if err != nil {
			return errors.Wrap(err, "failed to load partitions")
		}
		printRun(out, run, parts)
		return nil
	}

	runs, err := repo.ListRuns(runsStatus)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	fmt.Fprintf(out, "%-26s %-10s %-5s %-6s %-11s %-16s %-20s %s\n", "RUN", "STATUS", "DISK", "PARTS", "STATE", "ERROR", "CREATED", "SOURCE")
	fmt.Fprintln(out, "------------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		fmt.Fprintf(out, "%-26s %-10s %-5d %-6d %-11s %-16s %-20s %s\n",
			run.ID, run.Status, run.DiskIndex, run.PartitionCount, orDash(run.State), orDash(run.ErrorKind), run.CreatedAt, run.Source)
	}

	return nil
}
