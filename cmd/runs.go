package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/testmind-dev/tmrun/internal/presentation"
	"github.com/testmind-dev/tmrun/internal/runlog"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Example: `  tmrun runs list
  tmrun runs list --project shop --status failed
  tmrun runs list -o json`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its test results",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Print a run's captured stdout or stderr",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

var runsOpts struct {
	project string
	status  string
	limit   int
	output  string
	stream  string
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsLogsCmd)

	runsCmd.PersistentFlags().StringVarP(&runsOpts.output, "output", "o", "table", "output format: table, json or yaml")
	runsListCmd.Flags().StringVarP(&runsOpts.project, "project", "p", "", "only runs of this project")
	runsListCmd.Flags().StringVarP(&runsOpts.status, "status", "s", "", "only runs in this status (queued, running, succeeded, failed)")
	runsListCmd.Flags().IntVarP(&runsOpts.limit, "limit", "n", 20, "maximum number of runs")
	runsLogsCmd.Flags().StringVar(&runsOpts.stream, "stream", runlog.StreamStdout, "stdout or stderr")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	format, err := presentation.ParseFormat(runsOpts.output)
	if err != nil {
		return err
	}
	filter := domain.RunFilter{ProjectID: runsOpts.project, Limit: runsOpts.limit}
	if runsOpts.status != "" {
		filter.Status = domain.RunStatus(runsOpts.status)
		if !filter.Status.IsValid() {
			return fmt.Errorf("unknown status %q", runsOpts.status)
		}
	}
	if filter.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runs, err := db.RunRepository().List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return presentation.NewFormatter(cmd.OutOrStdout(), format).FormatRuns(presentation.FromRuns(runs))
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	format, err := presentation.ParseFormat(runsOpts.output)
	if err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	run, err := db.RunRepository().FindByID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	views, err := db.ResultRepository().ListByRun(cmd.Context(), run.ID())
	if err != nil {
		return err
	}
	return presentation.NewFormatter(cmd.OutOrStdout(), format).FormatRun(presentation.FromRun(run), presentation.FromResults(views))
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	data, err := runlog.Read(cfg.ReportRoot(), args[0], runsOpts.stream)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no %s captured for run %s", runsOpts.stream, args[0])
	}
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
