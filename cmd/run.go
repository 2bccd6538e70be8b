package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/orchestrator"
	"github.com/testmind-dev/tmrun/internal/presentation"
	"github.com/testmind-dev/tmrun/internal/pubsub"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

var runCmd = &cobra.Command{
	Use:   "run <project-id>",
	Short: "Execute one test run in the foreground",
	Long: `Execute a single run for a registered project and wait for it to finish,
including its Allure report and remediation tasks. Ctrl+C cancels the run.

The exit status is non-zero unless the run succeeded.

Example:
  tmrun run shop                              # every staged spec
  tmrun run shop --file checkout.spec.ts      # one spec file
  tmrun run shop --grep "adds item to cart"   # one test title`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationStderrLog: "true"},
	RunE:        runRun,
}

var runOpts struct {
	baseURL     string
	suiteID     string
	files       []string
	grep        string
	headed      bool
	all         bool
	livePreview bool
	userID      string
	adapter     string
	output      string
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runOpts.baseURL, "base-url", "", "URL of the application under test")
	f.StringVar(&runOpts.suiteID, "suite", "", "suite identifier recorded with the run")
	f.StringArrayVarP(&runOpts.files, "file", "f", nil, "spec file to run, relative to the spec directory (repeatable)")
	f.StringVarP(&runOpts.grep, "grep", "g", "", "run only tests whose title matches")
	f.BoolVar(&runOpts.headed, "headed", false, "show the browser")
	f.BoolVar(&runOpts.all, "all", false, "run every spec, ignoring --file and --grep")
	f.BoolVar(&runOpts.livePreview, "live-preview", false, "capture periodic screenshots while running")
	f.StringVar(&runOpts.userID, "user", "", "user whose generated specs are preferred")
	f.StringVar(&runOpts.adapter, "adapter", "", "spec adapter (default playwright-ts)")
	f.StringVarP(&runOpts.output, "output", "o", "table", "output format: table, json or yaml")
}

func runRun(cmd *cobra.Command, args []string) error {
	format, err := presentation.ParseFormat(runOpts.output)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	taskCtx, stopTasks := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		_ = svc.dispatcher.Run(taskCtx)
	}()
	defer func() {
		stopTasks()
		<-dispatcherDone
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go printProgress(cmd.ErrOrStderr(), svc.orch.Events().Subscribe(watchCtx))

	run, err := svc.orch.Submit(ctx, orchestrator.SubmitRequest{
		ProjectID:   args[0],
		BaseURL:     runOpts.baseURL,
		SuiteID:     runOpts.suiteID,
		Files:       runOpts.files,
		Grep:        runOpts.grep,
		Headed:      runOpts.headed,
		RunAll:      runOpts.all,
		LivePreview: runOpts.livePreview,
		UserID:      runOpts.userID,
		Adapter:     runOpts.adapter,
		Trigger:     domain.TriggerManual,
	})
	if err != nil {
		return err
	}

	finished := make(chan struct{})
	go func() {
		svc.orch.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Canceling...")
		if err := svc.orch.Cancel(context.Background(), run.ID()); err != nil {
			log.ErrorErr(log.CatRun, "Cancel failed", err, "run", run.ID())
		}
		<-finished
	}
	if err := svc.dispatcher.Wait(ctx); err != nil {
		log.Warn(log.CatTask, "Not waiting for background tasks", "pending", svc.dispatcher.Pending())
	}
	stopWatch()

	// The signal context may be done; reads use a fresh one.
	readCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := svc.db.RunRepository().FindByID(readCtx, run.ID())
	if err != nil {
		return err
	}
	views, err := svc.db.ResultRepository().ListByRun(readCtx, run.ID())
	if err != nil {
		return err
	}
	if err := presentation.NewFormatter(cmd.OutOrStdout(), format).FormatRun(presentation.FromRun(final), presentation.FromResults(views)); err != nil {
		return err
	}
	if final.Status() != domain.RunStatusSucceeded {
		return fmt.Errorf("run %s %s", final.ID(), final.Status())
	}
	return nil
}

func printProgress(w io.Writer, events <-chan pubsub.Event[orchestrator.RunEvent]) {
	for ev := range events {
		p := ev.Payload
		line := fmt.Sprintf("%s  %s", p.RunID, presentation.StatusLabel(string(p.Status)))
		if p.Error != "" {
			line += "  " + p.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
