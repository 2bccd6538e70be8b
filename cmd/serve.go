package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/testmind-dev/tmrun/internal/api"
	"github.com/testmind-dev/tmrun/internal/log"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and execute submitted runs",
	Long: `Run the HTTP API. Runs submitted with POST /runs execute in the
background of this process; background tasks (Allure report generation,
remediation requests) run on the same worker pool.

Runs left unfinished by a previous process are marked failed at startup.

Example:
  tmrun serve                   # listen on server.addr (default :8787)
  tmrun serve --addr :9000`,
	Annotations: map[string]string{annotationStderrLog: "true"},
	RunE:        runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.ErrorErr(log.CatConfig, "Error closing services", err)
		}
	}()

	if n, err := svc.orch.RecoverOrphans(ctx); err != nil {
		log.ErrorErr(log.CatRun, "Recovering unfinished runs failed", err)
	} else if n > 0 {
		log.Warn(log.CatRun, "Marked unfinished runs as failed", "count", n)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	server, err := api.NewServer(api.ServerConfig{
		Addr: addr,
		Handler: api.NewHandler(api.HandlerConfig{
			Service:       svc.orch,
			Runs:          svc.db.RunRepository(),
			Results:       svc.db.ResultRepository(),
			Projects:      svc.db.ProjectRepository(),
			ReportRoot:    cfg.ReportRoot(),
			SubmitLimiter: api.NewSubmitLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		}),
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Tasks outlive the request context so finalizing runs can still queue them.
	taskCtx, stopTasks := context.WithCancel(context.Background())
	defer stopTasks()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.dispatcher.Run(taskCtx) })
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.ErrorErr(log.CatAPI, "Error stopping API server", err)
		}
		if err := svc.orch.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatRun, "Runs still in flight at shutdown", err)
		}
		if err := svc.dispatcher.Wait(shutdownCtx); err != nil {
			log.Warn(log.CatTask, "Abandoning queued tasks", "pending", svc.dispatcher.Pending())
		}
		stopTasks()
		return nil
	})

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tmrun listening on port %d\n", server.Port())
	log.Info(log.CatAPI, "API listening", "addr", addr, "port", server.Port())

	if err := g.Wait(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
	return nil
}
