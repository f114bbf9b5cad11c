package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

type runOptions struct {
	seeds    []string
	noServer bool
	grace    time.Duration
}

// newRunCmd creates the 'run' subcommand, which drives one pipeline run to
// completion or until interrupted.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until the backlog is drained",
		Long: `Starts the scheduler, spider workers, and storers over the configured
backlog and sinks. The run ends on its own once the backlog is exhausted and
every queue is empty. SIGINT/SIGTERM request a graceful stop; workers finish
the item they hold, and after --grace in-flight work is cancelled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.seeds, "seed", nil, "seed payload to add to the backlog before starting (repeatable)")
	cmd.Flags().BoolVar(&opts.noServer, "no-server", false, "do not start the status API")
	cmd.Flags().DurationVar(&opts.grace, "grace", 10*time.Second, "how long a signalled stop waits before cancelling in-flight work")
	return cmd
}

func runPipeline(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	if len(opts.seeds) > 0 {
		seeds := make([]crawler.Seed, 0, len(opts.seeds))
		for _, payload := range opts.seeds {
			seeds = append(seeds, crawler.Seed{Payload: payload})
		}
		if _, err := appInstance.AppendSeeds(ctx, seeds...); err != nil {
			return fmt.Errorf("add seeds: %w", err)
		}
	}

	p, err := appInstance.Pipeline()
	if err != nil {
		return err
	}

	var srv *http.Server
	if !opts.noServer && appInstance.Config().Server.Addr != "" {
		srv = appInstance.HTTPServer(p)
		go func() {
			logger.Info("status api listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status api shutdown", zap.Error(err))
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	var runErr error
	select {
	case <-p.Done():
		runErr = p.Err()
	case <-sigCtx.Done():
		logger.Info("stop requested", zap.Duration("grace", opts.grace))
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.grace)
		runErr = p.Stop(stopCtx)
		cancel()
	}

	snap := p.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(),
		"run %s: succeeded=%d committed=%d failed=%d dropped=%d rows=%d rolled_back=%d\n",
		snap.RunID,
		snap.Counters.Succeeded,
		snap.Counters.Committed,
		snap.Counters.Failed,
		snap.Counters.Dropped,
		snap.Counters.Rows,
		snap.Counters.RolledBack,
	)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run pipeline: %w", runErr)
	}
	return nil
}
