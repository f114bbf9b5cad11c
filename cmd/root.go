// Package cmd defines and implements the CLI commands for the cobweb executable.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/api"
	"github.com/JakeFAU/cobweb-launcher/internal/app"
	"github.com/JakeFAU/cobweb-launcher/internal/config"
	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/logging"
	"github.com/JakeFAU/cobweb-launcher/internal/pipeline"
)

const closeTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Pipeline(opts ...pipeline.Option) (*pipeline.Pipeline, error)
	HTTPServer(status api.StatusSource) *http.Server
	AppendSeeds(ctx context.Context, seeds ...crawler.Seed) (int, error)
}

// newApp is the application factory. It's a variable so tests can swap in
// their own collaborators.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lc := cfg.Logging
	logger, err := logging.New(logging.Config{
		Development: lc.Development,
		Level:       lc.Level,
		File:        lc.File,
		MaxSizeMB:   lc.MaxSizeMB,
		MaxBackups:  lc.MaxBackups,
		MaxAgeDays:  lc.MaxAgeDays,
		Compress:    lc.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, app.WithLogger(logger))
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "cobweb",
		Short: "Concurrent seed-to-sink crawl pipeline.",
		Long: `cobweb drains seeds from a backlog, fetches each one with a pool of
spider workers, and commits the resulting rows to batched sinks. Seeds are
acknowledged only after their rows are durable.`,
		SilenceUsage: true,

		// Build the application once flags are parsed and inject it for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				appInstance.Logger().Warn("close application services", zap.Error(err))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./cobweb.yaml, /etc/cobweb, $HOME/.cobweb)")

	cmd.AddCommand(newRunCmd(), newSeedCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}
