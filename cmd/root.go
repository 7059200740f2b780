// Package cmd defines the leadflow command line.
//
// Each pipeline stage (discovery, profile, website) runs as its own process:
// `leadflow run <stage>` drains the stage's backlog table, executing every
// claimed record through the stage workflow, while serving the coordination
// API on the stage port. Several processes of the same stage may share a
// backlog when cluster mode is enabled; idempotency keys are routed to the
// live runner that owns them.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/backlog"
	"github.com/JakeFAU/leadflow/internal/config"
	"github.com/JakeFAU/leadflow/internal/logging"
	"github.com/JakeFAU/leadflow/internal/server"
)

// Runner is the part of a built stage runner the commands use.
type Runner interface {
	Run(ctx context.Context) error
	ExecuteRecord(ctx context.Context, id string, fields map[string]any) (backlog.Outcome, error)
	Close(ctx context.Context)
}

// RunnerFactory builds the runner for one stage.
type RunnerFactory func(ctx context.Context, cfg config.Config, stage string, logger *zap.Logger) (Runner, error)

func buildRunner(ctx context.Context, cfg config.Config, stage string, logger *zap.Logger) (Runner, error) {
	app, err := server.Build(ctx, cfg, stage, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

type envKey struct{}

// env carries what PersistentPreRunE loaded to the subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func envFrom(ctx context.Context) (env, error) {
	e, ok := ctx.Value(envKey{}).(env)
	if !ok {
		return env{}, fmt.Errorf("configuration not loaded")
	}
	return e, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory RunnerFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "leadflow",
		Short: "Collects business records through a staged, durable pipeline.",
		Long: `leadflow discovers businesses from listing searches, visits their profiles
and websites, and stores what it finds. Every record is processed by a durable
workflow, so retried or resumed work never duplicates completed steps.`,
		SilenceUsage: true,

		// Runs before every subcommand; loads configuration and the logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, envKey{}, env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := envFrom(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and LEADFLOW_* environment variables apply)")

	cmd.AddCommand(newRunCmd(factory))
	cmd.AddCommand(newExecuteCmd(factory))
	cmd.AddCommand(newStagesCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(buildRunner).ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
