package cmd

import (
	"encoding/json"
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadflow/internal/stages"
	pgstore "github.com/JakeFAU/leadflow/internal/storage/postgres"
)

func stageArg(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("stage is required (one of %v)", stages.Names())
	}
	if !slices.Contains(stages.Names(), args[0]) {
		return fmt.Errorf("unknown stage %q (one of %v)", args[0], stages.Names())
	}
	return nil
}

func newRunCmd(factory RunnerFactory) *cobra.Command {
	return &cobra.Command{
		Use:       "run <stage>",
		Short:     "Drains a stage backlog until it is empty or the process is signaled",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), stageArg),
		ValidArgs: stages.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			runner, err := factory(cmd.Context(), e.cfg, args[0], e.logger)
			if err != nil {
				return fmt.Errorf("build %s runner: %w", args[0], err)
			}
			if err := runner.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			e.logger.Info("stage finished", zap.String("stage", args[0]))
			return nil
		},
	}
}

func newExecuteCmd(factory RunnerFactory) *cobra.Command {
	var rawFields string
	cmd := &cobra.Command{
		Use:   "execute <stage> <record-id>",
		Short: "Runs one record through a stage workflow and prints the outcome",
		Args:  cobra.MatchAll(cobra.ExactArgs(2), stageArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			fields := map[string]any{}
			if rawFields != "" {
				if err := json.Unmarshal([]byte(rawFields), &fields); err != nil {
					return fmt.Errorf("parse --fields: %w", err)
				}
			}
			runner, err := factory(cmd.Context(), e.cfg, args[0], e.logger)
			if err != nil {
				return fmt.Errorf("build %s runner: %w", args[0], err)
			}
			defer runner.Close(cmd.Context())

			out, err := runner.ExecuteRecord(cmd.Context(), args[1], fields)
			if err != nil {
				return fmt.Errorf("execute %s: %w", stages.Key(args[0], args[1]), err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&rawFields, "fields", "", `record fields as a JSON object, e.g. '{"url":"https://..."}'`)
	return cmd
}

func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Lists configured stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tPORT\tSOURCE\tDERIVED\tITEM TIMEOUT")
			for _, name := range e.cfg.StageNames() {
				s := e.cfg.Stages[name]
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", name, s.Port, s.SourceTable, s.DerivedTable, s.ItemTimeout)
			}
			return w.Flush()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the Postgres tables the configured stages use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.DB.DSN == "" {
				return fmt.Errorf("db.dsn is required")
			}
			pool, err := pgstore.Connect(cmd.Context(), pgstore.Config{
				DSN:             e.cfg.DB.DSN,
				MaxConns:        e.cfg.DB.MaxConns,
				MinConns:        e.cfg.DB.MinConns,
				MaxConnLifetime: e.cfg.DB.MaxConnLifetime,
			})
			if err != nil {
				return err
			}
			defer pool.Close()
			tables := e.cfg.Tables()
			if err := pgstore.Migrate(cmd.Context(), pool, pgstore.DefaultExecutionsTable, pgstore.DefaultRunnersTable, tables...); err != nil {
				return err
			}
			e.logger.Info("schema migrated", zap.Strings("tables", tables))
			return nil
		},
	}
}
