// Package cli implements ledgerctl, the operator tool for migrations,
// sweeps, incident compensation and test tokens.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hirelens/backend/internal/app"
	"github.com/hirelens/backend/internal/config"
)

// Execute runs the root command.
func Execute(version string) error {
	root := newRootCmd(os.Stdout)
	root.Version = version
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "YAML config file")

	env := &cmdEnv{configPath: &configPath}
	root.AddCommand(
		newMigrateCmd(env),
		newSweepCmd(env),
		newIncidentCmd(env),
		newBillingCmd(env),
		newTokenCmd(env),
	)
	return root
}

// cmdEnv resolves configuration lazily so flag parsing happens first.
type cmdEnv struct {
	configPath *string
}

func (e *cmdEnv) config() (*config.Config, error) {
	return config.Load(*e.configPath)
}

// withCore loads config, connects and runs fn with the shared services.
func (e *cmdEnv) withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.Core, log *slog.Logger) error) error {
	cfg, err := e.config()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer core.Pool.Close()
	return fn(ctx, core, log)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
