package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hirelens/backend/internal/app"
	"github.com/hirelens/backend/internal/auth"
)

func newMigrateCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and River migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withCore(cmd, func(ctx context.Context, core *app.Core, log *slog.Logger) error {
				if err := app.Migrate(ctx, core.Pool, log); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations up to date")
				return nil
			})
		},
	}
}

func newSweepCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention and cleanup sweep and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withCore(cmd, func(ctx context.Context, core *app.Core, _ *slog.Logger) error {
				report := core.Sweeper.Run(ctx)
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if !report.Success() {
					return fmt.Errorf("sweep finished with failures")
				}
				return nil
			})
		},
	}
}

func newIncidentCmd(env *cmdEnv) *cobra.Command {
	incident := &cobra.Command{
		Use:   "incident",
		Short: "Resolve incidents and pay compensation",
	}

	var resolvedBy string
	resolve := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Mark an ongoing incident resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid incident id %q", args[0])
			}
			return env.withCore(cmd, func(ctx context.Context, core *app.Core, _ *slog.Logger) error {
				inc, err := core.Incidents.Resolve(ctx, id, resolvedBy)
				if err != nil {
					return err
				}
				return printJSON(cmd, inc)
			})
		},
	}
	resolve.Flags().StringVar(&resolvedBy, "by", "ledgerctl", "operator recorded as resolver")

	compensate := &cobra.Command{
		Use:   "compensate <incident-id>",
		Short: "Grant compensation to every affected user; safe to re-run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid incident id %q", args[0])
			}
			return env.withCore(cmd, func(ctx context.Context, core *app.Core, _ *slog.Logger) error {
				res, err := core.Incidents.Compensate(ctx, id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				if res.FailedCount > 0 {
					return fmt.Errorf("%d users not compensated, re-run to retry", res.FailedCount)
				}
				return nil
			})
		},
	}

	incident.AddCommand(resolve, compensate)
	return incident
}

func newBillingCmd(env *cmdEnv) *cobra.Command {
	billing := &cobra.Command{
		Use:   "billing",
		Short: "Billing cycle maintenance",
	}
	billing.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Zero monthly usage for accounts whose cycle rolled over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withCore(cmd, func(ctx context.Context, core *app.Core, _ *slog.Logger) error {
				n, err := core.Ledger.ResetBillingCycles(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d accounts reset\n", n)
				return nil
			})
		},
	})
	return billing
}

func newTokenCmd(env *cmdEnv) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user %q", user)
			}
			if role != auth.RoleUser && role != auth.RoleAdmin {
				return fmt.Errorf("--role must be %s or %s", auth.RoleUser, auth.RoleAdmin)
			}
			cfg, err := env.config()
			if err != nil {
				return err
			}
			tok, err := auth.NewService(cfg.Auth.JWTSecret).IssueToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (uuid)")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "user or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
