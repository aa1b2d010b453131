package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/your-org/pharmacy-backend/internal/app"
	"github.com/your-org/pharmacy-backend/internal/config"
	httpserver "github.com/your-org/pharmacy-backend/internal/interfaces/http"
	"github.com/your-org/pharmacy-backend/internal/pkg/auth"
	"github.com/your-org/pharmacy-backend/internal/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// NewRootCommand builds the root pharmacy CLI command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pharmacy",
		Short:         "Pharmacy order and inventory engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newTokenCmd())

	return root
}

// Execute runs the CLI until the process receives SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the HTTP service and the session sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runWithApp(cmd, func(ctx context.Context, a *app.App) error {
				if migrate {
					if err := applyMigrations(a); err != nil {
						return err
					}
				}

				server, err := httpserver.NewServer(a)
				if err != nil {
					return err
				}

				sweepCtx, stopSweeper := context.WithCancel(ctx)
				defer stopSweeper()
				go a.Sweeper().Run(sweepCtx)

				errCh := make(chan error, 1)
				go func() { errCh <- server.Start() }()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}

				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Stop(stopCtx)
			})
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply migrations before serving")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := applyMigrations(a); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the starter catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App) error {
				created, err := a.Migration().SeedInitialData(ctx, a.Inventory)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d items\n", created)
				return nil
			})
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-sessions",
		Short: "Remove expired flow sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App) error {
				removed, err := a.Sessions.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", removed)
				return nil
			})
		},
	}
}

// newTokenCmd mints a token the way the chat gateway does. Only needs config.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetInt64("user")
			tier, _ := cmd.Flags().GetString("tier")
			if userID <= 0 {
				return fmt.Errorf("--user must be a positive id")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.NewJWTManager(cfg.JWT, clockwork.NewRealClock()).
				GenerateAccessToken(userID, auth.Tier(tier))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64("user", 0, "User id to embed in the token")
	cmd.Flags().String("tier", string(auth.TierCustomer), "Caller tier: customer, wholesale or staff")
	return cmd
}

func applyMigrations(a *app.App) error {
	mig := a.Migration()
	if err := mig.RunAutoMigrations(); err != nil {
		return err
	}
	if err := mig.CreateIndexes(); err != nil {
		return err
	}
	if a.Config.IsDevelopment() {
		if err := mig.GetTableInfo(); err != nil {
			a.Logger.WithError(err).Warn("Failed to read table info")
		}
	}
	return nil
}

func runWithApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg)

	a, err := app.Open(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close resources")
		}
	}()

	log.WithFields(logrus.Fields{
		"command":     cmd.Name(),
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	}).Info("Starting")
	return fn(cmd.Context(), a)
}
