// Command ordenesctl runs the maintenance jobs of the order service against
// its Postgres database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MikeMC777/marketplace-saga/internal/config"
	"github.com/MikeMC777/marketplace-saga/internal/gateway"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/payment"
	"github.com/MikeMC777/marketplace-saga/internal/postgres"
	"github.com/MikeMC777/marketplace-saga/internal/reconcile"
)

var Version = "dev"

type env struct {
	cfg config.Config
	log *zap.Logger
}

func main() {
	e := &env{}
	rootCmd := &cobra.Command{
		Use:           "ordenesctl",
		Short:         "Maintenance jobs for the marketplace order service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("POSTGRES_DSN is required")
			}
			log, err := logx.New("ordenesctl", cfg.Env, cfg.LogLevel)
			if err != nil {
				return err
			}
			e.cfg, e.log = cfg, log
			return nil
		},
	}

	rootCmd.AddCommand(migrateCmd(e))
	rootCmd.AddCommand(reconcileCmd(e))
	rootCmd.AddCommand(expireCmd(e))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the schema migrations",
	}
	for _, d := range []postgres.Direction{postgres.Up, postgres.Down} {
		dir := d
		cmd.AddCommand(&cobra.Command{
			Use:   string(dir),
			Short: fmt.Sprintf("Run every %s migration", dir),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := postgres.Migrate(e.cfg.PostgresDSN, dir); err != nil {
					return fmt.Errorf("migrate %s: %w", dir, err)
				}
				e.log.Info("migrated", zap.String("direction", string(dir)))
				return nil
			},
		})
	}
	return cmd
}

// newReconciler wires the saga against Postgres. The caller closes the pool.
func newReconciler(ctx context.Context, e *env, cfg reconcile.Config) (*reconcile.Reconciler, func(), error) {
	pool, err := postgres.Connect(ctx, e.cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	store := postgres.NewStore(pool)
	gw := gateway.NewClient(e.cfg.GatewayBaseURL, e.cfg.GatewayCommerceCode, e.cfg.GatewayAPIKey, e.cfg.GatewayTimeout)
	saga := payment.NewSaga(store, gw, e.cfg.StockPolicy,
		payment.WithLockTTL(e.cfg.ConfirmLockTTL), payment.WithTokenTTL(e.cfg.GatewayTokenTTL))
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = e.cfg.ReservationTTL
	}
	return reconcile.New(store, saga, cfg, e.log), pool.Close, nil
}

func printReport(cmd *cobra.Command, rep reconcile.Report) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func reconcileCmd(e *env) *cobra.Command {
	var cfg reconcile.Config
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Commit payments whose gateway callback never arrived",
		Long: `Looks up INITIATED payments holding a gateway token older than --stale-after
and commits them as if the buyer had come back. Tokens the gateway refuses
to commit are settled from their gateway status once they are older than
--abandon-after; those the gateway cannot account for are reported as
unresolved and left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := newReconciler(cmd.Context(), e, cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			rep, err := r.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printReport(cmd, rep)
		},
	}
	cmd.Flags().DurationVar(&cfg.StaleAfter, "stale-after", 0, "minimum token age (default 10m)")
	cmd.Flags().DurationVar(&cfg.AbandonAfter, "abandon-after", 0, "age after which refused tokens are settled from their status (default RESERVATION_TTL)")
	cmd.Flags().IntVar(&cfg.Batch, "batch", 0, "payments per sweep (default 100)")
	cmd.Flags().IntVar(&cfg.Workers, "workers", 0, "concurrent commits (default 4)")
	cmd.Flags().Float64Var(&cfg.RPS, "rps", 0, "gateway commits per second (default 5)")
	return cmd
}

func expireCmd(e *env) *cobra.Command {
	var cfg reconcile.Config
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Close unpaid orders that never started a payment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := newReconciler(cmd.Context(), e, cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			rep, err := r.Expire(cmd.Context())
			if err != nil {
				return err
			}
			return printReport(cmd, rep)
		},
	}
	cmd.Flags().DurationVar(&cfg.AbandonAfter, "older-than", 0, "minimum order age (default RESERVATION_TTL)")
	cmd.Flags().IntVar(&cfg.Batch, "batch", 0, "orders per sweep (default 100)")
	return cmd
}
