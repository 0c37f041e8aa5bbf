package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ProPass/catalog"
	"ProPass/common"
	"ProPass/config"
	"ProPass/entitlement"
	"ProPass/login"
	"ProPass/postgres"
	"ProPass/sweeper"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "propass",
		Short:         "ProPass - subscription entitlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(productsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashKeyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and returns a signal-aware context carrying the logger.
func setup() (*config.Config, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	common.InitLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = log.Logger.WithContext(ctx)
	return cfg, ctx, cancel, nil
}

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, metrics endpoint, expiration sweeper and catalog reloader",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup()
			if err != nil {
				return err
			}
			defer cancel()

			if !skipMigrate {
				if err := runMigrations(ctx, cfg.DatabaseURL); err != nil {
					return err
				}
			}
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply pending migrations on start")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every overdue entitlement once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup()
			if err != nil {
				return err
			}
			defer cancel()

			if err := postgres.InitDB(ctx, cfg.DatabaseURL); err != nil {
				return fmt.Errorf("database initialization failed: %w", err)
			}
			defer postgres.CloseDB(ctx)

			s, closeLocker, err := newSweeper(ctx, cfg, entitlement.NewPGStore(postgres.DB))
			if err != nil {
				return err
			}
			defer closeLocker()

			count, err := s.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d entitlements\n", count)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup()
			if err != nil {
				return err
			}
			defer cancel()
			return runMigrations(ctx, cfg.DatabaseURL)
		},
	}
}

func productsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "Manage the subscription product catalog",
	}
	cmd.AddCommand(productsUpsertCmd(), productsListCmd())
	return cmd
}

func productsUpsertCmd() *cobra.Command {
	var p catalog.Product
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Add a product to the catalog or update an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup()
			if err != nil {
				return err
			}
			defer cancel()

			if err := postgres.InitDB(ctx, cfg.DatabaseURL); err != nil {
				return fmt.Errorf("database initialization failed: %w", err)
			}
			defer postgres.CloseDB(ctx)

			products := catalog.NewDBCatalog(postgres.DB, cfg.DefaultProductID)
			if err := products.Upsert(ctx, []catalog.Product{p}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog now has %d products\n", len(products.List(ctx)))
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ProductID, "product-id", "", "store product identifier")
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.Platform, "platform", "apple", "apple or stripe")
	cmd.Flags().IntVar(&p.DurationDays, "duration-days", catalog.DefaultDurationDays, "length of one paid period")
	_ = cmd.MarkFlagRequired("product-id")
	return cmd
}

func productsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the active products",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := setup()
			if err != nil {
				return err
			}
			defer cancel()

			if err := postgres.InitDB(ctx, cfg.DatabaseURL); err != nil {
				return fmt.Errorf("database initialization failed: %w", err)
			}
			defer postgres.CloseDB(ctx)

			products := catalog.NewDBCatalog(postgres.DB, cfg.DefaultProductID)
			if err := products.Reload(ctx); err != nil {
				return err
			}
			for _, p := range products.List(ctx) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d days\n", p.ProductID, p.Platform, p.Name, p.DurationDays)
			}
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID int
	var expiry time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user (local testing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if userID <= 0 {
				return fmt.Errorf("--user must be a positive user id")
			}
			token, err := login.NewService(login.Config{JWTSecret: cfg.JWTSecret, AccessTokenExpiry: expiry}).GenerateToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().IntVar(&userID, "user", 0, "user id to put in the token")
	cmd.Flags().DurationVar(&expiry, "expiry", time.Hour, "token lifetime")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [service-key]",
		Short: "Print the PAYMENT_SERVICE_KEY_HASH value for a payment service key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := login.HashServiceKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func runMigrations(ctx context.Context, databaseURL string) error {
	logger := zerolog.Ctx(ctx)

	db, err := postgres.OpenSQL(databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := postgres.Migrations()
	if err != nil {
		return err
	}
	applied, err := postgres.Migrate(ctx, db, migrations)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info().Strs("applied", applied).Msg("Database schema up to date")
	return nil
}

// newSweeper builds the sweeper, with a Redis lock when REDIS_URL is set.
func newSweeper(ctx context.Context, cfg *config.Config, store entitlement.Store) (*sweeper.Sweeper, func(), error) {
	if cfg.RedisURL == "" {
		return sweeper.New(store), func() {}, nil
	}

	rdb, err := sweeper.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("unable to reach redis: %w", err)
	}
	zerolog.Ctx(ctx).Info().Msg("Sweeper lock enabled via redis")

	closeFn := func() {
		if err := rdb.Close(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	return sweeper.New(store, sweeper.WithLocker(sweeper.NewRedisLocker(rdb))), closeFn, nil
}
