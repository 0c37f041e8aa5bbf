package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

var DB *pgxpool.Pool

func InitDB(ctx context.Context, databaseURL string) error {
	// Create context with timeout for initialization
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	logger := zerolog.Ctx(ctx)

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("unable to parse connection string: %w", err)
	}
	logger.Info().
		Str("host", config.ConnConfig.Host).
		Str("database", config.ConnConfig.Database).
		Msg("Connecting to database")

	// Configure connection pool
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute
	config.ConnConfig.ConnectTimeout = 10 * time.Second

	DB, err = pgxpool.ConnectConfig(initCtx, config)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	// Verify connection with separate context
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := DB.Ping(pingCtx); err != nil {
		DB.Close()
		return fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().
		Int32("min_conns", config.MinConns).
		Int32("max_conns", config.MaxConns).
		Msg("Connected to database")
	return nil
}

// CloseDB gracefully closes the database connection pool
func CloseDB(ctx context.Context) {
	if DB == nil {
		return
	}
	DB.Close()
	DB = nil
	zerolog.Ctx(ctx).Info().Msg("Database connection pool closed")
}

// WithTransaction executes a function within a transaction
func WithTransaction(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Ensure rollback if panic occurs
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
