package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ProPass/entitlement"
	"ProPass/metrics"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultBatchSize = 500
	lockKey          = "propass:sweeper:lock"
)

// Locker guards a sweep so that only one replica runs it at a time.
type Locker interface {
	// TryLock returns ok=false without error when another holder owns the lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// Sweeper moves active entitlements whose expiry has passed to expired.
type Sweeper struct {
	store     entitlement.Store
	locker    Locker
	batchSize int
	lockTTL   time.Duration
	now       func() time.Time
}

type Option func(*Sweeper)

// WithLocker makes every scheduled run take the given lock first.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(store entitlement.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		batchSize: defaultBatchSize,
		lockTTL:   2 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep expires every overdue active record and returns how many it changed.
// A record renewed between listing and expiring is left alone by the store's
// conditional write and is not counted.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	logger := zerolog.Ctx(ctx)

	expired := 0
	for {
		ids, err := s.store.ListExpiredCandidates(ctx, now, s.batchSize)
		if err != nil {
			return expired, fmt.Errorf("failed to list expired entitlements: %w", err)
		}

		progressed := 0
		for _, userID := range ids {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			changed, err := s.store.ExpireIfDue(ctx, userID, now)
			if err != nil {
				logger.Error().Err(err).Int("user_id", userID).Msg("Failed to expire entitlement")
				continue
			}
			if changed {
				progressed++
				logger.Info().Int("user_id", userID).Msg("Entitlement expired")
			}
		}
		expired += progressed

		if len(ids) < s.batchSize || progressed == 0 {
			break
		}
	}

	metrics.SweepTransitionsTotal.Add(float64(expired))
	return expired, nil
}

// RunOnce performs a single sweep, holding the lock if a locker is configured.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	logger := zerolog.Ctx(ctx)

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, lockKey, s.lockTTL)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			logger.Debug().Msg("Sweep already running elsewhere, skipping")
			return 0, nil
		}
		defer release(context.WithoutCancel(ctx))
	}

	start := time.Now()
	count, err := s.Sweep(ctx, s.now())
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return count, err
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	logger.Info().
		Int("expired", count).
		Dur("took", time.Since(start)).
		Msg("Expiration sweep finished")
	return count, nil
}

// Schedule runs the sweeper on a cron spec until ctx is cancelled.
func (s *Sweeper) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	if spec == "" {
		return nil, errors.New("sweep schedule is empty")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Expiration sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
