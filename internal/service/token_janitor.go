package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	"github.com/noah-isme/recipe-auth-api/pkg/jobs"
)

const jobPurgeExpired = "purge_expired_tokens"

type expiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// JanitorConfig drives the periodic purge.
type JanitorConfig struct {
	Interval time.Duration
	Workers  int
}

// TokenJanitor deletes refresh tokens and blacklist rows whose expiry has
// passed. Neither table is ever read past expiry, so the purge only bounds
// storage.
type TokenJanitor struct {
	refresh   expiredPurger
	blacklist expiredPurger
	metrics   *MetricsService
	logger    *zap.Logger
	interval  time.Duration
	queue     *jobs.Queue
	now       func() time.Time
}

// NewTokenJanitor wires the purge job into a jobs queue.
func NewTokenJanitor(refresh, blacklist expiredPurger, metrics *MetricsService, logger *zap.Logger, cfg JanitorConfig) *TokenJanitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	j := &TokenJanitor{
		refresh:   refresh,
		blacklist: blacklist,
		metrics:   metrics,
		logger:    logger,
		interval:  cfg.Interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
	j.queue = jobs.NewQueue("token-janitor", j.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: 1,
		MaxRetries: 2,
		RetryDelay: 30 * time.Second,
		Logger:     logger,
	})
	return j
}

// Start runs one purge immediately and then one per interval until Stop.
func (j *TokenJanitor) Start(ctx context.Context) error {
	j.queue.Start(ctx)
	if err := j.queue.TryEnqueue(jobs.Job{Type: jobPurgeExpired}); err != nil {
		return err
	}
	return j.queue.Schedule(jobPurgeExpired, j.interval)
}

// Stop waits for the running purge to finish.
func (j *TokenJanitor) Stop() {
	j.queue.Stop()
}

// RunOnce purges both tables once.
func (j *TokenJanitor) RunOnce(ctx context.Context) (models.PurgeResult, error) {
	now := j.now()
	var result models.PurgeResult

	n, err := j.refresh.PurgeExpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("purge refresh tokens: %w", err)
	}
	result.RefreshTokens = n
	j.metrics.RecordPurge("refresh_token", n)

	n, err = j.blacklist.PurgeExpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("purge blacklist: %w", err)
	}
	result.Blacklist = n
	j.metrics.RecordPurge("blacklist", n)

	return result, nil
}

func (j *TokenJanitor) handle(ctx context.Context, job jobs.Job) error {
	result, err := j.RunOnce(ctx)
	if err != nil {
		return err
	}
	j.logger.Info("expired tokens purged",
		zap.String("job_id", job.ID),
		zap.Int64("refresh_tokens", result.RefreshTokens),
		zap.Int64("blacklist", result.Blacklist),
	)
	return nil
}
