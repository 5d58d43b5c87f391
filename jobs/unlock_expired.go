package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fnbcost/fnbcost/internal/observability"
)

// Unlocker clears elapsed account locks.
type Unlocker interface {
	UnlockExpired(ctx context.Context, now time.Time) (int64, error)
}

// UnlockExpiredJob resets accounts whose lock window ended.
type UnlockExpiredJob struct {
	repo    Unlocker
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewUnlockExpiredJob constructs the job.
func NewUnlockExpiredJob(repo Unlocker, logger *slog.Logger, metrics *observability.Metrics) *UnlockExpiredJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnlockExpiredJob{repo: repo, logger: logger, metrics: metrics, now: time.Now}
}

// Handle processes TaskUnlockExpiredAccounts tasks.
func (j *UnlockExpiredJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload UnlockExpiredPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			j.metrics.JobRun(TaskUnlockExpiredAccounts, "invalid")
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	now := j.now().UTC()
	if payload.Before != nil {
		now = payload.Before.UTC()
	}
	unlocked, err := j.repo.UnlockExpired(ctx, now)
	if err != nil {
		j.metrics.JobRun(TaskUnlockExpiredAccounts, "failure")
		j.logger.Error("unlock expired accounts", slog.Any("error", err))
		return err
	}
	j.metrics.JobRun(TaskUnlockExpiredAccounts, "success")
	j.logger.Info("unlocked expired accounts",
		slog.String("job", TaskUnlockExpiredAccounts),
		slog.Int64("accounts", unlocked))
	return nil
}
