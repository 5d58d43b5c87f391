package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unlockerStub struct {
	calls []time.Time
	err   error
}

func (s *unlockerStub) UnlockExpired(ctx context.Context, now time.Time) (int64, error) {
	s.calls = append(s.calls, now)
	return int64(len(s.calls)), s.err
}

func TestUnlockExpiredUsesClockByDefault(t *testing.T) {
	repo := &unlockerStub{}
	job := NewUnlockExpiredJob(repo, nil, nil)
	fixed := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }

	task, err := NewUnlockExpiredTask(UnlockExpiredPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []time.Time{fixed}, repo.calls)
	assert.Equal(t, TaskUnlockExpiredAccounts, task.Type())
}

func TestUnlockExpiredHonoursPinnedTime(t *testing.T) {
	repo := &unlockerStub{}
	job := NewUnlockExpiredJob(repo, nil, nil)
	pinned := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	task, err := NewUnlockExpiredTask(UnlockExpiredPayload{Before: &pinned})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []time.Time{pinned}, repo.calls)
}

func TestUnlockExpiredErrors(t *testing.T) {
	repo := &unlockerStub{err: errors.New("db down")}
	job := NewUnlockExpiredJob(repo, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskUnlockExpiredAccounts, nil))
	assert.EqualError(t, err, "db down")

	bad, _ := json.Marshal("not an object")
	err = job.Handle(context.Background(), asynq.NewTask(TaskUnlockExpiredAccounts, bad))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Len(t, repo.calls, 1)
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"}})
	assert.Error(t, err)
}
