package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskUnlockExpiredAccounts clears lock windows that have already ended.
	TaskUnlockExpiredAccounts = "accounts:unlock_expired"
	// UnlockExpiredSchedule runs the unlock sweep every five minutes.
	UnlockExpiredSchedule = "*/5 * * * *"
	// UnlockExpiredWindow keeps overlapping cron enqueues from piling up.
	UnlockExpiredWindow = 4 * time.Minute
)

// UnlockExpiredPayload optionally pins the reference time of a sweep.
type UnlockExpiredPayload struct {
	Before *time.Time `json:"before,omitempty"`
}

// NewUnlockExpiredTask constructs the unlock sweep task.
func NewUnlockExpiredTask(payload UnlockExpiredPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUnlockExpiredAccounts, data, asynq.MaxRetry(3), asynq.Timeout(time.Minute)), nil
}
