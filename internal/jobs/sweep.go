package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/msomdec/user-admin/internal/domain"
)

// TaskSweep re-enqueues every pending sync issue.
const TaskSweep = "sync:sweep"

// NewSweepTask constructs the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSweep, nil)
}

// PendingLister lists unresolved sync issues.
type PendingLister interface {
	ListPending(ctx context.Context) ([]domain.SyncIssue, error)
}

// Enqueuer schedules repair of a sync issue.
type Enqueuer interface {
	Enqueue(ctx context.Context, issue *domain.SyncIssue) error
}

// SweepJob handles TaskSweep tasks.
type SweepJob struct {
	issues PendingLister
	queue  Enqueuer
	logger *slog.Logger
}

// NewSweepJob creates the sweep handler.
func NewSweepJob(issues PendingLister, queue Enqueuer, logger *slog.Logger) *SweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{issues: issues, queue: queue, logger: logger}
}

// Handle enqueues a reconcile task for each pending issue.
func (j *SweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	pending, err := j.issues.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending sync issues: %w", err)
	}

	var errs []error
	for i := range pending {
		if err := j.queue.Enqueue(ctx, &pending[i]); err != nil {
			errs = append(errs, fmt.Errorf("issue %s: %w", pending[i].ID, err))
		}
	}
	if len(pending) > 0 {
		j.logger.Info("swept sync issues", slog.Int("pending", len(pending)), slog.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}
