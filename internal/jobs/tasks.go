// Package jobs runs the background reconciliation of sync issues on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/msomdec/user-admin/internal/domain"
)

const (
	// QueueDefault is the queue reconciliation tasks are placed on.
	QueueDefault = "default"
	// TaskReconcile repairs one sync issue.
	TaskReconcile = "sync:reconcile"
)

// ReconcilePayload identifies the sync issue a task repairs.
type ReconcilePayload struct {
	IssueID string               `json:"issue_id"`
	Kind    domain.SyncIssueKind `json:"kind"`
	UserID  string               `json:"user_id"`
}

// NewReconcileTask constructs an asynq task for issue.
func NewReconcileTask(issue *domain.SyncIssue) (*asynq.Task, error) {
	data, err := json.Marshal(ReconcilePayload{IssueID: issue.ID, Kind: issue.Kind, UserID: issue.UserID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, data), nil
}

// Repairer retries the repair of one sync issue.
type Repairer interface {
	Reconcile(ctx context.Context, issueID string) error
}

// ReconcileJob handles TaskReconcile tasks.
type ReconcileJob struct {
	repairer Repairer
	metrics  JobTracker
	logger   *slog.Logger
}

// JobTracker records the outcome of a job run. *observability.Metrics
// satisfies it.
type JobTracker interface {
	ObserveJob(job string, run func() error) error
}

// NewReconcileJob creates the task handler. metrics may be nil.
func NewReconcileJob(repairer Repairer, metrics JobTracker, logger *slog.Logger) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{repairer: repairer, metrics: metrics, logger: logger}
}

// Handle processes one task. Malformed payloads and unknown issues are not
// retried.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.IssueID == "" {
		j.logger.Error("decode reconcile payload", slog.Any("error", err))
		return fmt.Errorf("decode reconcile payload: %w", asynq.SkipRetry)
	}

	run := func() error { return j.repairer.Reconcile(ctx, payload.IssueID) }
	var err error
	if j.metrics != nil {
		err = j.metrics.ObserveJob(TaskReconcile, run)
	} else {
		err = run()
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrSideEffect) {
		j.logger.Warn("reconcile unknown issue", slog.String("issue_id", payload.IssueID), slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	j.logger.Warn("reconcile failed",
		slog.String("issue_id", payload.IssueID),
		slog.String("kind", string(payload.Kind)),
		slog.Any("error", err),
	)
	return err
}
