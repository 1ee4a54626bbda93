package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/msomdec/user-admin/internal/domain"
)

const (
	reconcileMaxRetry = 10
	reconcileTimeout  = 30 * time.Second
)

// Client submits reconciliation tasks to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// Enqueue schedules repair of issue. An issue already queued is not queued
// twice.
func (c *Client) Enqueue(ctx context.Context, issue *domain.SyncIssue) error {
	task, err := NewReconcileTask(issue)
	if err != nil {
		return fmt.Errorf("build reconcile task: %w", err)
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.TaskID(issue.ID),
		asynq.MaxRetry(reconcileMaxRetry),
		asynq.Timeout(reconcileTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue reconcile task: %w", err)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
