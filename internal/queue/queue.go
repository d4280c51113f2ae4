// Package queue holds the fast-path hint of which tasks may be assigned.
// The task store stays authoritative: a dequeued id may already be taken,
// in which case the caller discards it and dequeues again.
package queue

import (
	"context"

	"github.com/google/uuid"
)

// Queue orders task ids by priority descending, then insertion order.
type Queue interface {
	// Enqueue adds taskID unless it is already queued, in which case the
	// existing entry keeps its place.
	Enqueue(ctx context.Context, taskID uuid.UUID, priority int) error
	// Dequeue pops the highest-priority, oldest id. ok is false when the queue is empty.
	Dequeue(ctx context.Context) (taskID uuid.UUID, ok bool, err error)
	Len(ctx context.Context) (int64, error)
}
