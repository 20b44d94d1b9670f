package queue

import (
	"context"
	stderrors "errors"
	"time"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = stderrors.New("queue: broker closed")

// Item is one queued pipeline run.
type Item struct {
	// Key deduplicates the item. It is the ID of the job first enqueued and
	// never changes across retries.
	Key string `json:"key"`
	// JobID is the job record the next attempt runs against. A retry after
	// a failed attempt points it at the new lineage job.
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	Spec       JobSpec   `json:"spec"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Broker stores queued items.
type Broker interface {
	// Push adds item unless its key is already queued or being worked on,
	// in which case it reports false.
	Push(ctx context.Context, item Item) (bool, error)
	// Requeue adds an item whose key is already held, for a retry.
	Requeue(ctx context.Context, item Item) error
	// Pop blocks until an item is available or ctx is done.
	Pop(ctx context.Context) (Item, error)
	// Ack releases the key of a finished item.
	Ack(ctx context.Context, key string) error
	// Len reports how many items are waiting.
	Len(ctx context.Context) (int64, error)
	Close() error
}
