// Package heartbeat carries a job's liveness signal through its context so
// that long-running code deep in the pipeline can report progress without
// knowing who is listening.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"
)

type ctxKey struct{}

// Monitor records the last time a job reported progress.
type Monitor struct {
	last atomic.Int64
	now  func() time.Time
}

func NewMonitor(now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	m := &Monitor{now: now}
	m.Beat()
	return m
}

// Beat records progress.
func (m *Monitor) Beat() {
	m.last.Store(m.now().UnixNano())
}

// Last returns the time of the most recent beat.
func (m *Monitor) Last() time.Time {
	return time.Unix(0, m.last.Load())
}

// Since reports how long ago the last beat happened.
func (m *Monitor) Since() time.Duration {
	return m.now().Sub(m.Last())
}

// WithMonitor attaches m to ctx.
func WithMonitor(ctx context.Context, m *Monitor) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the monitor attached to ctx, or nil.
func FromContext(ctx context.Context) *Monitor {
	m, _ := ctx.Value(ctxKey{}).(*Monitor)
	return m
}

// Beat records progress on the monitor attached to ctx, if any.
func Beat(ctx context.Context) {
	if m := FromContext(ctx); m != nil {
		m.Beat()
	}
}
