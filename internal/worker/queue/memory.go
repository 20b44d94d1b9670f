package queue

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker. Items are served in FIFO order.
type MemoryBroker struct {
	mu     sync.Mutex
	items  []Item
	keys   map[string]struct{}
	notify chan struct{}
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		keys:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (b *MemoryBroker) Push(_ context.Context, item Item) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}
	if _, held := b.keys[item.Key]; held {
		return false, nil
	}
	b.keys[item.Key] = struct{}{}
	b.appendLocked(item)
	return true, nil
}

func (b *MemoryBroker) Requeue(_ context.Context, item Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.keys[item.Key] = struct{}{}
	b.appendLocked(item)
	return nil
}

func (b *MemoryBroker) appendLocked(item Item) {
	b.items = append(b.items, item)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Pop(ctx context.Context) (Item, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Item{}, ErrClosed
		}
		if len(b.items) > 0 {
			item := b.items[0]
			b.items = b.items[1:]
			if len(b.items) > 0 {
				// wake the next waiter
				select {
				case b.notify <- struct{}{}:
				default:
				}
			}
			b.mu.Unlock()
			return item, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
	return nil
}

func (b *MemoryBroker) Len(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.items)), nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	return nil
}
