// Package queue provides the ordered handoff of pending notifications
// between producers (the manager façade) and consumers (connection
// workers). It is the single serialization point when multiple
// connections share one engine.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/commatea/APNS-Bridge/pkg/apns"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue is closed")

// Queue is a FIFO of notifications with three extra guarantees beyond
// a channel: replayed sequences can be put back at the front ahead of
// fresh work, Drain observes consumers finishing their claimed items,
// and shutdown wakes every blocked consumer.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items    []*apns.Notification
	inflight int
	closed   bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends notifications to the back of the queue.
func (q *Queue) Enqueue(ns ...*apns.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.items = append(q.items, ns...)
	q.cond.Broadcast()
	return nil
}

// Requeue puts a replay sequence back at the front of the queue,
// preserving its internal order, ahead of anything enqueued since the
// failure. Requeue works even on a closed queue so a dying connection
// can always return claimed work.
func (q *Queue) Requeue(ns []*apns.Notification) {
	if len(ns) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(append(make([]*apns.Notification, 0, len(ns)+len(q.items)), ns...), q.items...)
	q.cond.Broadcast()
}

// Dequeue blocks until a notification is available, the queue is
// closed, or ctx is done. The second return is false when there is
// nothing left to consume and the consumer should exit.
//
// A successful Dequeue claims the item: the consumer must call Done
// once the item has been written to a connection (or handed back via
// Requeue), or Drain will never return.
func (q *Queue) Dequeue(ctx context.Context) (*apns.Notification, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if len(q.items) == 0 || ctx.Err() != nil {
		return nil, false
	}

	n := q.items[0]
	q.items = q.items[1:]
	q.inflight++
	return n, true
}

// WaitPending blocks until at least one unclaimed item is queued. It
// returns false when the queue is closed or ctx is done. Workers use
// this to avoid holding a gateway connection open with nothing to
// send.
func (q *Queue) WaitPending(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	return len(q.items) > 0 && ctx.Err() == nil
}

// Done releases a claimed item.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight > 0 {
		q.inflight--
	}
	q.cond.Broadcast()
}

// Drain blocks until the queue is empty and every claimed item has
// been released. Notifications enqueued after Drain is called extend
// the wait only if they arrive before it returns.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 || q.inflight > 0 {
		q.cond.Wait()
	}
}

// Close marks the queue as shut down and wakes all blocked consumers.
// Items already queued remain consumable; new Enqueue calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// TakeAll removes and returns everything still queued. Used by Stop to
// surface never-attempted notifications back to the caller.
func (q *Queue) TakeAll() []*apns.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	q.cond.Broadcast()
	return items
}

// Len returns the number of queued (unclaimed) notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Inflight returns the number of claimed but unreleased notifications.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}
