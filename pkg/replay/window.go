// Package replay tracks notifications whose delivery outcome is still
// unknown. The gateway reports errors out-of-band and only for the
// failing notification, so after an error everything transmitted later
// on that connection must be resent; this window is the record that
// makes that possible.
package replay

import (
	"container/list"
	"sync"

	"github.com/commatea/APNS-Bridge/pkg/apns"
)

// DefaultLimit bounds the window when the configuration does not.
const DefaultLimit = 1024

// Window is a bounded identifier-indexed buffer in strict insertion
// order. Identifier values wrap under sustained load, so ordering is
// never derived from numeric comparison — only from insertion position.
type Window struct {
	mu    sync.Mutex
	limit int
	order *list.List
	index map[uint32]*list.Element
}

// New creates a window holding at most limit entries. A non-positive
// limit selects DefaultLimit.
func New(limit int) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Window{
		limit: limit,
		order: list.New(),
		index: make(map[uint32]*list.Element),
	}
}

// Add records a transmitted notification. It returns false when the
// window is full; the caller must then force an early drain of the
// connection instead of growing without bound.
func (w *Window) Add(n *apns.Notification) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.order.Len() >= w.limit {
		return false
	}

	w.index[n.Identifier] = w.order.PushBack(n)
	return true
}

// Resolve processes an error frame's identifier and empties the window.
//
// It returns the notification the identifier names (nil when the
// window no longer holds it) and the entries inserted after it, in
// insertion order — the replay set. Entries before the named one are
// discarded: the gateway processed everything up to the failure point.
// When the identifier is unknown (already trimmed, or from a prior
// connection incarnation) every retained entry is returned for replay
// and found is false.
func (w *Window) Resolve(ident uint32) (failed *apns.Notification, after []*apns.Notification, found bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	elem, found := w.index[ident]
	if found {
		failed = elem.Value.(*apns.Notification)
		for e := elem.Next(); e != nil; e = e.Next() {
			after = append(after, e.Value.(*apns.Notification))
		}
	} else {
		for e := w.order.Front(); e != nil; e = e.Next() {
			after = append(after, e.Value.(*apns.Notification))
		}
	}

	w.reset()
	return failed, after, found
}

// TakeAll empties the window and returns every entry in insertion
// order. Used when the connection dies without a readable error frame
// and every outcome is unknown.
func (w *Window) TakeAll() []*apns.Notification {
	w.mu.Lock()
	defer w.mu.Unlock()

	ns := make([]*apns.Notification, 0, w.order.Len())
	for e := w.order.Front(); e != nil; e = e.Next() {
		ns = append(ns, e.Value.(*apns.Notification))
	}

	w.reset()
	return ns
}

// Clear discards all entries, presuming them delivered.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reset()
}

func (w *Window) reset() {
	w.order.Init()
	w.index = make(map[uint32]*list.Element)
}

// Len returns the number of retained entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// Limit returns the configured bound.
func (w *Window) Limit() int {
	return w.limit
}
