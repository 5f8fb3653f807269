package recorder

import (
	"sync"

	"github.com/httpseal/nettrace/pkg/traffic"
)

// Tail follows a Recorder and hands every finished entry to a callback
// exactly once, oldest first. Entries removed by Clear are forgotten.
type Tail struct {
	rec     *Recorder
	handle  func(traffic.Entry)
	subID   SubscriptionID
	mu      sync.Mutex
	seen    map[string]struct{}
	stopped bool
}

// NewTail subscribes handle to rec. Entries already finished when the tail
// is created are delivered on the first change notification or Flush.
func NewTail(rec *Recorder, handle func(traffic.Entry)) *Tail {
	t := &Tail{
		rec:    rec,
		handle: handle,
		seen:   make(map[string]struct{}),
	}
	t.subID = rec.Subscribe(t.Flush)
	return t
}

// Flush delivers finished entries that have not been handled yet.
func (t *Tail) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	entries := t.rec.Query(func(e traffic.Entry) bool { return e.Finished() })
	live := make(map[string]struct{}, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		live[e.ID] = struct{}{}
		if _, done := t.seen[e.ID]; done {
			continue
		}
		t.seen[e.ID] = struct{}{}
		t.handle(e)
	}

	// drop ids that left the log so the set does not outgrow it
	for id := range t.seen {
		if _, ok := live[id]; !ok {
			delete(t.seen, id)
		}
	}
}

// Stop unsubscribes the tail. A final Flush runs first.
func (t *Tail) Stop() {
	t.rec.Unsubscribe(t.subID)
	t.Flush()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
