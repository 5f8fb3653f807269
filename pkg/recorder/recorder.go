// Package recorder owns the in-memory log of traffic entries.
//
// All mutations (Begin, Finish, Clear) are serialized behind one mutex;
// queries share a read lock and always return deep copies, so callers can
// never reach recorder state outside the serialized path. Observers are
// told that "something changed" after the lock has been released, on a
// separate goroutine, and are expected to re-query.
package recorder

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/traffic"
)

// Predicate selects entries in Query.
type Predicate func(traffic.Entry) bool

// Observer is invoked after the log changed. It receives no payload.
type Observer func()

// SubscriptionID identifies a registered observer.
type SubscriptionID uint64

// Recorder is the mutable store of traffic entries. Thread-safe.
type Recorder struct {
	mu      sync.RWMutex
	entries []*traffic.Entry // newest first
	index   map[string]*traffic.Entry

	obsMu     sync.RWMutex
	observers map[SubscriptionID]Observer
	nextSubID SubscriptionID

	pending    atomic.Bool
	dispatchMu sync.Mutex

	logger logger.Logger
	now    func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for contract violations and races.
func WithLogger(l logger.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty Recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		index:     make(map[string]*traffic.Entry),
		observers: make(map[SubscriptionID]Observer),
		logger:    logger.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin records the start of the exchange identified by id. The entry is
// placed at the head of the log. A duplicate id keeps the first entry.
func (r *Recorder) Begin(id string, req traffic.Request) {
	r.mu.Lock()
	if _, exists := r.index[id]; exists {
		r.mu.Unlock()
		r.logger.Warn("Duplicate correlation id %s ignored", id)
		return
	}
	owned := traffic.Entry{ID: id, Request: req}.Clone()
	entry := &owned
	r.index[id] = entry
	r.entries = append(r.entries, nil)
	copy(r.entries[1:], r.entries)
	r.entries[0] = entry
	r.mu.Unlock()

	r.notify()
}

// Finish completes the entry identified by id. Finishing an unknown id
// (never begun, or cleared in the meantime) or an already finished entry
// is a silent no-op.
func (r *Recorder) Finish(id string, resp *traffic.Response, errLog *traffic.ErrorLog) {
	r.mu.Lock()
	entry, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Finish for unknown correlation id %s dropped", id)
		return
	}
	if entry.Finished() {
		r.mu.Unlock()
		r.logger.Debug("Duplicate finish for correlation id %s dropped", id)
		return
	}
	duration := r.now().Sub(entry.Request.CreatedAt)
	entry.Duration = &duration
	owned := traffic.Entry{Response: resp, Error: errLog}.Clone()
	entry.Response = owned.Response
	entry.Error = owned.Error
	r.mu.Unlock()

	r.notify()
}

// Clear drops every entry.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.index = make(map[string]*traffic.Entry)
	r.mu.Unlock()

	r.notify()
}

// Query returns copies of the entries matching pred, newest first.
// A nil predicate matches everything.
func (r *Recorder) Query(pred Predicate) []traffic.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]traffic.Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		snapshot := entry.Clone()
		if pred == nil || pred(snapshot) {
			out = append(out, snapshot)
		}
	}
	return out
}

// Entries returns a snapshot of the whole log, newest first.
func (r *Recorder) Entries() []traffic.Entry {
	return r.Query(nil)
}

// QueryByPathSuffix returns entries whose URL path ends with suffix.
func (r *Recorder) QueryByPathSuffix(suffix string) []traffic.Entry {
	return r.Query(func(e traffic.Entry) bool {
		return e.Request.URL != nil && strings.HasSuffix(e.Request.URL.Path, suffix)
	})
}

// QueryByStatusCode returns entries whose response has the given status.
func (r *Recorder) QueryByStatusCode(code int) []traffic.Entry {
	return r.Query(func(e traffic.Entry) bool {
		return e.Response != nil && e.Response.StatusCode == code
	})
}

// QueryByMethod returns entries issued with method (exact match).
func (r *Recorder) QueryByMethod(method string) []traffic.Entry {
	return r.Query(func(e traffic.Entry) bool {
		return e.Request.Method == method
	})
}

// Get returns a copy of the entry with the given id.
func (r *Recorder) Get(id string) (traffic.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.index[id]
	if !ok {
		return traffic.Entry{}, false
	}
	return entry.Clone(), true
}

// Len returns the number of entries in the log.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe registers an observer for change notifications.
func (r *Recorder) Subscribe(obs Observer) SubscriptionID {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.nextSubID++
	r.observers[r.nextSubID] = obs
	return r.nextSubID
}

// Unsubscribe removes an observer. Unknown ids are ignored.
func (r *Recorder) Unsubscribe(id SubscriptionID) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	delete(r.observers, id)
}

// Watch returns a channel that receives a value after changes, until ctx
// is done. Notifications coalesce: a slow reader sees at most one pending
// signal.
func (r *Recorder) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	id := r.Subscribe(func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		r.Unsubscribe(id)
	}()
	return ch
}

// notify schedules one delivery round. Calls made while a round is still
// pending are folded into it.
func (r *Recorder) notify() {
	if r.pending.CompareAndSwap(false, true) {
		go r.dispatch()
	}
}

func (r *Recorder) dispatch() {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	// re-arm before delivering so changes made by observers are not lost
	r.pending.Store(false)

	r.obsMu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	for _, obs := range r.observers {
		observers = append(observers, obs)
	}
	r.obsMu.RUnlock()

	for _, obs := range observers {
		obs()
	}
}
