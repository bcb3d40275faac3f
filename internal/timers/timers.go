// Package timers keeps one-shot timers indexed by (user, purpose).
//
// Scheduling a key that already has a live timer replaces it: the old timer is
// stopped and, should it already be on its way to firing, its callback is
// skipped because the entry it belongs to is no longer current. The only extra
// fire tolerated is one whose callback was already running at replacement time.
package timers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	ErrInvalidDeadline = errors.New("timers: invalid deadline")
	ErrStopped         = errors.New("timers: registry stopped")
)

// DefaultGrace is how far in the past a deadline may be and still be accepted.
const DefaultGrace = time.Second

type Purpose int

const (
	PurposePoll Purpose = iota
	PurposeReminder
	PurposeCleanup
)

func (p Purpose) String() string {
	switch p {
	case PurposePoll:
		return "poll"
	case PurposeReminder:
		return "reminder"
	case PurposeCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// Key identifies a timer slot. At most one timer is live per key.
type Key struct {
	UserID  int64
	Purpose Purpose
}

// Callback runs when a timer fires.
type Callback func(ctx context.Context)

// Handle describes a scheduled timer. It carries no control over the timer;
// callers cancel through the registry by key.
type Handle struct {
	ID     uuid.UUID
	Key    Key
	FireAt time.Time
}

type entry struct {
	handle Handle
	timer  clockwork.Timer
	cb     Callback
}

// Registry owns every physical timer in the process.
type Registry struct {
	clock  clockwork.Clock
	logger *zap.Logger
	grace  time.Duration

	mu      sync.Mutex
	entries map[Key]*entry
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Registry)

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

func New(clock clockwork.Clock, logger *zap.Logger, opts ...Option) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		clock:   clock,
		logger:  logger.Named("timers"),
		grace:   DefaultGrace,
		entries: make(map[Key]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Schedule installs a one-shot timer for key, replacing any live one.
func (r *Registry) Schedule(key Key, fireAt time.Time, cb Callback) (Handle, error) {
	if cb == nil {
		return Handle{}, fmt.Errorf("timers: nil callback for %s/%d", key.Purpose, key.UserID)
	}
	now := r.clock.Now()
	if fireAt.IsZero() || fireAt.Before(now.Add(-r.grace)) {
		return Handle{}, fmt.Errorf("%w: %s for user %d at %s (now %s)",
			ErrInvalidDeadline, key.Purpose, key.UserID,
			fireAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	delay := fireAt.Sub(now)
	if delay < 0 {
		delay = 0
	}

	e := &entry{
		handle: Handle{ID: uuid.New(), Key: key, FireAt: fireAt},
		cb:     cb,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return Handle{}, ErrStopped
	}
	if prev, ok := r.entries[key]; ok {
		prev.timer.Stop()
	}
	r.entries[key] = e
	// The timer is created under the lock so fire cannot observe the entry
	// before it is indexed.
	e.timer = r.clock.AfterFunc(delay, func() { r.fire(e) })

	r.logger.Debug("timer scheduled",
		zap.Int64("user_id", key.UserID),
		zap.Stringer("purpose", key.Purpose),
		zap.Time("fire_at", fireAt),
		zap.Duration("delay", delay),
	)
	return e.handle, nil
}

// Cancel stops the live timer for key. Missing keys are ignored.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.entries, key)
	r.logger.Debug("timer cancelled",
		zap.Int64("user_id", key.UserID),
		zap.Stringer("purpose", key.Purpose),
	)
	return true
}

// CancelUser cancels the given purposes for a user, or all of them when none
// are given.
func (r *Registry) CancelUser(userID int64, purposes ...Purpose) int {
	if len(purposes) == 0 {
		purposes = []Purpose{PurposePoll, PurposeReminder, PurposeCleanup}
	}
	n := 0
	for _, p := range purposes {
		if r.Cancel(Key{UserID: userID, Purpose: p}) {
			n++
		}
	}
	return n
}

// FireNow runs the live timer for key on the caller's goroutine.
// It reports whether there was anything to fire.
func (r *Registry) FireNow(key Key) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		e.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	return r.fire(e)
}

// Next returns when the live timer for key is due.
func (r *Registry) Next(key Key) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.handle.FireAt, true
}

// Len is the number of live timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop cancels every live timer without running it and waits for callbacks
// that are already executing. Later Schedule calls fail with ErrStopped.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	n := len(r.entries)
	for key, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, key)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("timer registry stopped", zap.Int("cancelled", n))
}

func (r *Registry) fire(e *entry) bool {
	key := e.handle.Key

	r.mu.Lock()
	if r.stopped || r.entries[key] != e {
		// replaced or cancelled after the clock already fired
		r.mu.Unlock()
		return false
	}
	delete(r.entries, key)
	r.wg.Add(1)
	r.mu.Unlock()

	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("timer callback panicked",
				zap.Int64("user_id", key.UserID),
				zap.Stringer("purpose", key.Purpose),
				zap.Any("panic", rec),
			)
		}
	}()

	r.logger.Debug("timer fired",
		zap.Int64("user_id", key.UserID),
		zap.Stringer("purpose", key.Purpose),
	)
	e.cb(context.Background())
	return true
}
