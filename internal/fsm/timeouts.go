// Package fsm watches users stuck in multi-step flows. Entering a tracked
// state arms a reminder; an unanswered reminder arms a shorter cleanup that
// resets the user to idle, so no conversation stays open forever.
package fsm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
	"telegram-mood-diary/internal/timers"
)

var ErrNoTimeout = errors.New("fsm: no active timeout")

// Store is the state collaborator. *storage.DB satisfies it.
type Store interface {
	GetUser(ctx context.Context, chatID int64) (*models.User, error)
	GetUserState(ctx context.Context, chatID int64) (models.State, error)
	SetUserState(ctx context.Context, chatID int64, state models.State) error
	ListActiveStates(ctx context.Context) (map[int64]models.State, error)
}

type Config struct {
	ReminderWindow time.Duration // overridden per user by User.ReminderWindow
	CleanupWindow  time.Duration
	CallTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReminderWindow <= 0 {
		c.ReminderWindow = 15 * time.Minute
	}
	if c.CleanupWindow <= 0 {
		c.CleanupWindow = 10 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

type Manager struct {
	timers *timers.Registry
	store  Store
	sink   notify.Sink
	clock  clockwork.Clock
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	records map[int64]*models.ConversationTimeout
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithConfig(c Config) Option { return func(m *Manager) { m.cfg = c } }

func New(reg *timers.Registry, store Store, sink notify.Sink, opts ...Option) *Manager {
	m := &Manager{
		timers:  reg,
		store:   store,
		sink:    sink,
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		records: make(map[int64]*models.ConversationTimeout),
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg = m.cfg.withDefaults()
	m.logger = m.logger.Named("fsm")
	return m
}

func reminderKey(userID int64) timers.Key {
	return timers.Key{UserID: userID, Purpose: timers.PurposeReminder}
}

func cleanupKey(userID int64) timers.Key {
	return timers.Key{UserID: userID, Purpose: timers.PurposeCleanup}
}

// ScheduleTimeout starts (or restarts) tracking a user who entered state.
func (m *Manager) ScheduleTimeout(ctx context.Context, userID int64, state models.State) (models.ConversationTimeout, error) {
	window := m.reminderWindow(ctx, userID)
	deadline := m.clock.Now().Add(window)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.timers.Cancel(cleanupKey(userID))
	if _, err := m.timers.Schedule(reminderKey(userID), deadline, func(ctx context.Context) {
		m.onReminder(ctx, userID)
	}); err != nil {
		delete(m.records, userID)
		return models.ConversationTimeout{}, err
	}

	rec := &models.ConversationTimeout{
		ChatID:           userID,
		State:            state,
		Phase:            models.PhaseAwaitingInput,
		ReminderDeadline: deadline,
	}
	m.records[userID] = rec
	m.logger.Debug("timeout scheduled",
		zap.Int64("user_id", userID),
		zap.String("state", string(state)),
		zap.Time("reminder_at", deadline),
	)
	return *rec, nil
}

// CancelTimeout stops tracking the user. It reports whether anything was active.
func (m *Manager) CancelTimeout(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, had := m.records[userID]
	delete(m.records, userID)
	n := m.timers.CancelUser(userID, timers.PurposeReminder, timers.PurposeCleanup)
	return had || n > 0
}

// Continue moves a reminded user back to awaiting input with a fresh reminder.
func (m *Manager) Continue(ctx context.Context, userID int64) (models.ConversationTimeout, error) {
	rec, ok := m.Timeout(userID)
	if !ok {
		return models.ConversationTimeout{}, ErrNoTimeout
	}
	return m.ScheduleTimeout(ctx, userID, rec.State)
}

// Timeout returns a copy of the user's active record.
func (m *Manager) Timeout(userID int64) (models.ConversationTimeout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[userID]
	if !ok {
		return models.ConversationTimeout{}, false
	}
	return *rec, true
}

// Restore re-arms timeouts for users persisted mid-flow before a restart.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	active, err := m.store.ListActiveStates(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for userID, st := range active {
		if _, err := m.ScheduleTimeout(ctx, userID, st); err != nil {
			m.logger.Error("restore timeout", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		n++
	}
	m.logger.Info("timeouts restored", zap.Int("count", n))
	return n, nil
}

func (m *Manager) reminderWindow(ctx context.Context, userID int64) time.Duration {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		m.logger.Warn("load reminder window", zap.Int64("user_id", userID), zap.Error(err))
		return m.cfg.ReminderWindow
	}
	if u == nil || u.ReminderWindow <= 0 {
		return m.cfg.ReminderWindow
	}
	return time.Duration(u.ReminderWindow) * time.Minute
}

func (m *Manager) current(userID int64) *models.ConversationTimeout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[userID]
}

func (m *Manager) onReminder(ctx context.Context, userID int64) {
	firedAt := m.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	log := m.logger.With(zap.Int64("user_id", userID))

	rec := m.current(userID)
	if rec == nil {
		return
	}

	st, err := m.store.GetUserState(ctx, userID)
	if err != nil {
		log.Warn("read state on reminder", zap.Error(err))
	} else if st != rec.State {
		// flow moved on without a cancel; nothing left to watch
		m.drop(userID, rec)
		return
	}

	// the cleanup deadline counts from the fire time, not from delivery
	m.mu.Lock()
	if m.records[userID] != rec {
		m.mu.Unlock()
		return
	}
	deadline := firedAt.Add(m.cfg.CleanupWindow)
	if _, err := m.timers.Schedule(cleanupKey(userID), deadline, func(ctx context.Context) {
		m.onCleanup(ctx, userID)
	}); err != nil {
		m.mu.Unlock()
		log.Error("schedule cleanup", zap.Error(err))
		return
	}
	rec.Phase = models.PhaseReminded
	rec.CleanupDeadline = deadline
	m.mu.Unlock()
	log.Info("user reminded", zap.Time("cleanup_at", deadline))

	if err := m.sink.Send(ctx, userID, notify.Nudge()); err != nil {
		log.Warn("nudge delivery failed", zap.Error(err))
	}
}

func (m *Manager) onCleanup(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	log := m.logger.With(zap.Int64("user_id", userID))

	rec := m.current(userID)
	if rec == nil {
		return
	}

	st, err := m.store.GetUserState(ctx, userID)
	if err == nil && st == rec.State {
		err = m.store.SetUserState(ctx, userID, models.StateIdle)
	}
	if err != nil {
		log.Error("reset state on cleanup", zap.Error(err))
		m.mu.Lock()
		if m.records[userID] == rec {
			retry := m.clock.Now().Add(m.cfg.CleanupWindow)
			if _, err := m.timers.Schedule(cleanupKey(userID), retry, func(ctx context.Context) {
				m.onCleanup(ctx, userID)
			}); err != nil {
				log.Error("re-arm cleanup", zap.Error(err))
			}
		}
		m.mu.Unlock()
		return
	}

	if !m.drop(userID, rec) {
		return
	}
	log.Info("stalled conversation cleared", zap.String("state", string(rec.State)))

	if err := m.sink.Send(ctx, userID, notify.SessionReset()); err != nil {
		log.Warn("reset notice delivery failed", zap.Error(err))
	}
}

// drop removes rec if it is still the user's active record.
func (m *Manager) drop(userID int64, rec *models.ConversationTimeout) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[userID] != rec {
		return false
	}
	delete(m.records, userID)
	m.timers.CancelUser(userID, timers.PurposeReminder, timers.PurposeCleanup)
	return true
}
