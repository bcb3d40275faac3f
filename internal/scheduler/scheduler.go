package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
	"telegram-mood-diary/internal/timers"
)

// ErrPollsDisabled is returned for unknown users and users who turned polls off.
var ErrPollsDisabled = errors.New("scheduler: polls disabled")

// Store is the settings collaborator. *storage.DB satisfies it.
type Store interface {
	GetUser(ctx context.Context, chatID int64) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateLastPollTime(ctx context.Context, chatID int64, t time.Time) error
	InConversation(ctx context.Context, chatID int64) (bool, error)
}

type Config struct {
	// MaxGap bounds catch-up: if the last poll is older than this the chain
	// restarts from now.
	MaxGap time.Duration
	// PostponeStep delays a poll that fires while the user is mid-flow.
	PostponeStep time.Duration
	// CallTimeout bounds store and sink calls made from a timer callback.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxGap <= 0 {
		c.MaxGap = 24 * time.Hour
	}
	if c.PostponeStep <= 0 {
		c.PostponeStep = 30 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Scheduler keeps one self-rescheduling poll timer per user.
type Scheduler struct {
	timers *timers.Registry
	store  Store
	sink   notify.Sink
	clock  clockwork.Clock
	logger *zap.Logger
	cfg    Config

	mu    sync.Mutex
	quiet map[int64]quietWindow // last known settings, used when the store is down
}

type quietWindow struct {
	loc        *time.Location
	start, end string
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithConfig(c Config) Option { return func(s *Scheduler) { s.cfg = c } }

func New(reg *timers.Registry, store Store, sink notify.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		timers: reg,
		store:  store,
		sink:   sink,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		quiet:  make(map[int64]quietWindow),
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.logger = s.logger.Named("polls")
	return s
}

func pollKey(userID int64) timers.Key {
	return timers.Key{UserID: userID, Purpose: timers.PurposePoll}
}

// SchedulePoll (re)arms the poll timer from the user's current settings.
// Calling it repeatedly leaves a single timer at the latest computed time.
func (s *Scheduler) SchedulePoll(ctx context.Context, userID int64) (time.Time, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load settings for %d: %w", userID, err)
	}
	if u == nil || !u.PollsEnabled {
		s.CancelPoll(userID)
		return time.Time{}, ErrPollsDisabled
	}
	return s.scheduleFor(u, s.clock.Now())
}

func (s *Scheduler) scheduleFor(u *models.User, now time.Time) (time.Time, error) {
	s.remember(u)
	next, err := NextFire(u, now, s.cfg.MaxGap)
	if err != nil {
		return time.Time{}, fmt.Errorf("next poll for %d: %w", u.ChatID, err)
	}
	return s.arm(u.ChatID, next)
}

func (s *Scheduler) arm(userID int64, at time.Time) (time.Time, error) {
	_, err := s.timers.Schedule(pollKey(userID), at, func(ctx context.Context) {
		s.fire(ctx, userID)
	})
	if err != nil {
		return time.Time{}, err
	}
	s.logger.Debug("poll scheduled", zap.Int64("user_id", userID), zap.Time("fire_at", at))
	return at, nil
}

func (s *Scheduler) remember(u *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quiet[u.ChatID] = quietWindow{loc: u.Location(), start: u.QuietStart, end: u.QuietEnd}
}

// retry re-arms the chain PostponeStep from now, outside the last known
// quiet window.
func (s *Scheduler) retry(log *zap.Logger, userID int64) {
	at := s.clock.Now().Add(s.cfg.PostponeStep)

	s.mu.Lock()
	w, ok := s.quiet[userID]
	s.mu.Unlock()
	if ok {
		clamped, err := ClampQuiet(at.In(w.loc), w.start, w.end)
		if err == nil {
			at = clamped
		}
	}

	if _, err := s.arm(userID, at); err != nil && !errors.Is(err, timers.ErrStopped) {
		log.Error("re-arm poll", zap.Error(err))
	}
}

// CancelPoll drops the user's poll timer, if any.
func (s *Scheduler) CancelPoll(userID int64) {
	s.mu.Lock()
	delete(s.quiet, userID)
	s.mu.Unlock()
	if s.timers.Cancel(pollKey(userID)) {
		s.logger.Info("poll cancelled", zap.Int64("user_id", userID))
	}
}

// PostponePoll moves the next poll to now + minutes, still honouring quiet hours.
func (s *Scheduler) PostponePoll(ctx context.Context, userID int64, minutes int) (time.Time, error) {
	if minutes <= 0 {
		return time.Time{}, fmt.Errorf("postpone poll for %d: non-positive delay %d", userID, minutes)
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load settings for %d: %w", userID, err)
	}
	if u == nil || !u.PollsEnabled {
		return time.Time{}, ErrPollsDisabled
	}
	return s.postpone(u, time.Duration(minutes)*time.Minute)
}

func (s *Scheduler) postpone(u *models.User, d time.Duration) (time.Time, error) {
	s.remember(u)
	at := s.clock.Now().In(u.Location()).Add(d)
	at, err := ClampQuiet(at, u.QuietStart, u.QuietEnd)
	if err != nil {
		return time.Time{}, fmt.Errorf("postpone poll for %d: %w", u.ChatID, err)
	}
	s.logger.Info("poll postponed", zap.Int64("user_id", u.ChatID), zap.Time("fire_at", at))
	return s.arm(u.ChatID, at)
}

// RestoreScheduledPolls re-arms timers for every enabled user after a restart.
func (s *Scheduler) RestoreScheduledPolls(ctx context.Context) (int, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	now := s.clock.Now()
	var (
		n    int
		errs []error
	)
	for i := range users {
		u := &users[i]
		if !u.PollsEnabled {
			continue
		}
		if _, err := s.scheduleFor(u, now); err != nil {
			s.logger.Error("restore poll failed", zap.Int64("user_id", u.ChatID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	s.logger.Info("polls restored", zap.Int("scheduled", n), zap.Int("users", len(users)))
	return n, errors.Join(errs...)
}

// NextPoll reports when the user's poll is due.
func (s *Scheduler) NextPoll(userID int64) (time.Time, bool) {
	return s.timers.Next(pollKey(userID))
}

func (s *Scheduler) fire(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	log := s.logger.With(zap.Int64("user_id", userID))

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		log.Error("load settings on poll fire", zap.Error(err))
		s.retry(log, userID)
		return
	}
	if u == nil || !u.PollsEnabled {
		log.Debug("poll chain ended")
		return
	}

	// a timer armed without fresh settings may land inside quiet hours
	if InQuietHours(s.clock.Now().In(u.Location()), u.QuietStart, u.QuietEnd) {
		if _, err := s.postpone(u, 0); err != nil && !errors.Is(err, timers.ErrStopped) {
			log.Error("defer poll past quiet hours", zap.Error(err))
			s.retry(log, userID)
		}
		return
	}

	busy, err := s.store.InConversation(ctx, userID)
	if err != nil {
		log.Warn("check conversation state", zap.Error(err))
	}
	if busy {
		if _, err := s.postpone(u, s.cfg.PostponeStep); err != nil && !errors.Is(err, timers.ErrStopped) {
			log.Error("postpone busy poll", zap.Error(err))
			s.retry(log, userID)
		}
		return
	}

	if err := s.sink.Send(ctx, userID, notify.PollPrompt()); err != nil {
		// the chain keeps going; one blocked chat must not stop future polls
		log.Warn("poll delivery failed", zap.Error(err))
	}

	now := s.clock.Now()
	if err := s.store.UpdateLastPollTime(ctx, userID, now); err != nil {
		log.Error("update last poll time", zap.Error(err))
	}
	u.LastPollAt = &now

	if _, err := s.scheduleFor(u, now); err != nil && !errors.Is(err, timers.ErrStopped) {
		log.Error("schedule next poll", zap.Error(err))
		s.retry(log, userID)
	}
}
