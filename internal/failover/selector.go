// Package failover ranks interchangeable model providers by observed
// reliability. Every call outcome nudges a bounded score; selection always
// takes the highest score and breaks ties by configured order, so two
// processes with the same history make the same choices.
package failover

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/models"
)

var (
	ErrNoModelsAvailable = errors.New("failover: no models available")
	ErrUnknownModel      = errors.New("failover: unknown model")
	ErrPersistence       = errors.New("failover: ratings not persisted")
)

// Store persists the ratings snapshot. *storage.DB satisfies it.
type Store interface {
	LoadRatings(ctx context.Context) (map[string]models.ModelRating, error)
	SaveRatings(ctx context.Context, ratings []models.ModelRating) error
}

type Config struct {
	Floor   int
	Ceiling int
	Initial int // starting score for models without a persisted rating
	Reward  int // added on success
	Penalty int // subtracted on failure

	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= c.Floor {
		c.Floor, c.Ceiling = 0, 10
	}
	if c.Initial <= c.Floor || c.Initial > c.Ceiling {
		c.Initial = (c.Floor + c.Ceiling) / 2
	}
	if c.Reward <= 0 {
		c.Reward = 1
	}
	if c.Penalty <= 0 {
		c.Penalty = 1
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	return c
}

func (c Config) clamp(score int) int {
	return min(max(score, c.Floor), c.Ceiling)
}

// Selector exclusively owns the ratings; callers only read through
// BestModel and NextModel and report outcomes.
type Selector struct {
	store  Store
	clock  clockwork.Clock
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	pool    []*models.ModelRating // configured priority order
	dirty   bool
	version uint64

	cron gocron.Scheduler
}

type Option func(*Selector)

func WithClock(c clockwork.Clock) Option { return func(s *Selector) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Selector) { s.logger = l } }

func WithConfig(c Config) Option { return func(s *Selector) { s.cfg = c } }

// New builds the pool from priority (configured order) and the persisted
// snapshot. With an empty priority list the persisted models are used,
// ordered by id. A failed load is logged and the defaults are used.
func New(ctx context.Context, store Store, priority []string, opts ...Option) (*Selector, error) {
	s := &Selector{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.logger = s.logger.Named("failover")

	snapshot, err := store.LoadRatings(ctx)
	if err != nil {
		s.logger.Warn("load ratings, using defaults", zap.Error(err))
		snapshot = nil
	}

	order := priority
	if len(order) == 0 {
		for id := range snapshot {
			order = append(order, id)
		}
		slices.Sort(order)
	}

	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r, ok := snapshot[id]
		if !ok {
			r = models.ModelRating{Score: s.cfg.Initial}
		}
		s.pool = append(s.pool, &models.ModelRating{
			ModelID:    id,
			Score:      s.cfg.clamp(r.Score),
			LastUsedAt: r.LastUsedAt,
		})
	}
	for id := range snapshot {
		if !seen[id] {
			s.logger.Debug("dropping rating of unconfigured model", zap.String("model", id))
		}
	}

	s.logger.Info("model pool ready", zap.Int("models", len(s.pool)), zap.Int("persisted", len(snapshot)))
	return s, nil
}

// BestModel returns the highest rated model.
func (s *Selector) BestModel() (string, error) {
	return s.NextModel()
}

// NextModel returns the highest rated model not in exclude.
func (s *Selector) NextModel(exclude ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.ModelRating
	for _, r := range s.pool {
		if slices.Contains(exclude, r.ModelID) {
			continue
		}
		// strict comparison keeps the earlier configured model on ties
		if best == nil || r.Score > best.Score {
			best = r
		}
	}
	if best == nil {
		return "", ErrNoModelsAvailable
	}
	return best.ModelID, nil
}

func (s *Selector) IncreaseRating(modelID string) error {
	return s.adjust(modelID, s.cfg.Reward)
}

func (s *Selector) DecreaseRating(modelID string) error {
	return s.adjust(modelID, -s.cfg.Penalty)
}

func (s *Selector) adjust(modelID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.pool, func(r *models.ModelRating) bool { return r.ModelID == modelID })
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	r := s.pool[i]
	prev := r.Score
	r.Score = s.cfg.clamp(r.Score + delta)
	r.LastUsedAt = s.clock.Now()
	s.dirty = true
	s.version++

	s.logger.Debug("rating adjusted",
		zap.String("model", modelID),
		zap.Int("from", prev),
		zap.Int("to", r.Score),
	)
	return nil
}

// Ratings returns a copy of the pool in configured order.
func (s *Selector) Ratings() []models.ModelRating {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Selector) snapshotLocked() []models.ModelRating {
	res := make([]models.ModelRating, len(s.pool))
	for i, r := range s.pool {
		res[i] = *r
	}
	return res
}

// Flush writes the ratings if they changed since the last successful write.
// On failure the snapshot stays dirty and the next flush retries it.
func (s *Selector) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	ver := s.version
	s.mu.Unlock()

	if err := s.store.SaveRatings(ctx, snap); err != nil {
		s.logger.Warn("ratings flush failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.mu.Lock()
	if s.version == ver {
		s.dirty = false
	}
	s.mu.Unlock()
	s.logger.Debug("ratings flushed", zap.Int("models", len(snap)))
	return nil
}

// Start runs Flush every FlushInterval.
func (s *Selector) Start() error {
	cron, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return err
	}
	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.FlushInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
			defer cancel()
			_ = s.Flush(ctx)
		}),
		gocron.WithName("ratings-flush"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = cron.Shutdown()
		return err
	}
	cron.Start()
	s.cron = cron
	return nil
}

// Stop halts the periodic flush and writes any pending changes.
func (s *Selector) Stop(ctx context.Context) error {
	if s.cron != nil {
		if err := s.cron.Shutdown(); err != nil {
			s.logger.Warn("flush scheduler shutdown", zap.Error(err))
		}
		s.cron = nil
	}
	return s.Flush(ctx)
}
