package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
	"telegram-mood-diary/internal/timers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu     sync.Mutex
	users  map[int64]*models.User
	states map[int64]models.State
	setErr error
}

func newMemStore() *memStore {
	return &memStore{users: make(map[int64]*models.User), states: make(map[int64]models.State)}
}

func (s *memStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id], nil
}

func (s *memStore) GetUserState(_ context.Context, id int64) (models.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id], nil
}

func (s *memStore) SetUserState(_ context.Context, id int64, st models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.states[id] = st
	return nil
}

func (s *memStore) ListActiveStates(context.Context) (map[int64]models.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[int64]models.State)
	for id, st := range s.states {
		if !st.IsIdle() {
			res[id] = st
		}
	}
	return res, nil
}

func (s *memStore) state(id int64) models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Payload
	err  error
}

func (r *recordingSink) Send(_ context.Context, _ int64, p notify.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return r.err
}

func (r *recordingSink) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []string
	for _, p := range r.sent {
		res = append(res, p.Text)
	}
	return res
}

var start = time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock *clockwork.FakeClock
	reg   *timers.Registry
	store *memStore
	sink  *recordingSink
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: clockwork.NewFakeClockAt(start),
		store: newMemStore(),
		sink:  &recordingSink{},
	}
	f.reg = timers.New(f.clock, zap.NewNop())
	t.Cleanup(f.reg.Stop)
	f.m = New(f.reg, f.store, f.sink,
		WithClock(f.clock),
		WithConfig(Config{ReminderWindow: 15 * time.Minute, CleanupWindow: 5 * time.Minute}),
	)
	return f
}

func (f *fixture) enter(t *testing.T, id int64, st models.State) {
	t.Helper()
	require.NoError(t, f.store.SetUserState(context.Background(), id, st))
	_, err := f.m.ScheduleTimeout(context.Background(), id, st)
	require.NoError(t, err)
}

func TestScheduleTimeoutArmsReminder(t *testing.T) {
	f := newFixture(t)
	f.enter(t, 1, models.StateWaitQuiet)

	rec, ok := f.m.Timeout(1)
	require.True(t, ok)
	assert.Equal(t, models.PhaseAwaitingInput, rec.Phase)
	assert.Equal(t, start.Add(15*time.Minute), rec.ReminderDeadline)
	assert.True(t, rec.CleanupDeadline.IsZero())

	next, ok := f.reg.Next(reminderKey(1))
	require.True(t, ok)
	assert.Equal(t, rec.ReminderDeadline, next)
}

func TestScheduleTimeoutUsesUserWindow(t *testing.T) {
	f := newFixture(t)
	u := models.DefaultUser(1, "UTC")
	u.ReminderWindow = 3
	f.store.users[1] = u

	rec, err := f.m.ScheduleTimeout(context.Background(), 1, models.StateWaitTZ)
	require.NoError(t, err)
	assert.Equal(t, start.Add(3*time.Minute), rec.ReminderDeadline)
}

func TestReminderSendsNudgeAndArmsCleanup(t *testing.T) {
	f := newFixture(t)
	f.enter(t, 1, models.StateWaitNote.With("3"))

	require.True(t, f.reg.FireNow(reminderKey(1)))

	assert.Equal(t, []string{notify.Nudge().Text}, f.sink.texts())
	rec, ok := f.m.Timeout(1)
	require.True(t, ok)
	assert.Equal(t, models.PhaseReminded, rec.Phase)
	assert.Equal(t, start.Add(5*time.Minute), rec.CleanupDeadline)
	_, ok = f.reg.Next(cleanupKey(1))
	assert.True(t, ok)
}

// slowSink spends lag of fake time on every send.
type slowSink struct {
	clock *clockwork.FakeClock
	lag   time.Duration
	recordingSink
}

func (s *slowSink) Send(ctx context.Context, id int64, p notify.Payload) error {
	s.clock.Advance(s.lag)
	return s.recordingSink.Send(ctx, id, p)
}

func TestCleanupDeadlineIgnoresSlowNudge(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	store := newMemStore()
	reg := timers.New(clock, zap.NewNop())
	t.Cleanup(reg.Stop)
	sink := &slowSink{clock: clock, lag: 25 * time.Second}
	m := New(reg, store, sink,
		WithClock(clock),
		WithConfig(Config{ReminderWindow: 15 * time.Minute, CleanupWindow: 5 * time.Minute}),
	)

	ctx := context.Background()
	require.NoError(t, store.SetUserState(ctx, 1, models.StateWaitTZ))
	_, err := m.ScheduleTimeout(ctx, 1, models.StateWaitTZ)
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	require.Eventually(t, func() bool {
		return len(sink.texts()) == 1
	}, time.Second, 5*time.Millisecond)

	rec, ok := m.Timeout(1)
	require.True(t, ok)
	assert.Equal(t, models.PhaseReminded, rec.Phase)
	assert.Equal(t, start.Add(20*time.Minute), rec.CleanupDeadline)
	next, ok := reg.Next(cleanupKey(1))
	require.True(t, ok)
	assert.Equal(t, start.Add(20*time.Minute), next)
}

func TestReminderDeliveryFailureStillArmsCleanup(t *testing.T) {
	f := newFixture(t)
	f.sink.err = notify.ErrDelivery
	f.enter(t, 1, models.StateWaitWeekday)

	require.True(t, f.reg.FireNow(reminderKey(1)))
	_, ok := f.reg.Next(cleanupKey(1))
	assert.True(t, ok)
}

func TestCleanupResetsState(t *testing.T) {
	f := newFixture(t)
	f.enter(t, 1, models.StateWaitWeekend)

	require.True(t, f.reg.FireNow(reminderKey(1)))
	require.True(t, f.reg.FireNow(cleanupKey(1)))

	assert.True(t, f.store.state(1).IsIdle())
	_, ok := f.m.Timeout(1)
	assert.False(t, ok)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, []string{notify.Nudge().Text, notify.SessionReset().Text}, f.sink.texts())
}

func TestCleanupRetriesWhenResetFails(t *testing.T) {
	f := newFixture(t)
	f.enter(t, 1, models.StateWaitWeekend)
	require.True(t, f.reg.FireNow(reminderKey(1)))

	f.store.mu.Lock()
	f.store.setErr = errors.New("database is locked")
	f.store.mu.Unlock()

	require.True(t, f.reg.FireNow(cleanupKey(1)))
	_, ok := f.reg.Next(cleanupKey(1))
	assert.True(t, ok)

	f.store.mu.Lock()
	f.store.setErr = nil
	f.store.mu.Unlock()

	require.True(t, f.reg.FireNow(cleanupKey(1)))
	assert.True(t, f.store.state(1).IsIdle())
}

func TestStalledConversationReturnsToIdleOnClock(t *testing.T) {
	f := newFixture(t)
	f.enter(t, 1, models.StateWaitReminder)

	f.clock.Advance(15 * time.Minute)
	require.Eventually(t, func() bool {
		rec, ok := f.m.Timeout(1)
		return ok && rec.Phase == models.PhaseReminded
	}, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		return f.store.state(1).IsIdle()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := f.m.Timeout(1)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelTimeout(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.m.CancelTimeout(42))

	f.enter(t, 1, models.StateWaitQuiet)
	require.True(t, f.reg.FireNow(reminderKey(1)))
	assert.True(t, f.m.CancelTimeout(1))
	assert.Equal(t, 0, f.reg.Len())
	_, ok := f.m.Timeout(1)
	assert.False(t, ok)
	assert.False(t, f.m.CancelTimeout(1))
}

func TestContinueAfterReminder(t *testing.T) {
	f := newFixture(t)
	f.enter(t, 1, models.StateWaitQuiet)
	require.True(t, f.reg.FireNow(reminderKey(1)))

	f.clock.Advance(time.Minute)
	rec, err := f.m.Continue(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAwaitingInput, rec.Phase)
	assert.Equal(t, models.StateWaitQuiet, rec.State)
	assert.Equal(t, start.Add(16*time.Minute), rec.ReminderDeadline)

	_, ok := f.reg.Next(cleanupKey(1))
	assert.False(t, ok)
	_, ok = f.reg.Next(reminderKey(1))
	assert.True(t, ok)
}

func TestContinueWithoutTimeout(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Continue(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoTimeout)
}

func TestReminderForStaleStateIsDropped(t *testing.T) {
	f := newFixture(t)
	f.enter(t, 1, models.StateWaitQuiet)
	require.NoError(t, f.store.SetUserState(context.Background(), 1, models.StateIdle))

	require.True(t, f.reg.FireNow(reminderKey(1)))
	assert.Empty(t, f.sink.texts())
	_, ok := f.m.Timeout(1)
	assert.False(t, ok)
	assert.Equal(t, 0, f.reg.Len())
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetUserState(ctx, 1, models.StateWaitQuiet))
	require.NoError(t, f.store.SetUserState(ctx, 2, models.StateWaitNote.With("5")))
	require.NoError(t, f.store.SetUserState(ctx, 3, models.StateIdle))

	n, err := f.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rec, ok := f.m.Timeout(2)
	require.True(t, ok)
	assert.Equal(t, models.StateWaitNote.With("5"), rec.State)
	_, ok = f.m.Timeout(3)
	assert.False(t, ok)
}
