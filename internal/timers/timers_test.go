package timers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC) // Monday

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	r := New(clock, zap.NewNop())
	t.Cleanup(r.Stop)
	return r, clock
}

func signal(ch chan<- struct{}) Callback {
	return func(context.Context) { ch <- struct{}{} }
}

func waitFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func assertNotFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("timer fired unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduleRejectsPastDeadline(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := Key{UserID: 1, Purpose: PurposePoll}

	_, err := r.Schedule(key, start.Add(-time.Minute), func(context.Context) {})
	require.ErrorIs(t, err, ErrInvalidDeadline)

	_, err = r.Schedule(key, time.Time{}, func(context.Context) {})
	require.ErrorIs(t, err, ErrInvalidDeadline)

	assert.Equal(t, 0, r.Len())
}

func TestScheduleAcceptsDeadlineWithinGrace(t *testing.T) {
	r, _ := newTestRegistry(t)
	fired := make(chan struct{}, 1)

	_, err := r.Schedule(Key{UserID: 1, Purpose: PurposePoll}, start.Add(-500*time.Millisecond), signal(fired))
	require.NoError(t, err)
	waitFired(t, fired)
}

func TestScheduleFiresOnce(t *testing.T) {
	r, clock := newTestRegistry(t)
	fired := make(chan struct{}, 2)
	key := Key{UserID: 7, Purpose: PurposeReminder}

	h, err := r.Schedule(key, start.Add(10*time.Minute), signal(fired))
	require.NoError(t, err)
	assert.Equal(t, key, h.Key)
	assert.Equal(t, start.Add(10*time.Minute), h.FireAt)

	clock.Advance(9 * time.Minute)
	assertNotFired(t, fired)

	clock.Advance(time.Minute)
	waitFired(t, fired)

	clock.Advance(time.Hour)
	assertNotFired(t, fired)
	assert.Equal(t, 0, r.Len())
}

func TestRescheduleReplacesPriorTimer(t *testing.T) {
	r, clock := newTestRegistry(t)
	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	key := Key{UserID: 3, Purpose: PurposePoll}

	h1, err := r.Schedule(key, start.Add(10*time.Minute), signal(first))
	require.NoError(t, err)
	h2, err := r.Schedule(key, start.Add(20*time.Minute), signal(second))
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID, h2.ID)

	assert.Equal(t, 1, r.Len())
	next, ok := r.Next(key)
	require.True(t, ok)
	assert.Equal(t, start.Add(20*time.Minute), next)

	clock.Advance(15 * time.Minute)
	assertNotFired(t, first)

	clock.Advance(5 * time.Minute)
	waitFired(t, second)
	assertNotFired(t, first)
}

func TestPurposesAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(t)
	noop := func(context.Context) {}

	_, err := r.Schedule(Key{UserID: 1, Purpose: PurposePoll}, start.Add(time.Hour), noop)
	require.NoError(t, err)
	_, err = r.Schedule(Key{UserID: 1, Purpose: PurposeReminder}, start.Add(time.Hour), noop)
	require.NoError(t, err)
	_, err = r.Schedule(Key{UserID: 2, Purpose: PurposePoll}, start.Add(time.Hour), noop)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	assert.Equal(t, 1, r.CancelUser(1, PurposeReminder, PurposeCleanup))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.CancelUser(1))
	assert.Equal(t, 1, r.Len())
}

func TestCancelMissingIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.False(t, r.Cancel(Key{UserID: 42, Purpose: PurposeCleanup}))
	assert.Equal(t, 0, r.CancelUser(42))
}

func TestCancelPreventsFire(t *testing.T) {
	r, clock := newTestRegistry(t)
	fired := make(chan struct{}, 1)
	key := Key{UserID: 5, Purpose: PurposeCleanup}

	_, err := r.Schedule(key, start.Add(time.Minute), signal(fired))
	require.NoError(t, err)
	assert.True(t, r.Cancel(key))

	clock.Advance(time.Hour)
	assertNotFired(t, fired)
	assert.False(t, r.Cancel(key))
}

func TestFireNowRunsSynchronously(t *testing.T) {
	r, clock := newTestRegistry(t)
	var calls atomic.Int32
	key := Key{UserID: 9, Purpose: PurposePoll}

	_, err := r.Schedule(key, start.Add(time.Hour), func(context.Context) { calls.Add(1) })
	require.NoError(t, err)

	assert.True(t, r.FireNow(key))
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, r.FireNow(key))

	clock.Advance(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := Key{UserID: 11, Purpose: PurposeReminder}

	_, err := r.Schedule(key, start.Add(time.Minute), func(context.Context) { panic("boom") })
	require.NoError(t, err)
	assert.NotPanics(t, func() { r.FireNow(key) })

	_, err = r.Schedule(key, start.Add(time.Minute), func(context.Context) {})
	require.NoError(t, err)
}

func TestStopCancelsWithoutFiring(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	r := New(clock, zap.NewNop())
	fired := make(chan struct{}, 3)

	for i := int64(1); i <= 3; i++ {
		_, err := r.Schedule(Key{UserID: i, Purpose: PurposePoll}, start.Add(time.Minute), signal(fired))
		require.NoError(t, err)
	}

	r.Stop()
	assert.Equal(t, 0, r.Len())

	clock.Advance(time.Hour)
	assertNotFired(t, fired)

	_, err := r.Schedule(Key{UserID: 1, Purpose: PurposePoll}, start.Add(2*time.Hour), signal(fired))
	require.ErrorIs(t, err, ErrStopped)
	r.Stop()
}

func TestStopWaitsForInFlightCallback(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	r := New(clock, zap.NewNop())
	key := Key{UserID: 1, Purpose: PurposePoll}

	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := r.Schedule(key, start.Add(time.Minute), func(context.Context) {
		close(entered)
		<-release
	})
	require.NoError(t, err)

	go r.FireNow(key)
	<-entered

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after callback finished")
	}
}
