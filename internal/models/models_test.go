package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	good := map[string]int{"00:00": 0, "07:30": 450, "23:59": 1439, " 9:05 ": 545}
	for in, want := range good {
		got, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "24:00", "12:60", "12:5", "12", "a:b", "12:00:00"} {
		_, err := ParseClock(in)
		assert.Error(t, err, in)
	}
}

func TestStateArgs(t *testing.T) {
	st := StateWaitNote.With("4")
	assert.Equal(t, State("wait_note:4"), st)
	assert.Equal(t, StateWaitNote, st.Tag())
	assert.Equal(t, "4", st.Arg())
	assert.False(t, st.IsIdle())

	assert.Equal(t, StateWaitTZ, StateWaitTZ.Tag())
	assert.Empty(t, StateWaitTZ.Arg())
	assert.True(t, StateIdle.IsIdle())
}

func TestUserLocation(t *testing.T) {
	u := DefaultUser(1, "Asia/Tokyo")
	assert.Equal(t, "Asia/Tokyo", u.Location().String())

	u.TZ = "Nowhere/Land"
	assert.Equal(t, time.UTC, u.Location())
	u.TZ = ""
	assert.Equal(t, time.UTC, u.Location())
}
