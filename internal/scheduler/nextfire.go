package scheduler

import (
	"fmt"
	"time"

	"telegram-mood-diary/internal/models"
)

// DefaultInterval is used when a settings row carries a non-positive interval.
const DefaultInterval = 120 * time.Minute

// NextFire computes when the next poll for u is due.
//
// The interval is picked from the weekday of the base time in the user's zone
// and is not re-evaluated after a quiet-hours clamp moves the result onto
// another day.
func NextFire(u *models.User, now time.Time, maxGap time.Duration) (time.Time, error) {
	loc := u.Location()
	now = now.In(loc)

	base := now
	if u.LastPollAt != nil {
		last := u.LastPollAt.In(loc)
		// a long silence restarts the chain from now instead of replaying it
		if maxGap <= 0 || now.Sub(last) <= maxGap {
			base = last
		}
	}

	candidate := base.Add(intervalFor(u, base))
	if candidate.Before(now) {
		candidate = now
	}
	return ClampQuiet(candidate, u.QuietStart, u.QuietEnd)
}

func intervalFor(u *models.User, t time.Time) time.Duration {
	minutes := u.WeekdayInterval
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		minutes = u.WeekendInterval
	}
	if minutes <= 0 {
		return DefaultInterval
	}
	return time.Duration(minutes) * time.Minute
}

// ClampQuiet moves t forward to quietEnd when it falls inside
// [quietStart, quietEnd). The window wraps midnight when quietEnd < quietStart.
// Empty or equal bounds disable quiet hours.
func ClampQuiet(t time.Time, quietStart, quietEnd string) (time.Time, error) {
	start, end, ok, err := quietBounds(quietStart, quietEnd)
	if err != nil || !ok {
		return t, err
	}

	m := t.Hour()*60 + t.Minute()
	y, mo, d := t.Date()
	endOn := func(day int) time.Time {
		return time.Date(y, mo, day, end/60, end%60, 0, 0, t.Location())
	}

	if start < end {
		if m >= start && m < end {
			return endOn(d), nil
		}
		return t, nil
	}
	switch {
	case m >= start:
		return endOn(d + 1), nil
	case m < end:
		return endOn(d), nil
	}
	return t, nil
}

// InQuietHours reports whether t lies inside the quiet window.
func InQuietHours(t time.Time, quietStart, quietEnd string) bool {
	start, end, ok, err := quietBounds(quietStart, quietEnd)
	if err != nil || !ok {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func quietBounds(quietStart, quietEnd string) (start, end int, ok bool, err error) {
	if quietStart == "" || quietEnd == "" {
		return 0, 0, false, nil
	}
	if start, err = models.ParseClock(quietStart); err != nil {
		return 0, 0, false, fmt.Errorf("quiet start: %w", err)
	}
	if end, err = models.ParseClock(quietEnd); err != nil {
		return 0, 0, false, fmt.Errorf("quiet end: %w", err)
	}
	return start, end, start != end, nil
}
