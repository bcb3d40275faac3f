package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zones must resolve on minimal images
)

// User represents bot settings for a telegram user.
type User struct {
	ID              int64      `db:"id"               json:"id"`
	ChatID          int64      `db:"chat_id"          json:"chat_id"`
	TZ              string     `db:"tz"               json:"tz"`
	WeekdayInterval int        `db:"weekday_interval" json:"weekday_interval"` // minutes
	WeekendInterval int        `db:"weekend_interval" json:"weekend_interval"` // minutes
	QuietStart      string     `db:"quiet_start"      json:"quiet_start"`      // "HH:MM"
	QuietEnd        string     `db:"quiet_end"        json:"quiet_end"`        // "HH:MM"
	ReminderWindow  int        `db:"reminder_window"  json:"reminder_window"`  // minutes, 0 -> default
	PollsEnabled    bool       `db:"polls_enabled"    json:"polls_enabled"`
	LastPollAt      *time.Time `db:"last_poll_at"     json:"last_poll_at"` // nil -> never polled
	CreatedAt       int64      `db:"created_at"       json:"created_at"`
}

// Location resolves the user's time zone, falling back to UTC.
func (u *User) Location() *time.Location {
	if u.TZ == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultUser returns settings for a freshly registered chat.
func DefaultUser(chatID int64, tz string) *User {
	return &User{
		ChatID:          chatID,
		TZ:              tz,
		WeekdayInterval: 120,
		WeekendInterval: 180,
		QuietStart:      "23:00",
		QuietEnd:        "07:00",
		PollsEnabled:    true,
	}
}

// PollAnswer stores one reply to a poll prompt.
type PollAnswer struct {
	ID         int64  `db:"id"`
	ChatID     int64  `db:"chat_id"`
	AnsweredAt int64  `db:"answered_at"`
	Mood       int    `db:"mood"`    // 1..5
	Note       string `db:"note"`    // empty -> skipped
	Summary    string `db:"summary"` // model reply, may be empty
	Model      string `db:"model"`   // model that produced Summary
}

// ModelRating is the reliability score of one external model.
type ModelRating struct {
	ModelID    string    `db:"model_id"     json:"model_id"`
	Score      int       `db:"score"        json:"score"`
	LastUsedAt time.Time `db:"last_used_at" json:"last_used_at"`
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(hm string) (int, error) {
	parts := strings.Split(strings.TrimSpace(hm), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", hm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", hm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", hm)
	}
	return h*60 + m, nil
}
