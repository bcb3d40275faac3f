package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"telegram-mood-diary/internal/models"
)

//go:embed schema.sql
var ddl embed.FS

type DB struct{ *sql.DB }

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	// between timer callbacks and update handlers.
	db.SetMaxOpenConns(1)
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	b, err := ddl.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}

// ClearData полностью очищает все данные по пользователю
func (d *DB) ClearData(ctx context.Context, chatID int64) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tables := []string{
		"poll_answers",
		"user_states",
		"users",
	}
	for _, tbl := range tables {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE chat_id = ?", tbl),
			chatID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ---------- users -----------------------------------------------------------

const userColumns = `id, chat_id, tz, weekday_interval, weekend_interval,
    quiet_start, quiet_end, reminder_window, polls_enabled, last_poll_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*models.User, error) {
	var (
		u       models.User
		enabled int
		lastTs  sql.NullInt64
	)
	if err := s.Scan(&u.ID, &u.ChatID, &u.TZ, &u.WeekdayInterval, &u.WeekendInterval,
		&u.QuietStart, &u.QuietEnd, &u.ReminderWindow, &enabled, &lastTs, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.PollsEnabled = enabled != 0
	if lastTs.Valid {
		t := time.Unix(lastTs.Int64, 0).UTC()
		u.LastPollAt = &t
	}
	return &u, nil
}

func (d *DB) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := d.ExecContext(ctx, `
        INSERT INTO users (chat_id, tz, weekday_interval, weekend_interval,
            quiet_start, quiet_end, reminder_window, polls_enabled, created_at)
        VALUES (?,?,?,?,?,?,?,?,?)
        ON CONFLICT(chat_id) DO UPDATE SET tz=excluded.tz,
            weekday_interval=excluded.weekday_interval,
            weekend_interval=excluded.weekend_interval,
            quiet_start=excluded.quiet_start,
            quiet_end=excluded.quiet_end,
            reminder_window=excluded.reminder_window,
            polls_enabled=excluded.polls_enabled
    `, u.ChatID, u.TZ, u.WeekdayInterval, u.WeekendInterval,
		u.QuietStart, u.QuietEnd, u.ReminderWindow, boolToInt(u.PollsEnabled), time.Now().Unix())
	return err
}

// GetUser returns nil, nil when the chat is unknown.
func (d *DB) GetUser(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := scanUser(d.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE chat_id=?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (d *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := d.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

func (d *DB) UpdateLastPollTime(ctx context.Context, chatID int64, t time.Time) error {
	_, err := d.ExecContext(ctx,
		`UPDATE users SET last_poll_at=? WHERE chat_id=?`, t.Unix(), chatID)
	return err
}

func (d *DB) SetPollsEnabled(ctx context.Context, chatID int64, enabled bool) error {
	_, err := d.ExecContext(ctx,
		`UPDATE users SET polls_enabled=? WHERE chat_id=?`, boolToInt(enabled), chatID)
	return err
}

// ---------- user state (fsm) ------------------------------------------------

func (d *DB) SetUserState(ctx context.Context, chatID int64, state models.State) error {
	_, err := d.ExecContext(ctx, `
        INSERT INTO user_states(chat_id, state, updated_at) VALUES (?,?,?)
        ON CONFLICT(chat_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		chatID, string(state), time.Now().Unix())
	return err
}

func (d *DB) GetUserState(ctx context.Context, chatID int64) (models.State, error) {
	var st string
	err := d.QueryRowContext(ctx, `SELECT state FROM user_states WHERE chat_id=?`, chatID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StateIdle, nil
	}
	return models.State(st), err
}

// ListActiveStates returns every chat that is in the middle of a flow.
func (d *DB) ListActiveStates(ctx context.Context) (map[int64]models.State, error) {
	rows, err := d.QueryContext(ctx, `SELECT chat_id, state FROM user_states WHERE state <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[int64]models.State)
	for rows.Next() {
		var (
			id int64
			st string
		)
		if err := rows.Scan(&id, &st); err != nil {
			return nil, err
		}
		res[id] = models.State(st)
	}
	return res, rows.Err()
}

// InConversation reports whether the chat has a non-idle FSM state.
func (d *DB) InConversation(ctx context.Context, chatID int64) (bool, error) {
	st, err := d.GetUserState(ctx, chatID)
	if err != nil {
		return false, err
	}
	return !st.IsIdle(), nil
}

// ---------- poll answers ----------------------------------------------------

func (d *DB) InsertAnswer(ctx context.Context, a *models.PollAnswer) error {
	if a.AnsweredAt == 0 {
		a.AnsweredAt = time.Now().Unix()
	}
	res, err := d.ExecContext(ctx, `
        INSERT INTO poll_answers (chat_id, answered_at, mood, note, summary, model)
        VALUES (?,?,?,?,?,?)
    `, a.ChatID, a.AnsweredAt, a.Mood, a.Note, a.Summary, a.Model)
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// ListAnswers returns the newest answers first.
func (d *DB) ListAnswers(ctx context.Context, chatID int64, limit int) ([]models.PollAnswer, error) {
	rows, err := d.QueryContext(ctx, `
        SELECT id, chat_id, answered_at, mood, note, summary, model
        FROM poll_answers WHERE chat_id=?
        ORDER BY answered_at DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []models.PollAnswer
	for rows.Next() {
		var a models.PollAnswer
		if err := rows.Scan(&a.ID, &a.ChatID, &a.AnsweredAt, &a.Mood, &a.Note, &a.Summary, &a.Model); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ---------- model ratings ---------------------------------------------------

// LoadRatings returns the persisted snapshot keyed by model id.
func (d *DB) LoadRatings(ctx context.Context) (map[string]models.ModelRating, error) {
	list, err := d.ListRatings(ctx)
	if err != nil {
		return nil, err
	}
	res := make(map[string]models.ModelRating, len(list))
	for _, r := range list {
		res[r.ModelID] = r
	}
	return res, nil
}

// ListRatings returns persisted ratings ordered by score.
func (d *DB) ListRatings(ctx context.Context) ([]models.ModelRating, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT model_id, score, last_used_at FROM model_ratings ORDER BY score DESC, model_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []models.ModelRating
	for rows.Next() {
		var (
			r  models.ModelRating
			ts int64
		)
		if err := rows.Scan(&r.ModelID, &r.Score, &ts); err != nil {
			return nil, err
		}
		if ts > 0 {
			r.LastUsedAt = time.Unix(ts, 0).UTC()
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// SaveRatings replaces the stored snapshot in one transaction.
func (d *DB) SaveRatings(ctx context.Context, ratings []models.ModelRating) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_ratings`); err != nil {
		return err
	}
	for _, r := range ratings {
		var ts int64
		if !r.LastUsedAt.IsZero() {
			ts = r.LastUsedAt.Unix()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_ratings (model_id, score, last_used_at) VALUES (?,?,?)`,
			r.ModelID, r.Score, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
