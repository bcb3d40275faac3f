package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"telegram-mood-diary/internal/failover"
	"telegram-mood-diary/internal/llm"
	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
)

var errBadInput = errors.New("bad input")

func (h *Handler) HandleText(ctx context.Context, chatID int64, text string) {
	st, err := h.DB.GetUserState(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "get state", err)
		return
	}
	text = strings.TrimSpace(text)

	if st.IsIdle() {
		switch text {
		case menuSettings:
			h.HandleSettings(ctx, chatID)
		case menuStats:
			h.HandleStats(ctx, chatID)
		case menuPostpone:
			h.HandlePostpone(ctx, chatID)
		default:
			h.send(ctx, chatID, notify.Text(txtUnknown))
		}
		return
	}

	if st.Tag() == models.StateWaitNote {
		h.saveAnswer(ctx, chatID, st, text)
		return
	}

	u, _, err := h.ensureUser(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "ensure user", err)
		return
	}
	if err := applySetting(u, st, text); err != nil {
		// the user stays in the state; the timeout keeps running
		h.send(ctx, chatID, notify.Payload{
			Text:    "Не получилось: " + err.Error() + ". Попробуй ещё раз.",
			Buttons: [][]notify.Button{cancelRow()},
		})
		return
	}
	if err := h.DB.UpsertUser(ctx, u); err != nil {
		h.fail(ctx, chatID, "save settings", err)
		return
	}
	if err := h.leaveState(ctx, chatID); err != nil {
		h.fail(ctx, chatID, "leave state", err)
		return
	}
	h.send(ctx, chatID, notify.Text(txtSaved))
	h.reschedule(ctx, chatID)
	h.send(ctx, chatID, settingsMenu(u))
}

// applySetting validates text for the settings state st and writes it into u.
func applySetting(u *models.User, st models.State, text string) error {
	switch st.Tag() {
	case models.StateWaitWeekday:
		n, err := parseMinutes(text, 15, 1440)
		if err != nil {
			return err
		}
		u.WeekdayInterval = n
	case models.StateWaitWeekend:
		n, err := parseMinutes(text, 15, 1440)
		if err != nil {
			return err
		}
		u.WeekendInterval = n
	case models.StateWaitReminder:
		n, err := parseMinutes(text, 1, 240)
		if err != nil {
			return err
		}
		u.ReminderWindow = n
	case models.StateWaitQuiet:
		start, end, err := parseQuiet(text)
		if err != nil {
			return err
		}
		u.QuietStart, u.QuietEnd = start, end
	case models.StateWaitTZ:
		if _, err := time.LoadLocation(text); err != nil || text == "" || text == "Local" {
			return fmt.Errorf("%w: неизвестный часовой пояс %q", errBadInput, text)
		}
		u.TZ = text
	default:
		return fmt.Errorf("%w: unexpected state %q", errBadInput, st)
	}
	return nil
}

func parseMinutes(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%w: нужно число от %d до %d", errBadInput, lo, hi)
	}
	return n, nil
}

// parseQuiet accepts "HH:MM-HH:MM". Equal bounds disable quiet hours.
func parseQuiet(s string) (string, string, error) {
	start, end, ok := strings.Cut(strings.ReplaceAll(s, " ", ""), "-")
	if !ok {
		return "", "", fmt.Errorf("%w: формат HH:MM-HH:MM", errBadInput)
	}
	if _, err := models.ParseClock(start); err != nil {
		return "", "", fmt.Errorf("%w: формат HH:MM-HH:MM", errBadInput)
	}
	if _, err := models.ParseClock(end); err != nil {
		return "", "", fmt.Errorf("%w: формат HH:MM-HH:MM", errBadInput)
	}
	return start, end, nil
}

// saveAnswer stores the mood carried by a wait_note state and ends the flow.
func (h *Handler) saveAnswer(ctx context.Context, chatID int64, st models.State, note string) {
	mood, err := strconv.Atoi(st.Arg())
	if err != nil {
		h.log().Warn("corrupt note state", zap.Int64("user_id", chatID), zap.String("state", string(st)))
		if err := h.leaveState(ctx, chatID); err != nil {
			h.log().Error("leave state", zap.Int64("user_id", chatID), zap.Error(err))
		}
		return
	}
	// stop the timeout before the slow model call
	h.Timeouts.CancelTimeout(chatID)

	a := &models.PollAnswer{ChatID: chatID, AnsweredAt: h.now().Unix(), Mood: mood, Note: note}
	reply := txtSavedNoNote
	if note != "" {
		reply = txtNoteFallback
		if r, err := h.summarize(ctx, chatID, mood, note); err == nil {
			a.Summary, a.Model = r.Text, r.Model
			reply = r.Text
		}
	}

	if err := h.DB.InsertAnswer(ctx, a); err != nil {
		h.fail(ctx, chatID, "insert answer", err)
		return
	}
	if err := h.leaveState(ctx, chatID); err != nil {
		h.log().Error("leave state", zap.Int64("user_id", chatID), zap.Error(err))
	}
	h.send(ctx, chatID, notify.Text(reply))
}

func (h *Handler) summarize(ctx context.Context, chatID int64, mood int, note string) (llm.Reply, error) {
	if h.LLM == nil {
		return llm.Reply{}, failover.ErrNoModelsAvailable
	}
	if h.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.LLMTimeout)
		defer cancel()
	}
	r, err := h.LLM.SummarizeNote(ctx, mood, note)
	if errors.Is(err, failover.ErrNoModelsAvailable) {
		h.log().Warn("no model answered, using fallback", zap.Int64("user_id", chatID), zap.Error(err))
	} else if err != nil {
		h.log().Error("summarize note", zap.Int64("user_id", chatID), zap.Error(err))
	}
	return r, err
}
