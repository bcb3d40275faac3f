package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/fsm"
	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
)

var settingStates = map[string]models.State{
	notify.CbSetWeekday:  models.StateWaitWeekday,
	notify.CbSetWeekend:  models.StateWaitWeekend,
	notify.CbSetQuiet:    models.StateWaitQuiet,
	notify.CbSetReminder: models.StateWaitReminder,
	notify.CbSetTZ:       models.StateWaitTZ,
}

func (h *Handler) HandleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	// always answer callback
	if _, err := h.Bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		h.log().Debug("answer callback", zap.Error(err))
	}
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	chatID := cq.Message.Chat.ID
	data := cq.Data

	if st, ok := settingStates[data]; ok {
		h.enterState(ctx, chatID, st, statePrompt(st))
		return
	}

	switch {
	case strings.HasPrefix(data, notify.CbMoodPrefix):
		h.handleMood(ctx, chatID, strings.TrimPrefix(data, notify.CbMoodPrefix))
	case data == notify.CbSkipNote:
		h.HandleSkip(ctx, chatID)
	case data == notify.CbPostpone:
		h.HandlePostpone(ctx, chatID)
	case data == notify.CbContinue:
		h.handleContinue(ctx, chatID)
	case data == notify.CbCancel:
		h.HandleCancel(ctx, chatID)
	case data == notify.CbTogglePolls:
		h.handleToggle(ctx, chatID)
	default:
		h.log().Debug("unknown callback", zap.Int64("user_id", chatID), zap.String("data", data))
	}
}

func (h *Handler) handleMood(ctx context.Context, chatID int64, arg string) {
	mood, err := strconv.Atoi(arg)
	if err != nil || mood < 1 || mood > 5 {
		h.log().Warn("bad mood callback", zap.Int64("user_id", chatID), zap.String("arg", arg))
		return
	}
	st := models.StateWaitNote.With(strconv.Itoa(mood))
	h.enterState(ctx, chatID, st, statePrompt(st))
}

func (h *Handler) handleContinue(ctx context.Context, chatID int64) {
	rec, err := h.Timeouts.Continue(ctx, chatID)
	if errors.Is(err, fsm.ErrNoTimeout) {
		h.send(ctx, chatID, notify.Text(txtNothingToDo))
		return
	}
	if err != nil {
		h.fail(ctx, chatID, "continue flow", err)
		return
	}
	h.send(ctx, chatID, statePrompt(rec.State))
}

func (h *Handler) handleToggle(ctx context.Context, chatID int64) {
	u, _, err := h.ensureUser(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "ensure user", err)
		return
	}
	u.PollsEnabled = !u.PollsEnabled
	if err := h.DB.SetPollsEnabled(ctx, chatID, u.PollsEnabled); err != nil {
		h.fail(ctx, chatID, "toggle polls", err)
		return
	}
	if u.PollsEnabled {
		h.reschedule(ctx, chatID)
	} else {
		h.Polls.CancelPoll(chatID)
	}
	h.send(ctx, chatID, settingsMenu(u))
}
