package handlers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
	"telegram-mood-diary/internal/scheduler"
)

const statsLimit = 10

func (h *Handler) HandleCommand(ctx context.Context, chatID int64, cmd string) {
	switch cmd {
	case "start":
		h.HandleStart(ctx, chatID)
	case "settings":
		h.HandleSettings(ctx, chatID)
	case "cancel":
		h.HandleCancel(ctx, chatID)
	case "skip":
		h.HandleSkip(ctx, chatID)
	case "postpone":
		h.HandlePostpone(ctx, chatID)
	case "stop":
		h.HandleStop(ctx, chatID)
	case "stats":
		h.HandleStats(ctx, chatID)
	case "delete":
		h.HandleDelete(ctx, chatID)
	default:
		h.send(ctx, chatID, notify.Text(txtUnknown))
	}
}

// ---------------- /start --------------------
func (h *Handler) HandleStart(ctx context.Context, chatID int64) {
	u, created, err := h.ensureUser(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "ensure user", err)
		return
	}
	if created {
		h.log().Info("user registered", zap.Int64("user_id", chatID))
	}
	if _, err := h.Bot.Send(mainMenu(chatID)); err != nil {
		h.log().Warn("send main menu", zap.Int64("user_id", chatID), zap.Error(err))
	}
	if at, ok := h.reschedule(ctx, chatID); ok {
		h.send(ctx, chatID, notify.Text("Следующий опрос: "+formatWhen(at, u.Location())))
	}
}

func (h *Handler) HandleSettings(ctx context.Context, chatID int64) {
	u, _, err := h.ensureUser(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "ensure user", err)
		return
	}
	h.send(ctx, chatID, settingsMenu(u))
}

// HandleCancel leaves any flow. A pending mood is kept without a note.
func (h *Handler) HandleCancel(ctx context.Context, chatID int64) {
	st, err := h.DB.GetUserState(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "get state", err)
		return
	}
	if st.IsIdle() {
		h.send(ctx, chatID, notify.Text(txtNothingToDo))
		return
	}
	if st.Tag() == models.StateWaitNote {
		h.saveAnswer(ctx, chatID, st, "")
		return
	}
	if err := h.leaveState(ctx, chatID); err != nil {
		h.fail(ctx, chatID, "leave state", err)
		return
	}
	h.send(ctx, chatID, notify.Text(txtCancelled))
}

func (h *Handler) HandleSkip(ctx context.Context, chatID int64) {
	st, err := h.DB.GetUserState(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "get state", err)
		return
	}
	if st.Tag() != models.StateWaitNote {
		h.send(ctx, chatID, notify.Text(txtNothingToDo))
		return
	}
	h.saveAnswer(ctx, chatID, st, "")
}

func (h *Handler) HandlePostpone(ctx context.Context, chatID int64) {
	u, _, err := h.ensureUser(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "ensure user", err)
		return
	}
	at, err := h.Polls.PostponePoll(ctx, chatID, h.PostponeMinutes)
	switch {
	case errors.Is(err, scheduler.ErrPollsDisabled):
		h.send(ctx, chatID, notify.Text(txtPollsOff))
	case err != nil:
		h.fail(ctx, chatID, "postpone poll", err)
	default:
		h.send(ctx, chatID, notify.Text("Хорошо, спрошу в "+formatWhen(at, u.Location())))
	}
}

func (h *Handler) HandleStop(ctx context.Context, chatID int64) {
	if err := h.DB.SetPollsEnabled(ctx, chatID, false); err != nil {
		h.fail(ctx, chatID, "disable polls", err)
		return
	}
	h.Polls.CancelPoll(chatID)
	h.send(ctx, chatID, notify.Text(txtPollsOff))
}

func (h *Handler) HandleStats(ctx context.Context, chatID int64) {
	u, _, err := h.ensureUser(ctx, chatID)
	if err != nil {
		h.fail(ctx, chatID, "ensure user", err)
		return
	}
	answers, err := h.DB.ListAnswers(ctx, chatID, statsLimit)
	if err != nil {
		h.fail(ctx, chatID, "list answers", err)
		return
	}
	h.send(ctx, chatID, notify.Text(formatStats(answers, u.Location())))
}

// HandleDelete wipes the user's data and every timer they own.
func (h *Handler) HandleDelete(ctx context.Context, chatID int64) {
	h.Polls.CancelPoll(chatID)
	h.Timeouts.CancelTimeout(chatID)
	if err := h.DB.ClearData(ctx, chatID); err != nil {
		h.fail(ctx, chatID, "clear data", err)
		return
	}
	h.log().Info("user data deleted", zap.Int64("user_id", chatID))
	h.send(ctx, chatID, notify.Text(txtDeleted))
}
