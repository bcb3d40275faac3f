package handlers

import (
	"context"
	"errors"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/fsm"
	"telegram-mood-diary/internal/llm"
	"telegram-mood-diary/internal/models"
	"telegram-mood-diary/internal/notify"
	"telegram-mood-diary/internal/scheduler"
	"telegram-mood-diary/internal/storage"
)

// Bot is the part of *tgbotapi.BotAPI the handlers use.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Summarizer answers a mood note. *llm.Client satisfies it.
type Summarizer interface {
	SummarizeNote(ctx context.Context, mood int, note string) (llm.Reply, error)
}

type Handler struct {
	Bot      Bot
	DB       *storage.DB
	Sink     notify.Sink
	Polls    *scheduler.Scheduler
	Timeouts *fsm.Manager
	LLM      Summarizer
	Logger   *zap.Logger
	Clock    clockwork.Clock

	DefaultTZ       string
	PostponeMinutes int
	LLMTimeout      time.Duration
}

// Listen dispatches updates until ctx is done or the channel closes.
func (h *Handler) Listen(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			h.HandleUpdate(ctx, upd)
		}
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.HandleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.HandleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if msg.IsCommand() {
		h.HandleCommand(ctx, msg.Chat.ID, msg.Command())
		return
	}
	h.HandleText(ctx, msg.Chat.ID, msg.Text)
}

func (h *Handler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return time.Now()
	}
	return h.Clock.Now()
}

func (h *Handler) send(ctx context.Context, chatID int64, p notify.Payload) {
	if err := h.Sink.Send(ctx, chatID, p); err != nil {
		h.log().Warn("reply failed", zap.Int64("user_id", chatID), zap.Error(err))
	}
}

func (h *Handler) fail(ctx context.Context, chatID int64, what string, err error) {
	h.log().Error(what, zap.Int64("user_id", chatID), zap.Error(err))
	h.send(ctx, chatID, notify.Text(txtInternalError))
}

// ensureUser loads the user, creating default settings on first contact.
func (h *Handler) ensureUser(ctx context.Context, chatID int64) (*models.User, bool, error) {
	u, err := h.DB.GetUser(ctx, chatID)
	if err != nil || u != nil {
		return u, false, err
	}
	u = models.DefaultUser(chatID, h.DefaultTZ)
	if err := h.DB.UpsertUser(ctx, u); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// enterState moves the user into a tracked multi-step flow.
func (h *Handler) enterState(ctx context.Context, chatID int64, st models.State, prompt notify.Payload) {
	if err := h.DB.SetUserState(ctx, chatID, st); err != nil {
		h.fail(ctx, chatID, "set state", err)
		return
	}
	if _, err := h.Timeouts.ScheduleTimeout(ctx, chatID, st); err != nil {
		h.log().Error("schedule timeout", zap.Int64("user_id", chatID), zap.Error(err))
	}
	h.send(ctx, chatID, prompt)
}

// leaveState returns the user to idle and stops timeout tracking.
func (h *Handler) leaveState(ctx context.Context, chatID int64) error {
	h.Timeouts.CancelTimeout(chatID)
	return h.DB.SetUserState(ctx, chatID, models.StateIdle)
}

// reschedule re-arms the poll after a settings change.
func (h *Handler) reschedule(ctx context.Context, chatID int64) (time.Time, bool) {
	at, err := h.Polls.SchedulePoll(ctx, chatID)
	if err != nil {
		if !errors.Is(err, scheduler.ErrPollsDisabled) {
			h.log().Error("schedule poll", zap.Int64("user_id", chatID), zap.Error(err))
		}
		return time.Time{}, false
	}
	return at, true
}
