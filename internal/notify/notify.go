// Package notify delivers messages to users. It is the only way the
// background engine reaches the outside world.
package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrDelivery wraps every failed send.
var ErrDelivery = errors.New("notify: delivery failed")

// Button is an inline keyboard button; Data comes back as callback data.
type Button struct {
	Text string
	Data string
}

// Payload is a message with an optional inline keyboard.
type Payload struct {
	Text    string
	Buttons [][]Button
	Silent  bool
}

// Sink sends a payload to a user. Failures are returned, never panicked.
type Sink interface {
	Send(ctx context.Context, userID int64, p Payload) error
}

// Sender is the part of *tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink delivers payloads through the Bot API.
type TelegramSink struct {
	Bot Sender
}

func NewTelegramSink(bot Sender) *TelegramSink {
	return &TelegramSink{Bot: bot}
}

func (s *TelegramSink) Send(ctx context.Context, userID int64, p Payload) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if _, err := s.Bot.Send(BuildMessage(userID, p)); err != nil {
		return fmt.Errorf("%w: chat %d: %w", ErrDelivery, userID, err)
	}
	return nil
}

// BuildMessage renders a payload as a Bot API message.
func BuildMessage(chatID int64, p Payload) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, p.Text)
	msg.DisableNotification = p.Silent
	if len(p.Buttons) == 0 {
		return msg
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(p.Buttons))
	for _, row := range p.Buttons {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btns...))
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	return msg
}
