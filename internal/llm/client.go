// Package llm talks to OpenAI-compatible chat endpoints (OpenRouter and the
// like), failing over between models ranked by the failover selector.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/failover"
)

var ErrEmptyReply = errors.New("llm: empty reply")

// Completer is the part of *openai.Client used here.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration // per model attempt
	MaxTokens int
}

// NewOpenAI builds a go-openai client for cfg.
func NewOpenAI(cfg Config) *openai.Client {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return openai.NewClientWithConfig(oc)
}

type Client struct {
	api      Completer
	selector *failover.Selector
	logger   *zap.Logger
	cfg      Config
}

func New(api Completer, selector *failover.Selector, logger *zap.Logger, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, selector: selector, logger: logger.Named("llm"), cfg: cfg}
}

// Reply is a completion together with the model that produced it.
type Reply struct {
	Text  string
	Model string
}

// Complete sends a single-turn prompt, failing over across models.
// failover.ErrNoModelsAvailable means every model failed.
func (c *Client) Complete(ctx context.Context, system, prompt string) (Reply, error) {
	var text string
	res, err := failover.Run(ctx, c.selector, c.cfg.Timeout, func(ctx context.Context, model string) error {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     model,
			MaxTokens: c.cfg.MaxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return ErrEmptyReply
		}
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		c.logger.Warn("completion failed", zap.Int("attempts", len(res.Attempts)), zap.Error(err))
		return Reply{}, fmt.Errorf("complete: %w", err)
	}
	c.logger.Debug("completion", zap.String("model", res.Model), zap.Int("attempts", len(res.Attempts)))
	return Reply{Text: text, Model: res.Model}, nil
}

const noteSystemPrompt = `Ты бережный дневник настроения. Пользователь оценил настроение
по шкале от 1 до 5 и оставил заметку. Ответь одним-двумя короткими тёплыми
предложениями на русском языке, без советов врача и без вопросов.`

// SummarizeNote produces a short reply to a mood note.
func (c *Client) SummarizeNote(ctx context.Context, mood int, note string) (Reply, error) {
	return c.Complete(ctx, noteSystemPrompt, fmt.Sprintf("Настроение: %d/5\nЗаметка: %s", mood, note))
}
