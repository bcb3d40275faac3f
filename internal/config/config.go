package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DBName     = "/root/data/bot.db"
	secretPath = "/run/secrets/telegram_bot_token"
)

var ErrNoToken = errors.New("config: telegram token not found in docker secret or TELEGRAM_BOT_TOKEN")

type Config struct {
	DBName        string `yaml:"db_name"`
	TelegramToken string `yaml:"-"`
	LogLevel      string `yaml:"log_level"`

	LLM      LLMConfig      `yaml:"llm"`
	Ratings  RatingsConfig  `yaml:"ratings"`
	Polls    PollsConfig    `yaml:"polls"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"-"`
	Models  []string      `yaml:"models"` // priority order
	Timeout time.Duration `yaml:"timeout"`
}

type RatingsConfig struct {
	Floor         int           `yaml:"floor"`
	Ceiling       int           `yaml:"ceiling"`
	Initial       int           `yaml:"initial"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type PollsConfig struct {
	DefaultTZ    string        `yaml:"default_tz"`
	MaxGap       time.Duration `yaml:"max_gap"`
	PostponeStep time.Duration `yaml:"postpone_step"`
}

type TimeoutsConfig struct {
	ReminderWindow time.Duration `yaml:"reminder_window"`
	CleanupWindow  time.Duration `yaml:"cleanup_window"`
}

func Default() Config {
	return Config{
		DBName:   DBName,
		LogLevel: "info",
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Models: []string{
				"meta-llama/llama-3.3-70b-instruct:free",
				"google/gemma-3-27b-it:free",
				"mistralai/mistral-small-3.1-24b-instruct:free",
			},
			Timeout: 20 * time.Second,
		},
		Ratings: RatingsConfig{
			Floor:         0,
			Ceiling:       10,
			Initial:       5,
			FlushInterval: 30 * time.Second,
		},
		Polls: PollsConfig{
			DefaultTZ:    "Europe/Moscow",
			MaxGap:       24 * time.Hour,
			PostponeStep: 30 * time.Minute,
		},
		Timeouts: TimeoutsConfig{
			ReminderWindow: 15 * time.Minute,
			CleanupWindow:  10 * time.Minute,
		},
	}
}

// Load reads .env, the optional YAML file named by BOT_CONFIG, then
// environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("BOT_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}

	cfg.TelegramToken = getBotToken()
	if cfg.TelegramToken == "" {
		return Config{}, ErrNoToken
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("DB_NAME"); v != "" {
		c.DBName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODELS"); v != "" {
		c.LLM.Models = splitList(v)
	}
	if v := os.Getenv("DEFAULT_TZ"); v != "" {
		c.Polls.DefaultTZ = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LLM_TIMEOUT", &c.LLM.Timeout},
		{"RATINGS_FLUSH_INTERVAL", &c.Ratings.FlushInterval},
		{"POLL_MAX_GAP", &c.Polls.MaxGap},
		{"POLL_POSTPONE_STEP", &c.Polls.PostponeStep},
		{"FSM_REMINDER_WINDOW", &c.Timeouts.ReminderWindow},
		{"FSM_CLEANUP_WINDOW", &c.Timeouts.CleanupWindow},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RATING_FLOOR", &c.Ratings.Floor},
		{"RATING_CEILING", &c.Ratings.Ceiling},
		{"RATING_INITIAL", &c.Ratings.Initial},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = parsed
	}
	return nil
}

func splitList(s string) []string {
	var res []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

func getBotToken() string {
	if data, err := os.ReadFile(secretPath); err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token
		}
	}
	return strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
}
