package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DB_NAME", "/tmp/x.db")
	t.Setenv("LLM_MODELS", " a/free , b/free,,c ")
	t.Setenv("FSM_REMINDER_WINDOW", "7m")
	t.Setenv("RATING_CEILING", "20")

	cfg := Default()
	require.NoError(t, cfg.applyEnvOverrides())

	assert.Equal(t, "/tmp/x.db", cfg.DBName)
	assert.Equal(t, []string{"a/free", "b/free", "c"}, cfg.LLM.Models)
	assert.Equal(t, 7*time.Minute, cfg.Timeouts.ReminderWindow)
	assert.Equal(t, 20, cfg.Ratings.Ceiling)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.CleanupWindow)
}

func TestEnvOverridesRejectBadValues(t *testing.T) {
	t.Setenv("POLL_MAX_GAP", "forever")
	cfg := Default()
	require.Error(t, cfg.applyEnvOverrides())
}

func TestMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
llm:
  models: [x/one, x/two]
  timeout: 5s
polls:
  postpone_step: 45m
`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.mergeFile(path))

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"x/one", "x/two"}, cfg.LLM.Models)
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 45*time.Minute, cfg.Polls.PostponeStep)
	assert.Equal(t, 24*time.Hour, cfg.Polls.MaxGap, "untouched keys keep defaults")
}

func TestLoadRequiresToken(t *testing.T) {
	if _, err := os.Stat(secretPath); err == nil {
		t.Skip("docker secret present")
	}
	t.Chdir(t.TempDir())
	t.Setenv("BOT_CONFIG", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	_, err := Load()
	require.ErrorIs(t, err, ErrNoToken)

	t.Setenv("TELEGRAM_BOT_TOKEN", " 123:abc ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.TelegramToken)
}
