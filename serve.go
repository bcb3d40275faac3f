package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telegram-mood-diary/internal/config"
	"telegram-mood-diary/internal/failover"
	"telegram-mood-diary/internal/fsm"
	"telegram-mood-diary/internal/handlers"
	"telegram-mood-diary/internal/llm"
	"telegram-mood-diary/internal/notify"
	"telegram-mood-diary/internal/scheduler"
	"telegram-mood-diary/internal/storage"
	"telegram-mood-diary/internal/timers"
)

const shutdownTimeout = 10 * time.Second

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	db, err := storage.New(cfg.DBName)
	if err != nil {
		logger.Fatal("open database", zap.String("path", cfg.DBName), zap.Error(err))
	}
	defer db.Close()

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		logger.Fatal("telegram login", zap.Error(err))
	}
	logger.Info("authorized", zap.String("bot", bot.Self.UserName))

	clock := clockwork.NewRealClock()
	sink := notify.NewTelegramSink(bot)
	reg := timers.New(clock, logger)

	selector, err := failover.New(ctx, db, cfg.LLM.Models,
		failover.WithClock(clock),
		failover.WithLogger(logger),
		failover.WithConfig(failover.Config{
			Floor:         cfg.Ratings.Floor,
			Ceiling:       cfg.Ratings.Ceiling,
			Initial:       cfg.Ratings.Initial,
			FlushInterval: cfg.Ratings.FlushInterval,
		}),
	)
	if err != nil {
		logger.Fatal("load model ratings", zap.Error(err))
	}
	if err := selector.Start(); err != nil {
		logger.Fatal("start ratings flush", zap.Error(err))
	}

	llmCfg := llm.Config{BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, Timeout: cfg.LLM.Timeout}
	client := llm.New(llm.NewOpenAI(llmCfg), selector, logger, llmCfg)

	polls := scheduler.New(reg, db, sink,
		scheduler.WithClock(clock),
		scheduler.WithLogger(logger),
		scheduler.WithConfig(scheduler.Config{
			MaxGap:       cfg.Polls.MaxGap,
			PostponeStep: cfg.Polls.PostponeStep,
		}),
	)
	timeouts := fsm.New(reg, db, sink,
		fsm.WithClock(clock),
		fsm.WithLogger(logger),
		fsm.WithConfig(fsm.Config{
			ReminderWindow: cfg.Timeouts.ReminderWindow,
			CleanupWindow:  cfg.Timeouts.CleanupWindow,
		}),
	)

	if _, err := polls.RestoreScheduledPolls(ctx); err != nil {
		logger.Error("restore polls", zap.Error(err))
	}
	if _, err := timeouts.Restore(ctx); err != nil {
		logger.Error("restore timeouts", zap.Error(err))
	}

	h := &handlers.Handler{
		Bot:             bot,
		DB:              db,
		Sink:            sink,
		Polls:           polls,
		Timeouts:        timeouts,
		LLM:             client,
		Logger:          logger.Named("handlers"),
		Clock:           clock,
		DefaultTZ:       cfg.Polls.DefaultTZ,
		PostponeMinutes: int(cfg.Polls.PostponeStep / time.Minute),
		// one attempt per model in the chain
		LLMTimeout: cfg.LLM.Timeout * time.Duration(max(len(cfg.LLM.Models), 1)),
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Listen(gctx, updates)
	})
	g.Go(func() error {
		<-gctx.Done()
		bot.StopReceivingUpdates()
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")

	reg.Stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ferr := selector.Stop(flushCtx); ferr != nil {
		logger.Error("final ratings flush", zap.Error(ferr))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
