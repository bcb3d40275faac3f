package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"telegram-mood-diary/internal/config"
	"telegram-mood-diary/internal/logging"
	"telegram-mood-diary/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mood-diary",
		Short:        "Telegram bot that polls users about their mood",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "ratings",
			Short: "Print persisted model ratings",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printRatings(cmd)
			},
		},
	)
	return root
}

func printRatings(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := storage.New(cfg.DBName)
	if err != nil {
		return err
	}
	defer db.Close()

	ratings, err := db.ListRatings(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ratings) == 0 {
		fmt.Fprintln(out, "no ratings yet")
		return nil
	}
	for _, r := range ratings {
		used := "never"
		if !r.LastUsedAt.IsZero() {
			used = r.LastUsedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(out, "%-50s %3d  %s\n", r.ModelID, r.Score, used)
	}
	return nil
}

func newLogger(level string) *zap.Logger {
	logger, err := logging.New(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return logger
}
