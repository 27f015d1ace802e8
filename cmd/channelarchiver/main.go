package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"ChannelArchiver/internal/app"
	"ChannelArchiver/internal/config"
	"ChannelArchiver/internal/logging"
)

func main() {
	once := flag.Bool("once", false, "run one monitor and one backfill cycle per channel, then exit")
	reindex := flag.Bool("reindex", false, "rebuild every channel index from its shards, then exit")
	flag.Parse()

	cfg := config.Load()
	output, logFile := logging.Output(os.Stdout, cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	defer logFile.Close()
	logger := logging.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format, output)

	var verr *config.ValidationError
	if err := cfg.Validate(); errors.As(err, &verr) {
		for _, problem := range verr.Problems {
			logger.Error("configuration problem", "problem", problem)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("application setup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	switch {
	case *reindex:
		err = application.Reindex(ctx)
	case *once:
		err = application.RunOnce(ctx)
	default:
		err = application.Run(ctx)
	}
	if err != nil {
		logger.Error("application stopped", "error", err)
		application.Close()
		os.Exit(1)
	}
	logger.Info("application stopped")
}
