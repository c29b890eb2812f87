package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/oklog/run"

	"aniwatch/internal/bot"
	"aniwatch/internal/config"
	"aniwatch/internal/enrich"
	"aniwatch/internal/notify"
	"aniwatch/internal/reconcile"
	"aniwatch/internal/scheduler"
	"aniwatch/internal/source"
	"aniwatch/internal/storage"
	"aniwatch/internal/transport/telegram"
	"aniwatch/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	if err := realMain(cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func realMain(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	schedule, err := scheduler.ParseSchedule(cfg.Update.Schedule)
	if err != nil {
		return fmt.Errorf("update.schedule: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var resolver enrich.Resolver = enrich.Nop{}
	if cfg.Enrich.Enabled {
		resolver, err = enrich.NewAnimeGO(enrich.AnimeGOConfig{
			BaseURL:   cfg.Enrich.BaseURL,
			Timeout:   cfg.EnrichTimeout(),
			CacheSize: cfg.Enrich.CacheSize,
		}, log)
		if err != nil {
			return err
		}
	}

	registry := source.NewRegistry(
		source.NewShikimori(source.ShikimoriConfig{}, log),
		source.NewMAL(source.MALConfig{}, log),
	)
	rec := reconcile.New(store, resolver, log)

	tg, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeout(),
	}, log)
	if err != nil {
		return err
	}

	notifier := notify.New(notify.Config{
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		RetryMax:   cfg.Notifier.RetryMax,
	}, tg, store, log)

	sched := scheduler.New(scheduler.Config{
		Schedule:         schedule,
		RetryDelay:       cfg.RetryDelay(),
		PageLimit:        cfg.Update.PageLimit,
		MaxPages:         cfg.Update.MaxPages,
		IncrementalLimit: cfg.Update.IncrementalLimit,
		PageTimeout:      cfg.PageTimeout(),
		PageRetryMax:     cfg.Update.PageRetryMax,
	}, registry, rec, store, notifier, nil, log)

	handler := bot.New(bot.Config{}, store, sched, log)
	handler.Register(tg.Bot())

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return tg.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return sched.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return notifier.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return config.Watch(ctx, cfgPath, log, func(next config.Config) {
				logx.SetGlobalLevel(next.Logging.Level)
			})
		}, func(error) { cancel() })
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("aniwatch started",
		logx.String("schedule", schedule.String()),
		logx.Any("sources", registry.Sources()),
		logx.String("db", cfg.Storage.Path),
	)

	err = g.Run()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info("shutting down", logx.String("signal", sig.Signal.String()))
		return nil
	}
	return err
}
