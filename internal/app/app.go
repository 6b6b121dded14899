// Package app wires the controller together: config, logging, the
// Telegram bot transport, the auth flow, the account registry with its
// posting units, and maintenance jobs.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postbot/internal/authflow"
	"postbot/internal/bot"
	"postbot/internal/config"
	"postbot/internal/maintenance"
	"postbot/internal/posting"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/session/mtproto"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram"
	"postbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	adapter  *telegram.Adapter
	store    posting.Store
	registry *posting.Registry
	dialer   *mtproto.Dialer
	flow     *authflow.Flow
	router   *bot.Router
	maint    *maintenance.Service

	sup     *supervisor.Supervisor
	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.BotToken,
		PollTimeout: pollTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := posting.OpenStore(posting.StoreConfig{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	timings, err := posterTimings(cfg)
	if err != nil {
		return nil, err
	}
	registry := posting.NewRegistry(log, store, timings)

	dialer, err := mtproto.NewDialer(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.Sessions.Dir, log)
	if err != nil {
		return nil, err
	}

	flow := authflow.New(dialer, registry, log)
	router := bot.NewRouter(adapter, flow, registry, log)
	maint := maintenance.New(maintenance.Config{
		Keepalive: cfg.Maintenance.Keepalive,
		Digest:    cfg.Maintenance.Digest,
	}, registry, log)

	return &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log.With(logx.String("comp", "app")),
		adapter:  adapter,
		store:    store,
		registry: registry,
		dialer:   dialer,
		flow:     flow,
		router:   router,
		maint:    maint,
		updates:  make(chan kit.Update, 128),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)

	if err := a.registry.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go0("router", func(c context.Context) {
		a.router.Run(c, a.updates)
	})

	// Reattaching persisted accounts dials MTProto per account; do it in
	// the background so the bot answers immediately after start.
	a.sup.Go0("registry.restore", func(c context.Context) {
		a.registry.Restore(c, a.dialer)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		err := a.cfgm.Watch(c, a.applyConfig)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := a.maint.Start(); err != nil {
		return err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := a.maint.Stop(sctx); err != nil {
		a.log.Warn("maintenance stop", logx.Err(err))
	}
	if err := a.adapter.Stop(sctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	if err := a.registry.Stop(sctx); err != nil {
		a.log.Warn("registry stop", logx.Err(err))
	}
	if a.sup != nil {
		if err := a.sup.Stop(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// applyConfig handles hot-reloadable settings: log level/sinks and unit
// pacing. Everything else (token, api credentials, storage path) needs a
// restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	timings, err := posterTimings(cfg)
	if err != nil {
		a.log.Warn("poster timings rejected", logx.Err(err))
		return
	}
	a.registry.Apply(timings)
}

func posterTimings(cfg *config.Config) (posting.Timings, error) {
	idle, err := config.Duration("poster.idle_poll", cfg.Poster.IdlePoll, 5*time.Second)
	if err != nil {
		return posting.Timings{}, err
	}
	pause, err := config.Duration("poster.send_pause", cfg.Poster.SendPause, 2*time.Second)
	if err != nil {
		return posting.Timings{}, err
	}
	return posting.Timings{IdlePoll: idle, SendPause: pause}, nil
}
