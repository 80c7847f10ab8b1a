// Package app assembles the services and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"boorubot/internal/booru"
	"boorubot/internal/config"
	"boorubot/internal/hub"
	"boorubot/internal/poster"
	"boorubot/internal/sentlog"
	"boorubot/internal/settings"
	"boorubot/internal/transport/telegram"
	"boorubot/internal/web"
	"boorubot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	adapter  *telegram.Adapter
	sent     sentlog.Store
	settings *settings.Store
	fetch    *booru.Client
	hub      *hub.Hub
	poster   *poster.Service
	web      *web.Server

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		ChannelID: cfg.Telegram.ChannelID,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink disabled so Apply() doesn't warn about
	// a missing target, set the target, then apply the real config.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))
	setLogTarget(logSvc, cfg)
	logSvc.Apply(mapLogConfig(cfg))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	sent, err := sentlog.Open(sentlog.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "sentlog")))
	if err != nil {
		return nil, fmt.Errorf("open sent log: %w", err)
	}

	st := settings.NewStore(cfg.Posting.SettingsFile, settings.Defaults{
		IntervalMinutes: cfg.Posting.IntervalMinutes,
		FilterID:        cfg.Booru.FilterID,
	}, log.With(logx.String("comp", "settings")))
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	fetch := booru.New(booru.Config{
		SearchURL: cfg.Booru.SearchURL,
		Token:     cfg.Booru.Token,
		PerPage:   cfg.Booru.PerPage,
	}, log.With(logx.String("comp", "booru")))

	h := hub.New()

	post := poster.New(poster.Config{}, fetch, ad, sent, st, h,
		log.With(logx.String("comp", "poster")))

	var webSrv *web.Server
	if cfg.Web.Enabled {
		webSrv = web.New(cfg.Web, web.Deps{
			Hub:      h,
			Poster:   post,
			Settings: st,
			Sent:     sent,
		}, log)
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		adapter:  ad,
		sent:     sent,
		settings: st,
		fetch:    fetch,
		hub:      h,
		poster:   post,
		web:      webSrv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(ctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.poster.Start(a.runCtx)

	if a.web != nil {
		if err := a.web.Start(a.runCtx); err != nil {
			return fmt.Errorf("start web server: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(a.runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(a.runCtx); err != nil && a.runCtx.Err() == nil {
			a.log.Error("config watcher exited", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// reloadLoop applies validated config updates to the running services.
// Storage and the web listen address are fixed for the process lifetime.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			setLogTarget(a.logs, cfg)
			a.logs.Apply(mapLogConfig(cfg))

			a.fetch.Apply(booru.Config{
				SearchURL: cfg.Booru.SearchURL,
				Token:     cfg.Booru.Token,
				PerPage:   cfg.Booru.PerPage,
			})
			if a.web != nil {
				a.web.Apply(cfg.Web)
				if last != nil && last.Web.Listen != cfg.Web.Listen {
					a.log.Warn("web.listen changed; restart required for it to take effect")
				}
			}
			if last != nil && (last.Storage != cfg.Storage) {
				a.log.Warn("storage config changed; restart required for it to take effect")
			}
			last = cfg
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.runCancel != nil {
		a.runCancel()
	}

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	if a.web != nil {
		step("web", 3*time.Second, a.web.Stop)
	}
	step("poster", 3*time.Second, func(c context.Context) error { a.poster.Stop(c); return nil })
	step("sentlog", 2*time.Second, func(context.Context) error { return a.sent.Close() })

	step("background", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func setLogTarget(svc *logx.Service, cfg *config.Config) {
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			svc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
			return
		}
	}
	svc.SetTelegramTarget(0, 0)
}
