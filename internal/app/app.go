package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	cron "github.com/robfig/cron/v3"

	"heraldbot/internal/admin"
	"heraldbot/internal/broadcast"
	"heraldbot/internal/config"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/store"
	"heraldbot/internal/transport/telegram"
	logx "heraldbot/pkg/logx"
)

const defaultRetention = 720 * time.Hour

// App wires config, logging, storage, transport, the delivery engine and
// the admin API together and owns their lifecycles.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st       store.Store
	bus      eventbus.Bus
	engine   *broadcast.Service
	adminSrv *admin.Server

	cron   *cron.Cron
	cronMu sync.Mutex
	pruneE cron.EntryID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	log = log.With(logx.String("comp", "app"))

	var durs config.Durations
	busyTimeout := durs.Field("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err := durs.Err(); err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sender, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		ParseMode: cfg.Telegram.ParseMode,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	engineCfg, err := engineConfig(cfg.Broadcast)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	bus := eventbus.New()
	engine := broadcast.New(engineCfg, sender, st, st, bus, log.With(logx.String("comp", "broadcast")))

	return &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		st:       st,
		bus:      bus,
		engine:   engine,
		adminSrv: admin.NewServer(engine, log.With(logx.String("comp", "admin"))),
		cron:     cron.New(),
	}, nil
}

// Engine exposes the delivery engine, mainly for embedding callers.
func (a *App) Engine() *broadcast.Service { return a.engine }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token must not be empty")
		}
		if _, err := engineConfig(cfg.Broadcast); err != nil {
			return err
		}
		if _, err := adminConfig(cfg.Admin); err != nil {
			return err
		}
		_, _, err := retentionConfig(cfg.Retention)
		return err
	})

	cfg := a.cfgm.Get()

	a.engine.Start(runCtx)

	adminCfg, err := adminConfig(cfg.Admin)
	if err != nil {
		return err
	}
	if err := a.adminSrv.Apply(runCtx, adminCfg); err != nil {
		return err
	}

	if err := a.applyRetention(cfg.Retention); err != nil {
		return err
	}
	a.cron.Start()

	a.watchEvents(runCtx)
	a.watchConfig(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	// No-op outside systemd.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}

	a.log.Info("heraldbot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.cancel != nil {
		a.cancel()
	}

	a.adminSrv.Stop(ctx)

	cronDone := a.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}

	a.engine.Stop(ctx)
	a.wg.Wait()

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// watchEvents logs run lifecycle events published by the engine.
func (a *App) watchEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		log := a.log.With(logx.String("comp", "events"))
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch ev := e.Data.(type) {
				case broadcast.RunEvent:
					log.Debug(e.Type,
						logx.String("run", ev.ID), logx.String("state", ev.State),
						logx.Int("sent", ev.Sent), logx.Int("failed", ev.Failed), logx.Int("total", ev.Total))
				case broadcast.DeliveryEvent:
					log.Debug(e.Type,
						logx.String("run", ev.RunID), logx.Int64("recipient", ev.Recipient),
						logx.Int("attempts", ev.Attempts))
				default:
					log.Debug(e.Type)
				}
			}
		}
	}()
}

// watchConfig applies hot reloads: logging, engine knobs, admin binding,
// and the retention schedule.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
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
						goto apply
					}
				}
			apply:
				a.applyConfig(ctx, cfg)
			}
		}
	}()
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	// The validator vetted these before publish; failures here mean the
	// validator and the appliers disagree, which is a bug worth logging.
	engineCfg, err := engineConfig(cfg.Broadcast)
	if err != nil {
		a.log.Error("broadcast config apply failed", logx.Err(err))
	} else {
		a.engine.Apply(engineCfg)
	}

	adminCfg, err := adminConfig(cfg.Admin)
	if err != nil {
		a.log.Error("admin config apply failed", logx.Err(err))
	} else if err := a.adminSrv.Apply(ctx, adminCfg); err != nil {
		a.log.Error("admin rebind failed", logx.Err(err))
	}

	if err := a.applyRetention(cfg.Retention); err != nil {
		a.log.Error("retention config apply failed", logx.Err(err))
	}

	a.log.Info("config applied")
}

func (a *App) applyRetention(rc config.RetentionConfig) error {
	maxAge, schedule, err := retentionConfig(rc)
	if err != nil {
		return err
	}

	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.pruneE != 0 {
		a.cron.Remove(a.pruneE)
		a.pruneE = 0
	}
	if !rc.Enabled {
		return nil
	}

	id, err := a.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = a.engine.PruneHistory(ctx, maxAge)
	})
	if err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	a.pruneE = id
	return nil
}

func engineConfig(bc config.BroadcastConfig) (broadcast.Config, error) {
	var durs config.Durations
	out := broadcast.Config{
		Workers:           bc.Workers,
		MaxSendsPerWindow: bc.MaxSendsPerWindow,
		RateWindow:        durs.Field("broadcast.rate_window", bc.RateWindow),
		RetryMax:          bc.RetryMax,
		RetryBase:         durs.Field("broadcast.retry_base", bc.RetryBase),
		RetryMaxDelay:     durs.Field("broadcast.retry_max_delay", bc.RetryMaxDelay),
		SendTimeout:       durs.Field("broadcast.send_timeout", bc.SendTimeout),
		QueueSize:         bc.QueueSize,
	}
	if err := durs.Err(); err != nil {
		return broadcast.Config{}, err
	}
	return out, nil
}

func adminConfig(ac config.AdminConfig) (admin.Config, error) {
	var durs config.Durations
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		ReadTimeout:   durs.Field("admin.read_timeout", ac.ReadTimeout),
		WriteTimeout:  durs.Field("admin.write_timeout", ac.WriteTimeout),
		IdleTimeout:   durs.Field("admin.idle_timeout", ac.IdleTimeout),
	}
	if err := durs.Err(); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

func retentionConfig(rc config.RetentionConfig) (time.Duration, string, error) {
	var durs config.Durations
	maxAge := durs.FieldOr("retention.max_age", rc.MaxAge, defaultRetention)
	if err := durs.Err(); err != nil {
		return 0, "", err
	}
	schedule := strings.TrimSpace(rc.Schedule)
	if schedule == "" {
		schedule = "@daily"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return 0, "", fmt.Errorf("retention.schedule: invalid %q: %w", rc.Schedule, err)
	}
	return maxAge, schedule, nil
}
