package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"signupbot/internal/announcer"
	"signupbot/internal/config"
	"signupbot/internal/eventbus"
	"signupbot/internal/eventbus/kafkasink"
	"signupbot/internal/httpapi"
	"signupbot/internal/notifier"
	"signupbot/internal/registry"
	rtsup "signupbot/internal/runtime/supervisor"
	"signupbot/internal/scheduler"
	"signupbot/internal/storage"
	kit "signupbot/internal/transport"
	"signupbot/internal/transport/telegram"
	logx "signupbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	adapter *telegram.Adapter
	reg     *registry.Registry
	notif   *notifier.Service
	ann     *announcer.Announcer
	sched   *scheduler.Service
	cmds    *Commands
	http    *httpapi.Server
	kafka   *kafkasink.Sink

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Telegram log sink gets its sender once the adapter exists.
	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	defs, err := cfg.Definitions()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(defs)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus)
	ann := announcer.New(ad, notif, groupTarget(cfg), root.With(logx.String("comp", "announcer")))

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(scfg, reg, store, ann, root.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		reg:     reg,
		notif:   notif,
		ann:     ann,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}
	a.cmds = NewCommands(root.With(logx.String("comp", "commands")), ad, sched, reg, cfgm.Reload, cfg.Telegram.AdminUsernames)
	a.cmds.SetBotName(ad.Username())

	if cfg.Events.Kafka.Enabled {
		sink, err := kafkasink.New(mapKafkaConfig(cfg), root.With(logx.String("comp", "kafka")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.kafka = sink
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
			Definitions: reg,
			Scheduler:   sched,
			Instances:   store,
			Tasks:       a.tasks,
		}, root.With(logx.String("comp", "http")))
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) tasks() []rtsup.TaskStats {
	var out []rtsup.TaskStats
	if a.sup != nil {
		out = append(out, a.sup.Snapshot()...)
	}
	for _, t := range a.sched.Tasks() {
		t.Name = "scheduler." + t.Name
		out = append(out, t)
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject reloads whose definitions the registry would refuse.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		defs, err := cfg.Definitions()
		if err != nil {
			return err
		}
		return registry.Validate(defs)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	if a.kafka != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go("events.kafka", func(c context.Context) error {
			defer unsub()
			return a.kafka.Run(c, events)
		})
	}
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("key", e.Key), logx.Time("time", e.Time))
			}
		}
	})

	// Updates buffer in a.updates until open instances are re-attached.
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	if a.http != nil {
		a.http.Start(a.sup.Context())
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("polls", a.reg.Len()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, a.sched.Stop)
	step("http", time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("kafka", time.Second, func(context.Context) error {
		if a.kafka == nil {
			return nil
		}
		return a.kafka.Close()
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
