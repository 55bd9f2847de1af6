// Package daemon composes the client core into a long running chatd process.
package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/api"
	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/config"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/lock"
	"github.com/matheus3301/chatkit/internal/logging"
	"github.com/matheus3301/chatkit/internal/metrics"
	"github.com/matheus3301/chatkit/internal/notify"
	"github.com/matheus3301/chatkit/internal/observe"
	"github.com/matheus3301/chatkit/internal/outbox"
	"github.com/matheus3301/chatkit/internal/rest"
	"github.com/matheus3301/chatkit/internal/session"
	"github.com/matheus3301/chatkit/internal/socket"
	"github.com/matheus3301/chatkit/internal/status"
	"github.com/matheus3301/chatkit/internal/store"
	intsync "github.com/matheus3301/chatkit/internal/sync"
	"github.com/matheus3301/chatkit/internal/syncstatus"
)

// Params holds what the fx module needs from the command line.
type Params struct {
	SessionName string
	Config      config.Config
	Root        string         // optional base dir; empty = session.BaseDir()
	Console     bool           // mirror logs to stderr
	Notifier    notify.Handler // optional; nil logs notifications
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLayout,
			provideLogger,
			metrics.New,
			provideBus,
			provideStateService,
			provideLock,
			provideStore,
			provideRegistry,
			provideREST,
			provideReconciler,
			provideEngine,
			provideLifecycle,
			provideSender,
			provideGate,
			provideSocket,
			provideInspector,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(p Params) (session.Layout, error) {
	if p.Root != "" {
		return session.NewAt(p.Root, p.SessionName)
	}
	return session.New(p.SessionName)
}

func provideLogger(p Params, l session.Layout) (*zap.Logger, error) {
	return logging.New(l.LogPath(), l.Name, logging.Options{Console: p.Console})
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	b := bus.New()
	b.OnDrop(m.BusDropped)
	return b
}

func provideStateService(b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *status.Service {
	return status.NewService(b, logger.Named("status"), m)
}

func provideLock(l session.Layout, logger *zap.Logger) (*lock.Lock, error) {
	if err := l.Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("dir", l.Dir()))
	lk, err := lock.Acquire(l.Dir())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return lk, nil
}

// The lock parameter orders the store after the lock.
func provideStore(l session.Layout, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(l.DBPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store ready",
		zap.String("path", l.DBPath()),
		zap.Uint("schema", result.Version),
		zap.Bool("migrated", result.Changed),
	)
	return db, nil
}

func provideRegistry(p Params, m *metrics.Metrics) *observe.Registry {
	r := observe.NewRegistry(p.Config.Observe.Buffer)
	r.OnDrop(func() { m.BusDropped("observe.update") })
	return r
}

func provideREST(p Params, logger *zap.Logger) *rest.Client {
	c := rest.NewClient(p.Config.Client.BaseURL, p.Config.Client.APIKey, logger.Named("rest"))
	c.SetToken(p.Config.Client.Token)
	return c
}

func provideReconciler(db *store.DB, c *rest.Client, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, c, logger.Named("reconciler"))
}

func provideEngine(p Params, db *store.DB, b *bus.Bus, state *status.Service, r *observe.Registry,
	rec *intsync.Reconciler, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, state, r, rec, m, logger.Named("sync"), intsync.Options{
		BatchWindow: p.Config.Sync.BatchWindow.Duration,
		BatchSize:   p.Config.Sync.BatchSize,
		QueueSize:   p.Config.Sync.QueueSize,
	})
}

func provideLifecycle(db *store.DB, state *status.Service, logger *zap.Logger) *syncstatus.Lifecycle {
	return syncstatus.NewLifecycle(db, state, logger.Named("syncstatus"))
}

func provideSender(db *store.DB, lc *syncstatus.Lifecycle, c *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, lc, c, b, logger.Named("outbox"))
}

func provideGate(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *notify.Gate {
	h := p.Notifier
	if h == nil {
		h = logNotifier(logger.Named("notify"))
	}
	return notify.NewGate(db, h, b, logger.Named("notify"))
}

func provideSocket(p Params, state *status.Service, engine *intsync.Engine, gate *notify.Gate, b *bus.Bus, logger *zap.Logger) *socket.Client {
	sink := &teeSink{engine: engine, gate: gate, logger: logger}
	return socket.New(state, sink, b, logger.Named("socket"), socket.Options{
		HealthInterval: p.Config.Socket.HealthInterval.Duration,
		HealthTimeout:  p.Config.Socket.HealthTimeout.Duration,
		BackoffInitial: p.Config.Socket.BackoffInitial.Duration,
		BackoffMax:     p.Config.Socket.BackoffMax.Duration,
	})
}

func provideInspector(p Params, state *status.Service, engine *intsync.Engine, sender *outbox.Sender,
	observers *observe.Registry, gate *notify.Gate, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Inspector {
	return api.NewInspector(p.SessionName, connectionConfig(p.Config), state, engine, sender, observers, gate,
		db, b, logger.Named("api"))
}

func connectionConfig(cfg config.Config) status.ConnectionConfig {
	return status.ConnectionConfig{
		URL:      cfg.Client.WSURL,
		APIKey:   cfg.Client.APIKey,
		UserID:   cfg.Client.UserID,
		UserName: cfg.Client.UserName,
		Token:    cfg.Client.Token,
	}
}

// teeSink hands socket events to the notification gate, then to the engine.
type teeSink struct {
	engine *intsync.Engine
	gate   *notify.Gate
	logger *zap.Logger
}

func (t *teeSink) Submit(ctx context.Context, ev events.Event) error {
	if _, err := t.gate.OnChatEvent(ctx, ev); err != nil {
		t.logger.Warn("notification gate failed", zap.String("type", string(ev.Type())), zap.Error(err))
	}
	return t.engine.Submit(ctx, ev)
}

func logNotifier(logger *zap.Logger) notify.Handler {
	return notify.HandlerFunc(func(_ context.Context, n notify.Notification) error {
		logger.Info("notification",
			zap.String("cid", n.CID),
			zap.String("message_id", n.MessageID),
			zap.String("title", n.Title),
		)
		return nil
	})
}

type lifecycleDeps struct {
	fx.In

	Params  Params
	Server  *Server
	Lock    *lock.Lock
	DB      *store.DB
	Bus     *bus.Bus
	State   *status.Service
	Engine  *intsync.Engine
	Sender  *outbox.Sender
	Socket  *socket.Client
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var (
		cancel     context.CancelFunc
		metricsSrv *metrics.Server
		done       = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if d.Params.Config.Metrics.Addr != "" {
				srv, err := d.Metrics.Listen(d.Params.Config.Metrics.Addr)
				if err != nil {
					return fmt.Errorf("metrics listen: %w", err)
				}
				metricsSrv = srv
				go func() {
					if err := srv.Serve(); err != nil {
						d.Logger.Error("metrics server error", zap.Error(err))
					}
				}()
				d.Logger.Info("metrics listening", zap.String("addr", srv.Addr()))
			}

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			d.Engine.Start(ctx)
			d.Sender.Start(ctx)
			go countSyncResults(ctx, d.Bus, d.Metrics)
			go func() {
				defer close(done)
				d.Socket.Run(ctx)
			}()

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			d.State.OnConnect(connectionConfig(d.Params.Config))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.State.OnStop()
			d.Server.Stop(ctx)
			cancel()
			<-done
			d.Sender.Stop()
			d.Engine.Stop()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}

func countSyncResults(ctx context.Context, b *bus.Bus, m *metrics.Metrics) {
	ch, unsub := b.Subscribe(bus.KindEntitySyncStatus, 64)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			if es, ok := evt.Payload.(outbox.EntityStatus); ok {
				m.SyncResult(es.Entity, string(es.Status))
			}
		case <-ctx.Done():
			return
		}
	}
}
