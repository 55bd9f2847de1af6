package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/batch"
	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/metrics"
	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/observe"
	"github.com/matheus3301/chatkit/internal/status"
	"github.com/matheus3301/chatkit/internal/store"
)

// BatchEvent is a group of events reconciled together.
type BatchEvent struct {
	ID              string
	Events          []events.Event
	FromHistorySync bool
}

func NewBatchEvent(evs []events.Event, fromHistory bool) BatchEvent {
	return BatchEvent{ID: uuid.NewString(), Events: evs, FromHistorySync: fromHistory}
}

// Options tunes batching.
type Options struct {
	BatchWindow time.Duration
	BatchSize   int
	QueueSize   int
}

func (o Options) withDefaults() Options {
	if o.BatchWindow <= 0 {
		o.BatchWindow = 100 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	return o
}

// GlobalState is the user-level state derived from events.
type GlobalState struct {
	CurrentUser      *models.User
	TotalUnreadCount int
	UnreadChannels   int
}

// Engine reconciles realtime events into the local cache. Batches are
// processed one at a time, in submission order.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	state      *status.Service
	observers  *observe.Registry
	reconciler *Reconciler
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       Options

	incoming chan events.Event
	queue    chan BatchEvent
	cancel   context.CancelFunc
	wg       gosync.WaitGroup

	mu     gosync.RWMutex
	global GlobalState
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, state *status.Service, observers *observe.Registry,
	reconciler *Reconciler, m *metrics.Metrics, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Engine{
		db:         db,
		bus:        b,
		state:      state,
		observers:  observers,
		reconciler: reconciler,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		incoming:   make(chan events.Event, opts.BatchSize*4),
		queue:      make(chan BatchEvent, opts.QueueSize),
	}
}

// Start launches the collector and the single batch worker.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.collect(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.work(ctx)
	}()
	if e.reconciler != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reconciler.Run(ctx, e.bus, e.Enqueue)
		}()
	}
}

// Stop stops the engine and waits for its goroutines.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit hands a single socket event to the collector.
func (e *Engine) Submit(ctx context.Context, ev events.Event) error {
	select {
	case e.incoming <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a batch behind any batch already queued.
func (e *Engine) Enqueue(ctx context.Context, be BatchEvent) error {
	select {
	case e.queue <- be:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Global returns a snapshot of the user-level state.
func (e *Engine) Global() GlobalState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.global
}

func (e *Engine) collect(ctx context.Context) {
	var pending []events.Event
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		timer.Stop()
		if len(pending) == 0 {
			return
		}
		be := NewBatchEvent(pending, false)
		pending = nil
		if err := e.Enqueue(ctx, be); err != nil {
			e.logger.Warn("dropping batch on shutdown", zap.String("batch_id", be.ID), zap.Int("events", len(be.Events)))
		}
	}

	for {
		select {
		case ev := <-e.incoming:
			e.metrics.EventReceived(string(ev.Type()))
			pending = append(pending, ev)
			switch {
			case isLifecycle(ev), len(pending) >= e.opts.BatchSize:
				flush()
			case len(pending) == 1:
				timer.Reset(e.opts.BatchWindow)
			}
		case <-timer.C:
			flush()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case be := <-e.queue:
			if err := e.Handle(ctx, be); err != nil {
				e.logger.Error("failed to handle batch", zap.Error(err),
					zap.String("batch_id", be.ID), zap.Int("events", len(be.Events)))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Handle reconciles one batch. Errors abort the batch; nothing is retried.
func (e *Engine) Handle(ctx context.Context, be BatchEvent) error {
	start := time.Now()
	err := e.handle(ctx, be)
	e.metrics.BatchDone(time.Since(start), err)

	kind := bus.KindSyncBatchDone
	if err != nil {
		kind = bus.KindSyncBatchFailed
	}
	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: time.Now(),
			Payload:   BatchResult{ID: be.ID, Events: len(be.Events), Err: err},
		})
	}
	return err
}

// BatchResult is the payload of sync.batch_done and sync.batch_failed.
type BatchResult struct {
	ID     string
	Events int
	Err    error
}

func (e *Engine) handle(ctx context.Context, be BatchEvent) error {
	content, err := e.applyLifecycle(ctx, be.Events)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	slices.SortStableFunc(content, func(a, b events.Event) int {
		return a.CreatedAt().Compare(b.CreatedAt())
	})

	me, err := e.db.SelectCurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("select current user: %w", err)
	}

	eb, err := e.plan(content).Build(ctx, e.db, me, e.logger)
	if err != nil {
		return fmt.Errorf("build batch %s: %w", be.ID, err)
	}
	for _, ev := range content {
		if err := e.applyEvent(ctx, eb, ev); err != nil {
			return fmt.Errorf("apply %s: %w", ev.Type(), err)
		}
	}
	if err := eb.Execute(ctx); err != nil {
		return err
	}
	if err := e.applyDeletions(ctx, content); err != nil {
		return err
	}
	if !be.FromHistorySync {
		e.updateGlobal(content, me)
	}
	if e.reconciler != nil {
		if err := e.reconciler.Advance(ctx, content[len(content)-1].CreatedAt()); err != nil {
			e.logger.Warn("failed to advance checkpoint", zap.Error(err))
		}
	}
	e.fanOut(ctx, eb, content)

	e.logger.Debug("batch handled",
		zap.String("batch_id", be.ID),
		zap.Int("events", len(content)),
		zap.Bool("history", be.FromHistorySync),
	)
	return nil
}

// applyLifecycle feeds connection events to the state service in arrival
// order and returns the remaining events.
func (e *Engine) applyLifecycle(ctx context.Context, evs []events.Event) ([]events.Event, error) {
	content := make([]events.Event, 0, len(evs))
	for _, ev := range evs {
		switch ev := ev.(type) {
		case *events.Connected:
			if ev.Me != nil {
				if err := e.db.InsertCurrentUser(ctx, *ev.Me); err != nil {
					return nil, fmt.Errorf("insert current user: %w", err)
				}
				e.setCurrentUser(ev.Me)
			}
			if e.state != nil {
				e.state.OnConnectionEstablished(ev)
			}
		case *events.Disconnected:
			if e.state != nil {
				e.state.OnNetworkError(errConnectionLost)
			}
		case *events.ConnectionError:
			if e.state == nil {
				continue
			}
			if err := ev.Err(); err.IsPermanent() {
				e.state.OnUnrecoverableError(err)
			} else {
				e.state.OnNetworkError(err)
			}
		case *events.HealthCheck:
			if ev.Me != nil {
				if err := e.db.InsertCurrentUser(ctx, *ev.Me); err != nil {
					return nil, fmt.Errorf("insert current user: %w", err)
				}
				e.setCurrentUser(ev.Me)
			}
		case *events.Connecting:
		default:
			content = append(content, ev)
		}
	}
	return content, nil
}

func isLifecycle(ev events.Event) bool {
	switch ev.(type) {
	case *events.Connected, *events.Disconnected, *events.ConnectionError:
		return true
	}
	return false
}

// plan decides what the batch must prefetch.
func (e *Engine) plan(evs []events.Event) *batch.Builder {
	b := batch.NewBuilder()
	for _, ev := range evs {
		if ce, ok := ev.(events.CIDEvent); ok {
			switch ev.(type) {
			case *events.ChannelDeleted, *events.NotificationChannelDeleted:
				b.AddToRemoveChannels(ce.CID())
			default:
				b.AddToFetchChannels(ce.CID())
			}
		}
		if msgEv, ok := ev.(events.MessageEvent); ok && msgEv.EventMessage() != nil {
			b.AddToFetchMessages(msgEv.EventMessage().ID)
		}
		if ue, ok := ev.(events.UserEvent); ok && ue.EventUser() != nil {
			b.AddUsers(*ue.EventUser())
		}
		if mb, ok := ev.(events.MemberEvent); ok && mb.EventMember() != nil {
			b.AddUsers(mb.EventMember().User)
		}
		if ou, ok := ev.(events.OwnUserEvent); ok && ou.OwnUser() != nil {
			b.AddUsers(*ou.OwnUser())
		}
		if _, ok := ev.(*events.MarkAllRead); ok && e.observers != nil {
			b.AddToFetchChannels(e.observers.ActiveChannels()...)
		}
	}
	return b
}

func (e *Engine) setCurrentUser(u *models.User) {
	e.mu.Lock()
	e.global.CurrentUser = u
	e.mu.Unlock()
}

func (e *Engine) updateGlobal(evs []events.Event, me *models.User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.global.CurrentUser == nil {
		e.global.CurrentUser = me
	}
	for _, ev := range evs {
		if uc, ok := ev.(events.UnreadCountsEvent); ok {
			counts := uc.Counts()
			switch ev.(type) {
			case *events.NotificationAddedToChannel, *events.NotificationMessageNew:
				if counts.UnreadChannels == 0 {
					continue
				}
			}
			e.global.TotalUnreadCount = counts.TotalUnreadCount
			e.global.UnreadChannels = counts.UnreadChannels
		}
		if ou, ok := ev.(events.OwnUserEvent); ok && ou.OwnUser() != nil {
			e.global.CurrentUser = ou.OwnUser()
		}
		if uu, ok := ev.(*events.UserUpdated); ok && uu.User != nil && me != nil && uu.User.ID == me.ID {
			e.global.CurrentUser = uu.User
		}
	}
}
