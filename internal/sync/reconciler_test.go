package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/status"
)

type fakeFetcher struct {
	mu    gosync.Mutex
	cids  []string
	since time.Time
	evs   []events.Event
}

func (f *fakeFetcher) SyncEvents(_ context.Context, cids []string, since time.Time) ([]events.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cids, f.since = cids, since
	return f.evs, nil
}

func TestCheckpointMissingKey(t *testing.T) {
	r := NewReconciler(testDB(t), nil, zap.NewNop())
	v, err := r.GetCheckpoint(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("got %q, want empty", v)
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	r := NewReconciler(testDB(t), nil, zap.NewNop())

	if err := r.Advance(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := r.Advance(ctx, t0); err != nil {
		t.Fatal(err)
	}
	got, err := r.LastSyncedAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("last synced = %v, want %v", got, t0.Add(time.Hour))
	}
}

func TestHandleAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob)
	f.handle(t, newMessage("m2", bob, 2*time.Minute), newMessage("m1", bob, time.Minute))

	got, err := f.engine.reconciler.LastSyncedAt(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("checkpoint = %v, want %v", got, t0.Add(2*time.Minute))
	}
}

func TestRunReplaysAfterReconnect(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, general, alice, bob)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{evs: []events.Event{newMessage("missed", bob, time.Hour)}}
	r := NewReconciler(f.db, fetcher, zap.NewNop())
	if err := r.Advance(ctx, t0); err != nil {
		t.Fatal(err)
	}

	got := make(chan BatchEvent, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, f.bus, func(ctx context.Context, be BatchEvent) error {
			select {
			case got <- be:
			case <-ctx.Done():
			}
			return nil
		})
	}()

	// Subscription happens inside Run; retry until it is registered.
	deadline := time.After(2 * time.Second)
	for {
		f.bus.Publish(bus.Event{
			Kind:    bus.KindSocketStateChanged,
			Payload: status.StateChange{From: status.Connecting(status.ConnectionConfig{}, status.InitialConnection), To: status.Connected(nil)},
		})
		select {
		case be := <-got:
			if !be.FromHistorySync {
				t.Error("replayed batch not marked as history sync")
			}
			if len(be.Events) != 1 {
				t.Errorf("events = %d, want 1", len(be.Events))
			}
			fetcher.mu.Lock()
			if len(fetcher.cids) != 1 || fetcher.cids[0] != general || !fetcher.since.Equal(t0) {
				t.Errorf("fetch cids=%v since=%v", fetcher.cids, fetcher.since)
			}
			fetcher.mu.Unlock()
			cancel()
			<-done
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no replay after reconnect")
		}
	}
}
