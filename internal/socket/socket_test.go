package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/status"
)

type recordingSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *recordingSink) Submit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evs)
}

type fixture struct {
	bus    *bus.Bus
	state  *status.Service
	sink   *recordingSink
	client *Client
}

func start(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{bus: bus.New(), sink: &recordingSink{}}
	f.state = status.NewService(f.bus, zap.NewNop(), nil)
	f.client = New(f.state, f.sink, f.bus, zap.NewNop(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give Run time to subscribe before the first transition.
	time.Sleep(20 * time.Millisecond)
	return f
}

// waitFor blocks until the state service reaches kind.
func (f *fixture) waitFor(t *testing.T, changes <-chan bus.Event, kind status.Kind) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-changes:
			if evt.Payload.(status.StateChange).To.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached, current %s", kind, f.state.Current())
		}
	}
}

func config(srvURL string) status.ConnectionConfig {
	return status.ConnectionConfig{URL: srvURL, APIKey: "key", UserID: "alice", UserName: "Alice", Token: "tok"}
}

func TestConnectURL(t *testing.T) {
	raw, err := ConnectURL(config("wss://chat.example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/connect" {
		t.Errorf("path = %s", u.Path)
	}
	q := u.Query()
	if q.Get("api_key") != "key" || q.Get("authorization") != "tok" || q.Get("stream-auth-type") != "jwt" {
		t.Errorf("query = %v", q)
	}
	if want := `{"user_id":"alice","user_details":{"id":"alice","name":"Alice"},"server_determines_connection_id":true}`; q.Get("json") != want {
		t.Errorf("json = %s", q.Get("json"))
	}

	if _, err := ConnectURL(status.ConnectionConfig{URL: "wss://x"}); err == nil {
		t.Error("expected error without user id")
	}
}

func TestConnectDeliversFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "key" {
			t.Errorf("api_key missing")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connection.connected","connection_id":"c1","me":{"id":"alice"}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"typing.start","cid":"messaging:general"}`))
		<-ctx.Done()
	}))
	defer srv.Close()

	f := start(t, Options{})
	f.state.OnConnect(config(srv.URL))

	deadline := time.Now().Add(3 * time.Second)
	for f.sink.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.evs) != 2 {
		t.Fatalf("events = %d, want 2", len(f.sink.evs))
	}
	if _, ok := f.sink.evs[0].(*events.Connected); !ok {
		t.Errorf("first event = %T", f.sink.evs[0])
	}
	if _, ok := f.sink.evs[1].(*events.TypingStart); !ok {
		t.Errorf("second event = %T", f.sink.evs[1])
	}
}

func TestHealthTimeoutReportsEventLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		// Swallow health checks and never answer.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f := start(t, Options{HealthInterval: 20 * time.Millisecond, HealthTimeout: 60 * time.Millisecond, BackoffInitial: time.Hour})
	changes, unsub := f.bus.Subscribe(bus.KindSocketStateChanged, 32)
	defer unsub()

	f.state.OnConnect(config(srv.URL))
	f.waitFor(t, changes, status.KindWebSocketEventLost)
}

func TestDialFailureReconnectsWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	f := start(t, Options{BackoffInitial: 10 * time.Millisecond, BackoffMax: 20 * time.Millisecond})
	changes, unsub := f.bus.Subscribe(bus.KindSocketStateChanged, 64)
	defer unsub()

	f.state.OnConnect(config(srv.URL))
	f.waitFor(t, changes, status.KindDisconnectedTemporarily)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-changes:
			to := evt.Payload.(status.StateChange).To
			if to.Kind == status.KindConnecting && to.Type == status.AutomaticReconnection {
				if !to.Config.IsReconnection {
					t.Error("reconnect config not flagged as reconnection")
				}
				return
			}
		case <-deadline:
			t.Fatal("no automatic reconnect")
		}
	}
}

func TestStopClosesSocket(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer close(closed)
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"connection.connected","me":{"id":"alice"}}`))
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f := start(t, Options{})
	f.state.OnConnect(config(srv.URL))

	deadline := time.Now().Add(3 * time.Second)
	for f.sink.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.sink.len() == 0 {
		t.Fatal("socket never connected")
	}

	f.state.OnStop()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("socket not closed after stop")
	}
}
