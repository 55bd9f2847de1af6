package daemon

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"

	"github.com/matheus3301/chatkit/internal/api"
	"github.com/matheus3301/chatkit/internal/config"
	"github.com/matheus3301/chatkit/internal/lock"
	"github.com/matheus3301/chatkit/internal/session"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Client = config.ClientConfig{
		APIKey:  "key",
		BaseURL: "http://127.0.0.1:1",
		WSURL:   "ws://127.0.0.1:1",
		UserID:  "alice",
	}
	cfg.Metrics.Addr = "127.0.0.1:0"
	return *cfg
}

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	root, err := os.MkdirTemp("/tmp", "chatkit-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(root) }()

	layout, err := session.NewAt(root, "test")
	if err != nil {
		t.Fatal(err)
	}

	app := fx.New(
		Module(Params{SessionName: "test", Root: root, Config: testConfig()}),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The session is locked while the daemon runs.
	_, err = lock.Acquire(layout.Dir())
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Errorf("expected HeldError while running, got %v", err)
	}

	c, err := api.Dial(layout.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	resp, err := c.GetConnectionState(ctx)
	if err != nil {
		t.Fatalf("GetConnectionState() error = %v", err)
	}
	if got := resp.GetFields()["session"].GetStringValue(); got != "test" {
		t.Errorf("session = %q, want test", got)
	}
	// Nothing listens on the configured URL, so the daemon must be trying
	// or waiting to reconnect, never connected.
	if resp.GetFields()["connected"].GetBoolValue() {
		t.Error("daemon reports connected without a server")
	}

	resp, err = c.Disconnect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.GetFields()["state"].GetStringValue(); got != "DISCONNECTED_BY_REQUEST" {
		t.Errorf("state after disconnect = %q", got)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := os.Stat(layout.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket file still present: %v", err)
	}
	lk, err := lock.Acquire(layout.Dir())
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

func TestSecondDaemonFailsOnLockedSession(t *testing.T) {
	root, err := os.MkdirTemp("/tmp", "chatkit-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(root) }()

	layout, err := session.NewAt(root, "busy")
	if err != nil {
		t.Fatal(err)
	}
	lk, err := lock.Acquire(layout.Dir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	cfg := testConfig()
	cfg.Metrics.Addr = ""
	app := fx.New(
		Module(Params{SessionName: "busy", Root: root, Config: cfg}),
		fx.NopLogger,
	)
	err = app.Err()
	if err == nil || !strings.Contains(err.Error(), "session locked") {
		t.Errorf("app.Err() = %v, want lock error", err)
	}
}
