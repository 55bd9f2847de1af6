package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/notify"
	"github.com/matheus3301/chatkit/internal/observe"
	"github.com/matheus3301/chatkit/internal/outbox"
	"github.com/matheus3301/chatkit/internal/status"
	"github.com/matheus3301/chatkit/internal/store"
	"github.com/matheus3301/chatkit/internal/syncstatus"
)

type offlineAPI struct{}

func (offlineAPI) SendMessage(context.Context, string, *models.Message) (*models.Message, error) {
	return nil, errors.New("offline")
}
func (offlineAPI) SendReaction(context.Context, *models.Reaction) (*models.Message, error) {
	return nil, errors.New("offline")
}
func (offlineAPI) DeleteReaction(context.Context, string, string) (*models.Message, error) {
	return nil, errors.New("offline")
}
func (offlineAPI) CreateChannel(context.Context, *models.Channel) (*models.Channel, error) {
	return nil, errors.New("offline")
}

type fixture struct {
	db        *store.DB
	bus       *bus.Bus
	state     *status.Service
	observers *observe.Registry
	shown     chan notify.Notification
	client    *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Short path keeps under the 104 byte unix socket limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "chatkit-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, bus: bus.New()}
	f.state = status.NewService(f.bus, zap.NewNop(), nil)
	lc := syncstatus.NewLifecycle(db, f.state, zap.NewNop())
	sender := outbox.NewSender(db, lc, offlineAPI{}, f.bus, zap.NewNop())
	f.observers = observe.NewRegistry(16)
	f.shown = make(chan notify.Notification, 4)
	gate := notify.NewGate(db, notify.HandlerFunc(func(_ context.Context, n notify.Notification) error {
		f.shown <- n
		return nil
	}), f.bus, zap.NewNop())
	insp := NewInspector("test", status.ConnectionConfig{URL: "ws://localhost", UserID: "alice"},
		f.state, nil, sender, f.observers, gate, db, f.bus, zap.NewNop())

	srv := grpc.NewServer()
	RegisterInspector(srv, insp)
	ln, err := net.Listen("unix", filepath.Join(dir, "d.sock"))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	f.client, err = Dial(filepath.Join(dir, "d.sock"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.client.Close() })
	return f
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectionStateAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	resp, err := f.client.GetConnectionState(ctx)
	if err != nil {
		t.Fatalf("GetConnectionState() error = %v", err)
	}
	if got := resp.GetFields()["state"].GetStringValue(); got != string(status.KindStopped) {
		t.Errorf("state = %q, want %q", got, status.KindStopped)
	}
	if got := resp.GetFields()["session"].GetStringValue(); got != "test" {
		t.Errorf("session = %q", got)
	}

	resp, err = f.client.Disconnect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.GetFields()["state"].GetStringValue(); got != string(status.KindDisconnectedByRequest) {
		t.Errorf("state after disconnect = %q", got)
	}
}

func TestReconnectOverridesDisconnectByRequest(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	f.state.OnRequiredDisconnect()
	resp, err := f.client.Reconnect(ctx)
	if err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if got := resp.GetFields()["state"].GetStringValue(); got != string(status.KindConnecting) {
		t.Errorf("state = %q, want CONNECTING", got)
	}
	st := f.state.Current()
	if st.Type != status.ForceReconnection || !st.Config.IsReconnection {
		t.Errorf("current = %+v", st)
	}
}

func TestReconnectWhileConnectedFails(t *testing.T) {
	f := newFixture(t)
	f.state.OnConnect(status.ConnectionConfig{UserID: "alice"})
	f.state.OnConnectionEstablished(nil)

	_, err := f.client.Reconnect(ctxTimeout(t))
	if code := grpcstatus.Code(err); code != codes.FailedPrecondition {
		t.Errorf("code = %v, want FailedPrecondition (err %v)", code, err)
	}
}

func TestListChannelsAndMessages(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)
	now := time.Now().UTC()

	if err := f.db.InsertChannels(ctx, []*models.Channel{
		{Type: "messaging", ID: "general", CID: "messaging:general", LastMessageAt: now},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.InsertMessages(ctx, []*models.Message{
		{ID: "m1", CID: "messaging:general", Text: "hi", User: models.User{ID: "bob"}, CreatedAt: now},
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := f.client.ListChannels(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	channels := resp.GetFields()["channels"].GetListValue().GetValues()
	if len(channels) != 1 {
		t.Fatalf("got %d channels, want 1", len(channels))
	}
	if cid := channels[0].GetStructValue().GetFields()["cid"].GetStringValue(); cid != "messaging:general" {
		t.Errorf("cid = %q", cid)
	}

	resp, err = f.client.ListMessages(ctx, "messaging:general", 10)
	if err != nil {
		t.Fatal(err)
	}
	msgs := resp.GetFields()["messages"].GetListValue().GetValues()
	if len(msgs) != 1 || msgs[0].GetStructValue().GetFields()["text"].GetStringValue() != "hi" {
		t.Errorf("messages = %v", msgs)
	}

	_, err = f.client.ListMessages(ctx, "", 10)
	if code := grpcstatus.Code(err); code != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", code)
	}
}

func TestSendMessageOffline(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	_, err := f.client.SendMessage(ctx, "messaging:general", "hello")
	if code := grpcstatus.Code(err); code != codes.FailedPrecondition {
		t.Fatalf("without current user: code = %v, want FailedPrecondition", code)
	}

	if err := f.db.InsertCurrentUser(ctx, models.User{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	resp, err := f.client.SendMessage(ctx, "messaging:general", "hello")
	if err != nil {
		t.Fatal(err)
	}
	msg := resp.GetFields()["message"].GetStructValue().GetFields()
	if got := msg["sync_status"].GetStringValue(); got != string(models.SyncNeeded) {
		t.Errorf("sync_status = %q, want SYNC_NEEDED", got)
	}
}

func TestWatchEventsStreamsStateChanges(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	w, err := f.client.WatchEvents(ctx, "socket.")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is set up asynchronously on the server.
	got := make(chan string, 1)
	go func() {
		evt, err := w.Recv()
		if err != nil {
			return
		}
		got <- evt.GetFields()["kind"].GetStringValue()
	}()
	deadline := time.After(3 * time.Second)
	for {
		f.state.OnConnect(status.ConnectionConfig{UserID: "alice"})
		f.state.OnStop()
		select {
		case kind := <-got:
			if kind != bus.KindSocketStateChanged {
				t.Errorf("kind = %q", kind)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestReactionsAndChannelCreationOffline(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)
	if err := f.db.InsertCurrentUser(ctx, models.User{ID: "alice"}); err != nil {
		t.Fatal(err)
	}

	resp, err := f.client.React(ctx, "m1", "like")
	if err != nil {
		t.Fatalf("React() error = %v", err)
	}
	r := resp.GetFields()["reaction"].GetStructValue().GetFields()
	if r["sync_status"].GetStringValue() != string(models.SyncNeeded) || r["user_id"].GetStringValue() != "alice" {
		t.Errorf("reaction = %v", r)
	}

	resp, err = f.client.Unreact(ctx, "m1", "like")
	if err != nil {
		t.Fatalf("Unreact() error = %v", err)
	}
	if _, deleted := resp.GetFields()["reaction"].GetStructValue().GetFields()["deleted_at"]; !deleted {
		t.Error("unreact did not mark the reaction deleted")
	}

	_, err = f.client.React(ctx, "", "like")
	if code := grpcstatus.Code(err); code != codes.FailedPrecondition {
		t.Errorf("react without message: code = %v, want FailedPrecondition", code)
	}

	resp, err = f.client.CreateChannel(ctx, "messaging", "", "team", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	ch := resp.GetFields()["channel"].GetStructValue().GetFields()
	if ch["sync_status"].GetStringValue() != string(models.SyncNeeded) {
		t.Errorf("channel sync_status = %q", ch["sync_status"].GetStringValue())
	}
	members := ch["members"].GetStructValue().GetFields()
	for _, id := range []string{"alice", "bob"} {
		if _, ok := members[id]; !ok {
			t.Errorf("%s missing from members %v", id, members)
		}
	}
	pending, err := f.db.SelectChannelsBySyncStatus(ctx, models.SyncNeeded)
	if err != nil || len(pending) != 1 {
		t.Errorf("pending channels = %d, %v; want 1", len(pending), err)
	}
}

func TestRemoteMessageIsShownOnce(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)
	payload := map[string]string{"message_id": "m1", "cid": "messaging:general", "title": "Bob", "body": "hi"}

	resp, err := f.client.RemoteMessage(ctx, payload)
	if err != nil {
		t.Fatalf("RemoteMessage() error = %v", err)
	}
	if !resp.GetFields()["shown"].GetBoolValue() {
		t.Error("first push not shown")
	}
	select {
	case n := <-f.shown:
		if n.MessageID != "m1" || n.Text != "hi" {
			t.Errorf("notification = %+v", n)
		}
	default:
		t.Error("handler not called")
	}

	resp, err = f.client.RemoteMessage(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetFields()["shown"].GetBoolValue() {
		t.Error("duplicate push shown again")
	}

	_, err = f.client.RemoteMessage(ctx, map[string]string{"body": "no ids"})
	if code := grpcstatus.Code(err); code != codes.FailedPrecondition {
		t.Errorf("code = %v, want FailedPrecondition", code)
	}
}

func TestWatchChannelStreamsUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)
	if err := f.db.InsertChannels(ctx, []*models.Channel{
		{Type: "messaging", ID: "general", CID: "messaging:general", Name: "general"},
	}); err != nil {
		t.Fatal(err)
	}

	w, err := f.client.WatchChannel(ctx, "messaging:general")
	if err != nil {
		t.Fatal(err)
	}
	first, err := w.Recv()
	if err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if got := first.GetFields()["channel"].GetStructValue().GetFields()["name"].GetStringValue(); got != "general" {
		t.Errorf("snapshot name = %q", got)
	}

	ev := &events.NewMessage{Base: events.Base{EventType: events.TypeMessageNew, Created: time.Now()}}
	ev.ChannelCID = "messaging:general"
	f.observers.PublishChannel(observe.ChannelUpdate{
		CID:      "messaging:general",
		Messages: []*models.Message{{ID: "m1", CID: "messaging:general", Text: "hi"}},
		Events:   []events.Event{ev},
	})

	upd, err := w.Recv()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	evs := upd.GetFields()["events"].GetListValue().GetValues()
	if len(evs) != 1 || evs[0].GetStructValue().GetFields()["type"].GetStringValue() != string(events.TypeMessageNew) {
		t.Errorf("events = %v", evs)
	}
	msgs := upd.GetFields()["messages"].GetListValue().GetValues()
	if len(msgs) != 1 || msgs[0].GetStructValue().GetFields()["id"].GetStringValue() != "m1" {
		t.Errorf("messages = %v", msgs)
	}

	bad, err := f.client.WatchChannel(ctx, "not-a-cid")
	if err != nil {
		t.Fatal(err)
	}
	// Stream errors surface on the first Recv.
	_, err = bad.Recv()
	if code := grpcstatus.Code(err); code != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", code)
	}
}

func TestWatchChannelsTracksMembership(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)
	alice := models.User{ID: "alice"}

	early, err := f.client.WatchChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = early.Recv()
	if code := grpcstatus.Code(err); code != codes.FailedPrecondition {
		t.Fatalf("without current user: code = %v, want FailedPrecondition", code)
	}

	if err := f.db.InsertCurrentUser(ctx, alice); err != nil {
		t.Fatal(err)
	}
	general := &models.Channel{
		Type: "messaging", ID: "general", CID: "messaging:general",
		Members: map[string]models.Member{"alice": {User: alice}},
	}
	if err := f.db.InsertChannels(ctx, []*models.Channel{general}); err != nil {
		t.Fatal(err)
	}

	w, err := f.client.WatchChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	first, err := w.Recv()
	if err != nil {
		t.Fatalf("initial set: %v", err)
	}
	if cids := first.GetFields()["cids"].GetListValue().GetValues(); len(cids) != 1 || cids[0].GetStringValue() != "messaging:general" {
		t.Errorf("initial cids = %v", cids)
	}

	random := &models.Channel{
		Type: "messaging", ID: "random", CID: "messaging:random",
		Members: map[string]models.Member{"alice": {User: alice}},
	}
	f.observers.PublishQueries([]*models.Channel{random}, []string{"messaging:general"})

	upd, err := w.Recv()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	fields := upd.GetFields()
	if up := fields["upserted"].GetListValue().GetValues(); len(up) != 1 || up[0].GetStringValue() != "messaging:random" {
		t.Errorf("upserted = %v", up)
	}
	if rm := fields["removed"].GetListValue().GetValues(); len(rm) != 1 || rm[0].GetStringValue() != "messaging:general" {
		t.Errorf("removed = %v", rm)
	}
}
