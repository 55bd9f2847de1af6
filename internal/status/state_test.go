package status

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matheus3301/chatkit/internal/events"
)

var (
	testCfg   = ConnectionConfig{URL: "wss://chat.example.com", APIKey: "key", UserID: "alice", Token: "tok"}
	errNet    = errors.New("network down")
	errFatal  = errors.New("invalid api key")
	connEvent = &events.Connected{ConnectionID: "c1"}
)

// allStates has one representative per variant.
func allStates() []State {
	return []State{
		Stopped(),
		NetworkDisconnected(),
		WebSocketEventLost(),
		DisconnectedByRequest(),
		DisconnectedTemporarily(errNet),
		DisconnectedPermanently(errFatal),
		Connecting(testCfg, InitialConnection),
		RestartConnection(LifecycleResume),
		Connected(connEvent),
	}
}

func allTriggers() []Trigger {
	return []Trigger{
		Connect(testCfg),
		Reconnect(testCfg, false),
		Reconnect(testCfg, true),
		NetworkAvailableTrigger(),
		NetworkNotAvailableTrigger(),
		ConnectionEstablished(connEvent),
		UnrecoverableError(errFatal),
		NetworkError(errNet),
		RequiredDisconnect(),
		Stop(),
		Resume(),
		WebSocketEventLostTrigger(),
		{Kind: "SOMETHING_ELSE"},
	}
}

func TestApplyIsTotal(t *testing.T) {
	for _, s := range allStates() {
		for _, tr := range allTriggers() {
			t.Run(string(s.Kind)+"/"+string(tr.Kind), func(t *testing.T) {
				got := Apply(s, tr)
				if got.Kind == "" {
					t.Fatalf("Apply returned a state without kind")
				}
			})
		}
	}
}

func TestApplyTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		tr   Trigger
		want State
	}{
		{"network lost while connected", Connected(connEvent), NetworkNotAvailableTrigger(), NetworkDisconnected()},
		{"network lost while stopped", Stopped(), NetworkNotAvailableTrigger(), Stopped()},
		{"network lost after disconnect", DisconnectedByRequest(), NetworkNotAvailableTrigger(), DisconnectedByRequest()},
		{"network lost after fatal", DisconnectedPermanently(errFatal), NetworkNotAvailableTrigger(), DisconnectedPermanently(errFatal)},
		{"network back", NetworkDisconnected(), NetworkAvailableTrigger(), RestartConnection(NetworkAvailable)},
		{"network back while connected", Connected(connEvent), NetworkAvailableTrigger(), Connected(connEvent)},
		{"required disconnect", Connected(connEvent), RequiredDisconnect(), DisconnectedByRequest()},
		{"required disconnect when stopped", Stopped(), RequiredDisconnect(), DisconnectedByRequest()},
		{"stop", Connected(connEvent), Stop(), Stopped()},
		{"stop after disconnect", DisconnectedByRequest(), Stop(), DisconnectedByRequest()},
		{"stop after fatal", DisconnectedPermanently(errFatal), Stop(), DisconnectedPermanently(errFatal)},
		{"resume", Stopped(), Resume(), RestartConnection(LifecycleResume)},
		{"resume while offline", NetworkDisconnected(), Resume(), NetworkDisconnected()},
		{"resume while connected", Connected(connEvent), Resume(), Connected(connEvent)},
		{"event lost", Connected(connEvent), WebSocketEventLostTrigger(), WebSocketEventLost()},
		{"event lost while connecting", Connecting(testCfg, InitialConnection), WebSocketEventLostTrigger(), WebSocketEventLost()},
		{"event lost while stopped", Stopped(), WebSocketEventLostTrigger(), Stopped()},
		{"event lost while offline", NetworkDisconnected(), WebSocketEventLostTrigger(), NetworkDisconnected()},
		{"connect", Stopped(), Connect(testCfg), Connecting(testCfg, InitialConnection)},
		{"connect while connected", Connected(connEvent), Connect(testCfg), Connected(connEvent)},
		{"connect after disconnect", DisconnectedByRequest(), Connect(testCfg), Connecting(testCfg, InitialConnection)},
		{"auto reconnect", DisconnectedTemporarily(errNet), Reconnect(testCfg, false), Connecting(testCfg, AutomaticReconnection)},
		{"auto reconnect after disconnect", DisconnectedByRequest(), Reconnect(testCfg, false), DisconnectedByRequest()},
		{"auto reconnect after fatal", DisconnectedPermanently(errFatal), Reconnect(testCfg, false), DisconnectedPermanently(errFatal)},
		{"force reconnect after disconnect", DisconnectedByRequest(), Reconnect(testCfg, true), Connecting(testCfg, ForceReconnection)},
		{"force reconnect after fatal", DisconnectedPermanently(errFatal), Reconnect(testCfg, true), Connecting(testCfg, ForceReconnection)},
		{"force reconnect while connected", Connected(connEvent), Reconnect(testCfg, true), Connected(connEvent)},
		{"established", Connecting(testCfg, InitialConnection), ConnectionEstablished(connEvent), Connected(connEvent)},
		{"established while stopped", Stopped(), ConnectionEstablished(connEvent), Stopped()},
		{"established after disconnect", DisconnectedByRequest(), ConnectionEstablished(connEvent), DisconnectedByRequest()},
		{"unrecoverable", Connecting(testCfg, InitialConnection), UnrecoverableError(errFatal), DisconnectedPermanently(errFatal)},
		{"unrecoverable when stopped", Stopped(), UnrecoverableError(errFatal), Stopped()},
		{"network error", Connected(connEvent), NetworkError(errNet), DisconnectedTemporarily(errNet)},
		{"network error after disconnect", DisconnectedByRequest(), NetworkError(errNet), DisconnectedByRequest()},
		{"unknown trigger", Connected(connEvent), Trigger{Kind: "BOGUS"}, Connected(connEvent)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.from, tt.tr)
			if !got.Equal(tt.want) {
				t.Errorf("Apply(%s, %s) = %s, want %s", tt.from, tt.tr.Kind, got, tt.want)
			}
		})
	}
}

func TestApplyFullTable(t *testing.T) {
	var same State
	var (
		connecting = Connecting(testCfg, InitialConnection)
		auto       = Connecting(testCfg, AutomaticReconnection)
		force      = Connecting(testCfg, ForceReconnection)
		restartNet = RestartConnection(NetworkAvailable)
		resume     = RestartConnection(LifecycleResume)
		conn       = Connected(connEvent)
		perm       = DisconnectedPermanently(errFatal)
		temp       = DisconnectedTemporarily(errNet)
		offline    = NetworkDisconnected()
		byReq      = DisconnectedByRequest()
		stopped    = Stopped()
		lost       = WebSocketEventLost()
	)
	// Columns follow allTriggers: connect, reconnect, forced reconnect,
	// network available, network not available, established, unrecoverable,
	// network error, required disconnect, stop, resume, event lost.
	table := []struct {
		from State
		want []State
	}{
		{Stopped(), []State{connecting, auto, force, same, same, same, same, same, byReq, stopped, resume, same}},
		{NetworkDisconnected(), []State{connecting, auto, force, restartNet, offline, conn, perm, temp, byReq, stopped, same, same}},
		{WebSocketEventLost(), []State{connecting, auto, force, same, offline, conn, perm, temp, byReq, stopped, same, lost}},
		{DisconnectedByRequest(), []State{connecting, same, force, same, same, same, same, same, byReq, same, same, same}},
		{DisconnectedTemporarily(errNet), []State{connecting, auto, force, same, offline, conn, perm, temp, byReq, stopped, same, lost}},
		{DisconnectedPermanently(errFatal), []State{connecting, same, force, same, same, conn, perm, temp, byReq, same, same, same}},
		{Connecting(testCfg, InitialConnection), []State{connecting, auto, force, same, offline, conn, perm, temp, byReq, stopped, same, lost}},
		{RestartConnection(LifecycleResume), []State{connecting, auto, force, same, offline, conn, perm, temp, byReq, stopped, same, lost}},
		{Connected(connEvent), []State{same, same, same, same, offline, conn, perm, temp, byReq, stopped, same, lost}},
	}

	triggers := allTriggers()
	if len(table) != len(allStates()) {
		t.Fatalf("table has %d rows, want one per state (%d)", len(table), len(allStates()))
	}
	for _, row := range table {
		if len(row.want) != len(triggers)-1 {
			t.Fatalf("%s: %d columns, want %d", row.from.Kind, len(row.want), len(triggers)-1)
		}
		for i, tr := range triggers {
			name := string(row.from.Kind) + "/" + string(tr.Kind)
			if tr.Kind == TriggerReconnect && tr.Force {
				name += "(force)"
			}
			t.Run(name, func(t *testing.T) {
				want := row.from
				if i < len(row.want) && row.want[i].Kind != "" {
					want = row.want[i]
				}
				if got := Apply(row.from, tr); !got.Equal(want) {
					t.Errorf("Apply(%s, %s) = %s, want %s", row.from, tr.Kind, got, want)
				}
			})
		}
	}
}

func TestDisconnectedByRequestIsSticky(t *testing.T) {
	for _, tr := range allTriggers() {
		if tr.Kind == TriggerConnect || (tr.Kind == TriggerReconnect && tr.Force) || tr.Kind == TriggerRequiredDisconnect {
			continue
		}
		got := Apply(DisconnectedByRequest(), tr)
		if !got.Equal(DisconnectedByRequest()) {
			t.Errorf("Apply(DisconnectedByRequest, %s) = %s, want unchanged", tr.Kind, got)
		}
	}
}

func TestForceReconnectOverridesEveryDisconnect(t *testing.T) {
	for _, s := range allStates() {
		if s.Kind == KindConnected {
			continue
		}
		got := Apply(s, Reconnect(testCfg, true))
		want := Connecting(testCfg, ForceReconnection)
		if !got.Equal(want) {
			t.Errorf("Apply(%s, force reconnect) = %s, want %s", s, got, want)
		}
	}
}

// Scenario: established connection, network drops, network returns.
func TestNetworkFlapScenario(t *testing.T) {
	s := Connected(connEvent)
	s = Apply(s, NetworkNotAvailableTrigger())
	if s.Kind != KindNetworkDisconnected {
		t.Fatalf("after network loss: %s", s)
	}
	s = Apply(s, NetworkAvailableTrigger())
	if want := RestartConnection(NetworkAvailable); !s.Equal(want) {
		t.Fatalf("after network return: %s, want %s", s, want)
	}
}

func TestEqual(t *testing.T) {
	a := DisconnectedTemporarily(errors.New("x"))
	b := DisconnectedTemporarily(errors.New("x"))
	if !a.Equal(b) {
		t.Error("errors with equal messages should compare equal")
	}
	if a.Equal(DisconnectedTemporarily(errors.New("y"))) {
		t.Error("different errors should not compare equal")
	}
	if a.Equal(DisconnectedTemporarily(nil)) {
		t.Error("nil and non-nil errors should not compare equal")
	}
	if Connecting(testCfg, InitialConnection).Equal(Connecting(testCfg, ForceReconnection)) {
		t.Error("connection type must participate in equality")
	}
}

func TestConnectingCarriesConfig(t *testing.T) {
	got := Apply(Stopped(), Connect(testCfg))
	if diff := cmp.Diff(testCfg, got.Config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
