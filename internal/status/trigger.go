package status

import (
	"slices"

	"github.com/matheus3301/chatkit/internal/events"
)

// TriggerKind names an input to the state machine.
type TriggerKind string

const (
	TriggerConnect               TriggerKind = "CONNECT"
	TriggerReconnect             TriggerKind = "RECONNECT"
	TriggerNetworkAvailable      TriggerKind = "NETWORK_AVAILABLE"
	TriggerNetworkNotAvailable   TriggerKind = "NETWORK_NOT_AVAILABLE"
	TriggerConnectionEstablished TriggerKind = "CONNECTION_ESTABLISHED"
	TriggerUnrecoverableError    TriggerKind = "UNRECOVERABLE_ERROR"
	TriggerNetworkError          TriggerKind = "NETWORK_ERROR"
	TriggerRequiredDisconnect    TriggerKind = "REQUIRED_DISCONNECT"
	TriggerStop                  TriggerKind = "STOP"
	TriggerResume                TriggerKind = "RESUME"
	TriggerWebSocketEventLost    TriggerKind = "WEB_SOCKET_EVENT_LOST"
)

// Trigger is an input to Apply. Only the fields relevant to Kind are set.
type Trigger struct {
	Kind   TriggerKind
	Config ConnectionConfig
	Force  bool
	Event  *events.Connected
	Err    error
}

func Connect(cfg ConnectionConfig) Trigger { return Trigger{Kind: TriggerConnect, Config: cfg} }
func Reconnect(cfg ConnectionConfig, force bool) Trigger {
	return Trigger{Kind: TriggerReconnect, Config: cfg, Force: force}
}
func NetworkAvailableTrigger() Trigger { return Trigger{Kind: TriggerNetworkAvailable} }
func NetworkNotAvailableTrigger() Trigger { return Trigger{Kind: TriggerNetworkNotAvailable} }
func ConnectionEstablished(ev *events.Connected) Trigger {
	return Trigger{Kind: TriggerConnectionEstablished, Event: ev}
}
func UnrecoverableError(err error) Trigger { return Trigger{Kind: TriggerUnrecoverableError, Err: err} }
func NetworkError(err error) Trigger { return Trigger{Kind: TriggerNetworkError, Err: err} }
func RequiredDisconnect() Trigger { return Trigger{Kind: TriggerRequiredDisconnect} }
func Stop() Trigger { return Trigger{Kind: TriggerStop} }
func Resume() Trigger { return Trigger{Kind: TriggerResume} }
func WebSocketEventLostTrigger() Trigger { return Trigger{Kind: TriggerWebSocketEventLost} }

// rule maps a trigger to its target state for the current states it accepts.
type rule struct {
	accepts func(State, Trigger) bool
	next    func(State, Trigger) State
}

func except(kinds ...Kind) func(State, Trigger) bool {
	return func(s State, _ Trigger) bool { return !slices.Contains(kinds, s.Kind) }
}

func only(kinds ...Kind) func(State, Trigger) bool {
	return func(s State, _ Trigger) bool { return slices.Contains(kinds, s.Kind) }
}

func to(st State) func(State, Trigger) State {
	return func(State, Trigger) State { return st }
}

var rules = map[TriggerKind]rule{
	TriggerNetworkNotAvailable: {
		accepts: except(KindStopped, KindDisconnectedByRequest, KindDisconnectedPermanently),
		next:    to(NetworkDisconnected()),
	},
	TriggerNetworkAvailable: {
		accepts: only(KindNetworkDisconnected),
		next:    to(RestartConnection(NetworkAvailable)),
	},
	TriggerRequiredDisconnect: {
		accepts: except(),
		next:    to(DisconnectedByRequest()),
	},
	TriggerStop: {
		accepts: except(KindDisconnectedByRequest, KindDisconnectedPermanently),
		next:    to(Stopped()),
	},
	TriggerResume: {
		accepts: only(KindStopped),
		next:    to(RestartConnection(LifecycleResume)),
	},
	TriggerWebSocketEventLost: {
		accepts: except(KindStopped, KindNetworkDisconnected, KindDisconnectedByRequest, KindDisconnectedPermanently),
		next:    to(WebSocketEventLost()),
	},
	TriggerConnect: {
		accepts: except(KindConnected),
		next: func(_ State, t Trigger) State {
			return Connecting(t.Config, InitialConnection)
		},
	},
	TriggerReconnect: {
		accepts: func(s State, t Trigger) bool {
			if t.Force {
				return s.Kind != KindConnected
			}
			return !slices.Contains([]Kind{KindConnected, KindDisconnectedByRequest, KindDisconnectedPermanently}, s.Kind)
		},
		next: func(_ State, t Trigger) State {
			if t.Force {
				return Connecting(t.Config, ForceReconnection)
			}
			return Connecting(t.Config, AutomaticReconnection)
		},
	},
	TriggerConnectionEstablished: {
		accepts: except(KindStopped, KindDisconnectedByRequest),
		next: func(_ State, t Trigger) State {
			return Connected(t.Event)
		},
	},
	TriggerUnrecoverableError: {
		accepts: except(KindStopped, KindDisconnectedByRequest),
		next: func(_ State, t Trigger) State {
			return DisconnectedPermanently(t.Err)
		},
	},
	TriggerNetworkError: {
		accepts: except(KindStopped, KindDisconnectedByRequest),
		next: func(_ State, t Trigger) State {
			return DisconnectedTemporarily(t.Err)
		},
	},
}

// Apply returns the state reached from current on t. Pairs without a rule
// leave the state unchanged.
func Apply(current State, t Trigger) State {
	r, ok := rules[t.Kind]
	if !ok || !r.accepts(current, t) {
		return current
	}
	return r.next(current, t)
}
