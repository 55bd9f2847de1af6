// Package status implements the socket connection state machine.
package status

import (
	"fmt"

	"github.com/matheus3301/chatkit/internal/events"
)

// Kind tags the variant of a State.
type Kind string

const (
	KindStopped                 Kind = "DISCONNECTED_STOPPED"
	KindNetworkDisconnected     Kind = "DISCONNECTED_NETWORK"
	KindWebSocketEventLost      Kind = "DISCONNECTED_EVENT_LOST"
	KindDisconnectedByRequest   Kind = "DISCONNECTED_BY_REQUEST"
	KindDisconnectedTemporarily Kind = "DISCONNECTED_TEMPORARILY"
	KindDisconnectedPermanently Kind = "DISCONNECTED_PERMANENTLY"
	KindConnecting              Kind = "CONNECTING"
	KindRestartConnection       Kind = "RESTART_CONNECTION"
	KindConnected               Kind = "CONNECTED"
)

// ConnectionType says why a Connecting state was entered.
type ConnectionType string

const (
	InitialConnection     ConnectionType = "INITIAL_CONNECTION"
	AutomaticReconnection ConnectionType = "AUTOMATIC_RECONNECTION"
	ForceReconnection     ConnectionType = "FORCE_RECONNECTION"
)

// RestartReason says why a RestartConnection state was entered.
type RestartReason string

const (
	LifecycleResume  RestartReason = "LIFECYCLE_RESUME"
	NetworkAvailable RestartReason = "NETWORK_AVAILABLE"
)

// ConnectionConfig is what the transport needs to open a socket.
type ConnectionConfig struct {
	URL            string
	APIKey         string
	UserID         string
	UserName       string
	Token          string
	IsReconnection bool
}

// State is one of the connection states. Only the fields relevant to Kind
// are set.
type State struct {
	Kind   Kind
	Err    error
	Config ConnectionConfig
	Type   ConnectionType
	Reason RestartReason
	Event  *events.Connected
}

func Stopped() State { return State{Kind: KindStopped} }
func NetworkDisconnected() State { return State{Kind: KindNetworkDisconnected} }
func WebSocketEventLost() State { return State{Kind: KindWebSocketEventLost} }
func DisconnectedByRequest() State { return State{Kind: KindDisconnectedByRequest} }
func DisconnectedTemporarily(err error) State {
	return State{Kind: KindDisconnectedTemporarily, Err: err}
}
func DisconnectedPermanently(err error) State {
	return State{Kind: KindDisconnectedPermanently, Err: err}
}
func Connecting(cfg ConnectionConfig, typ ConnectionType) State {
	return State{Kind: KindConnecting, Config: cfg, Type: typ}
}
func RestartConnection(reason RestartReason) State {
	return State{Kind: KindRestartConnection, Reason: reason}
}
func Connected(ev *events.Connected) State {
	return State{Kind: KindConnected, Event: ev}
}

// Equal reports value equality. Errors compare by message.
func (s State) Equal(o State) bool {
	if s.Kind != o.Kind || s.Config != o.Config || s.Type != o.Type || s.Reason != o.Reason || s.Event != o.Event {
		return false
	}
	if (s.Err == nil) != (o.Err == nil) {
		return false
	}
	return s.Err == nil || s.Err.Error() == o.Err.Error()
}

// IsDisconnected reports whether s is one of the disconnected variants.
func (s State) IsDisconnected() bool {
	switch s.Kind {
	case KindStopped, KindNetworkDisconnected, KindWebSocketEventLost,
		KindDisconnectedByRequest, KindDisconnectedTemporarily, KindDisconnectedPermanently:
		return true
	}
	return false
}

func (s State) String() string {
	switch s.Kind {
	case KindConnecting:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Type)
	case KindRestartConnection:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	case KindDisconnectedTemporarily, KindDisconnectedPermanently:
		if s.Err != nil {
			return fmt.Sprintf("%s(%v)", s.Kind, s.Err)
		}
	}
	return string(s.Kind)
}
