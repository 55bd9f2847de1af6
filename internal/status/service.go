package status

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/metrics"
)

// Service holds the current connection state and applies triggers to it.
// Writers are serialized; readers get a snapshot.
type Service struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates a service starting in Stopped.
func NewService(b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		current: Stopped(),
		bus:     b,
		logger:  logger,
		metrics: m,
	}
}

// Current returns the current state.
func (s *Service) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Fire applies t and reports whether the state changed.
func (s *Service) Fire(t Trigger) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.current
	to := Apply(from, t)
	if to.Equal(from) {
		s.logger.Debug("cannot handle trigger in state",
			zap.String("trigger", string(t.Kind)),
			zap.Stringer("state", from),
		)
		return from, false
	}
	s.current = to
	s.logger.Info("socket state changed",
		zap.String("trigger", string(t.Kind)),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	s.metrics.StateTransition(string(from.Kind), string(to.Kind))
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSocketStateChanged,
			Timestamp: time.Now(),
			Payload: StateChange{
				From:    from,
				To:      to,
				Trigger: t.Kind,
			},
		})
	}
	return to, true
}

func (s *Service) OnConnect(cfg ConnectionConfig) { s.Fire(Connect(cfg)) }

func (s *Service) OnReconnect(cfg ConnectionConfig, force bool) { s.Fire(Reconnect(cfg, force)) }

func (s *Service) OnNetworkAvailable() { s.Fire(NetworkAvailableTrigger()) }

func (s *Service) OnNetworkNotAvailable() { s.Fire(NetworkNotAvailableTrigger()) }

func (s *Service) OnConnectionEstablished(ev *events.Connected) { s.Fire(ConnectionEstablished(ev)) }

func (s *Service) OnUnrecoverableError(err error) { s.Fire(UnrecoverableError(err)) }

func (s *Service) OnNetworkError(err error) { s.Fire(NetworkError(err)) }

func (s *Service) OnRequiredDisconnect() { s.Fire(RequiredDisconnect()) }

func (s *Service) OnStop() { s.Fire(Stop()) }

func (s *Service) OnResume() { s.Fire(Resume()) }

func (s *Service) OnWebSocketEventLost() { s.Fire(WebSocketEventLostTrigger()) }

// StateChange is the payload of socket.state_changed events.
type StateChange struct {
	From    State
	To      State
	Trigger TriggerKind
}
