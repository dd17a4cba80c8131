package livesync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

type LifecycleKind string

const (
	LifecycleConnect          LifecycleKind = "connect"
	LifecycleDisconnect       LifecycleKind = "disconnect"
	LifecycleConnectError     LifecycleKind = "connect_error"
	LifecycleReconnectAttempt LifecycleKind = "reconnect_attempt"
	LifecycleReconnect        LifecycleKind = "reconnect"
	LifecycleReconnectFailed  LifecycleKind = "reconnect_failed"
)

// Lifecycle is one connection signal delivered to lifecycle listeners.
type Lifecycle struct {
	Kind      LifecycleKind
	Reason    string
	Attempt   int
	Transport string
	Err       error
	At        time.Time
}

type ConnectionState struct {
	Connected            bool
	LastDisconnectReason *string
	Transport            string
	UpdatedAt            time.Time
}

type ConnectionOptions struct {
	Transports          []Transport
	ReconnectAttempts   int
	ReconnectDelay      time.Duration
	ReconnectDelayMax   time.Duration
	RandomizationFactor float64
	ConnectTimeout      time.Duration
	Logger              zerolog.Logger
	Metrics             *Metrics
}

// ConnectionManager owns the push channel for one session. Events and
// lifecycle signals are delivered on a single goroutine in arrival order;
// listeners must not call Connect or Disconnect synchronously.
type ConnectionManager struct {
	transports     []Transport
	attempts       int
	delay          time.Duration
	delayMax       time.Duration
	randomization  float64
	connectTimeout time.Duration
	logger         zerolog.Logger
	metrics        *Metrics

	opMu sync.Mutex

	mu                sync.Mutex
	state             ConnectionState
	sessionKey        string
	cancel            context.CancelFunc
	done              chan struct{}
	eventHandlers     map[string][]func(Event)
	lifecycleHandlers []func(Lifecycle)
}

func NewConnectionManager(opts ConnectionOptions) (*ConnectionManager, error) {
	if len(opts.Transports) == 0 {
		return nil, fmt.Errorf("at least one transport is required")
	}
	attempts := opts.ReconnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	delayMax := opts.ReconnectDelayMax
	if delayMax <= 0 {
		delayMax = 10 * time.Second
	}
	if delayMax < delay {
		delayMax = delay
	}
	randomization := opts.RandomizationFactor
	if randomization < 0 || randomization > 1 {
		randomization = 0.5
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 20 * time.Second
	}
	return &ConnectionManager{
		transports:     opts.Transports,
		attempts:       attempts,
		delay:          delay,
		delayMax:       delayMax,
		randomization:  randomization,
		connectTimeout: connectTimeout,
		logger:         opts.Logger.With().Str("component", "connection").Logger(),
		metrics:        opts.Metrics,
		eventHandlers:  map[string][]func(Event){},
	}, nil
}

// OnEvent registers fn for events with the given name; "*" matches every event.
func (m *ConnectionManager) OnEvent(name string, fn func(Event)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandlers[name] = append(m.eventHandlers[name], fn)
}

func (m *ConnectionManager) OnLifecycle(fn func(Lifecycle)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecycleHandlers = append(m.lifecycleHandlers, fn)
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.state
	if state.LastDisconnectReason != nil {
		reason := *state.LastDisconnectReason
		state.LastDisconnectReason = &reason
	}
	return state
}

func (m *ConnectionManager) Connected() bool {
	return m.State().Connected
}

// Connect opens the channel for the session. Calling it again for the same
// credential and user while the channel is alive does nothing; a different
// session replaces the running channel and keeps registered listeners.
func (m *ConnectionManager) Connect(credential, userID string) error {
	credential = strings.TrimSpace(credential)
	userID = strings.TrimSpace(userID)
	if credential == "" || userID == "" {
		return dashboard.ErrNotAuthenticated
	}
	key := userID + "\x00" + credential

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.sessionKey == key && m.running() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.stopLoop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.sessionKey = key
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.logger.Info().Str("user_id", userID).Msg("opening push channel")
	go m.run(ctx, credential, done)
	return nil
}

// Disconnect closes the channel intentionally and drops every listener.
func (m *ConnectionManager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	wasRunning := m.stopLoop()

	m.mu.Lock()
	m.sessionKey = ""
	m.eventHandlers = map[string][]func(Event){}
	m.lifecycleHandlers = nil
	if wasRunning && m.state.Connected {
		m.setDisconnectedLocked(ReasonClientDisconnect)
	}
	m.mu.Unlock()
	m.metrics.setConnected(false)
}

func (m *ConnectionManager) running() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *ConnectionManager) stopLoop() bool {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (m *ConnectionManager) run(ctx context.Context, credential string, done chan struct{}) {
	defer close(done)
	policy := m.newBackOff()
	attempt := 0
	for {
		conn, transport, err := m.open(ctx, credential)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setDisconnected(err.Error())
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("push channel connect error")
			m.emit(Lifecycle{Kind: LifecycleConnectError, Reason: err.Error(), Attempt: attempt, Err: err})
		} else {
			if attempt > 0 {
				m.logger.Info().Int("attempt", attempt).Msg("push channel reconnected")
				m.emit(Lifecycle{Kind: LifecycleReconnect, Attempt: attempt, Transport: transport})
			}
			attempt = 0
			policy.Reset()
			m.setConnected(transport)
			m.logger.Info().Str("transport", transport).Msg("push channel connected")
			m.emit(Lifecycle{Kind: LifecycleConnect, Transport: transport})

			reason, readErr := m.readLoop(ctx, conn)
			_ = conn.Close()
			m.setDisconnected(reason)
			m.logDisconnect(reason, readErr)
			m.emit(Lifecycle{Kind: LifecycleDisconnect, Reason: reason, Transport: transport, Err: readErr})
			if reason == ReasonServerDisconnect || reason == ReasonClientDisconnect || ctx.Err() != nil {
				return
			}
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			m.logger.Error().Int("attempts", m.attempts).Msg("push channel reconnection failed")
			m.emit(Lifecycle{Kind: LifecycleReconnectFailed, Attempt: attempt})
			return
		}
		if delay > m.delayMax {
			delay = m.delayMax
		}
		if err := waitWithContext(ctx, delay); err != nil {
			return
		}
		attempt++
		m.emit(Lifecycle{Kind: LifecycleReconnectAttempt, Attempt: attempt})
	}
}

func (m *ConnectionManager) logDisconnect(reason string, err error) {
	switch reason {
	case ReasonClientDisconnect:
		m.logger.Debug().Str("reason", reason).Msg("push channel closed")
	case ReasonServerDisconnect:
		m.logger.Warn().Str("reason", reason).Msg("push channel closed by server; not reconnecting")
	default:
		m.logger.Warn().Err(err).Str("reason", reason).Msg("push channel lost; reconnecting")
	}
}

func (m *ConnectionManager) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.delay
	policy.MaxInterval = m.delayMax
	policy.Multiplier = 2
	policy.RandomizationFactor = m.randomization
	policy.MaxElapsedTime = 0
	policy.Reset()
	return backoff.WithMaxRetries(policy, uint64(m.attempts))
}

func (m *ConnectionManager) open(ctx context.Context, credential string) (Conn, string, error) {
	var lastErr error
	for _, transport := range m.transports {
		dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		conn, err := transport.Open(dialCtx, credential)
		cancel()
		if err == nil {
			return conn, transport.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		m.logger.Debug().Err(err).Str("transport", transport.Name()).Msg("transport unavailable")
		lastErr = fmt.Errorf("%s: %w", transport.Name(), err)
	}
	return nil, "", lastErr
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn) (string, error) {
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonClientDisconnect, err
			}
			return disconnectReason(err), err
		}
		m.dispatch(ev)
	}
}

func (m *ConnectionManager) dispatch(ev Event) {
	m.mu.Lock()
	handlers := append([]func(Event){}, m.eventHandlers[ev.Name]...)
	handlers = append(handlers, m.eventHandlers["*"]...)
	m.mu.Unlock()
	if len(handlers) == 0 {
		m.logger.Debug().Str("event", ev.Name).Msg("no listener for push event")
	}
	for _, handler := range handlers {
		handler(ev)
	}
}

func (m *ConnectionManager) emit(signal Lifecycle) {
	signal.At = time.Now().UTC()
	m.metrics.observeLifecycle(signal.Kind)
	m.mu.Lock()
	handlers := append([]func(Lifecycle){}, m.lifecycleHandlers...)
	m.mu.Unlock()
	for _, handler := range handlers {
		handler(signal)
	}
}

func (m *ConnectionManager) setConnected(transport string) {
	m.mu.Lock()
	m.state = ConnectionState{Connected: true, Transport: transport, UpdatedAt: time.Now().UTC()}
	m.mu.Unlock()
	m.metrics.setConnected(true)
}

func (m *ConnectionManager) setDisconnected(reason string) {
	m.mu.Lock()
	m.setDisconnectedLocked(reason)
	m.mu.Unlock()
	m.metrics.setConnected(false)
}

func (m *ConnectionManager) setDisconnectedLocked(reason string) {
	m.state.Connected = false
	m.state.LastDisconnectReason = &reason
	m.state.UpdatedAt = time.Now().UTC()
}
