package channel

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oddsync/oddsync/internal/core/observability/log"
)

// SessionState represents the current state of a transport session.
type SessionState int32

const (
	StateClosed SessionState = iota
	StateConnecting
	StateOpen
)

func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// SessionMetrics is a point-in-time snapshot of session counters.
type SessionMetrics struct {
	MessagesSent uint64
	BytesSent    uint64
	DialFailures uint64
	Disconnects  uint64
}

// Session owns one live connection at a time. It reports lifecycle
// transitions to observers and re-establishes the connection with backoff
// after any failure, until torn down.
type Session struct {
	transport      Transport
	endpoint       string
	policy         RetryPolicy
	connectTimeout time.Duration
	logger         log.Log

	mu             sync.Mutex
	state          SessionState
	conn           Conn
	connAttempts   int
	reconnectTimer *time.Timer
	closed         bool

	onOpen  []func()
	onClose []func()
	onError []func(error)

	// Metrics
	messagesSent uint64
	bytesSent    uint64
	dialFailures uint64
	disconnects  uint64
}

// NewSession creates a session for the endpoint. It does not dial until
// Connect is called.
func NewSession(transport Transport, endpoint string, policy RetryPolicy, connectTimeout time.Duration, logger log.Log) *Session {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConfig().ConnectTimeout
	}
	return &Session{
		transport:      transport,
		endpoint:       endpoint,
		policy:         policy,
		connectTimeout: connectTimeout,
		logger:         logger.With(log.String("component", "session")),
	}
}

// OnOpen registers an observer invoked each time the session reaches Open.
func (s *Session) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = append(s.onOpen, fn)
}

// OnClose registers an observer invoked each time an open connection is lost.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// OnError registers an observer for dial failures.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether the session currently holds a live connection.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// Connect starts dialing. Idempotent: a no-op while already connecting or
// open, and after teardown.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed || s.state != StateClosed {
		s.mu.Unlock()
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	go s.dial()
}

func (s *Session) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	defer cancel()

	s.logger.Debug("dialing", log.String("endpoint", s.endpoint))
	conn, err := s.transport.Dial(ctx, s.endpoint)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		atomic.AddUint64(&s.dialFailures, 1)
		s.state = StateClosed
		attempt := s.connAttempts
		s.scheduleReconnectLocked()
		errFns := slices.Clone(s.onError)
		s.mu.Unlock()

		s.logger.Warn("dial failed",
			log.String("endpoint", s.endpoint),
			log.Int("attempt", attempt),
			log.Error(err))
		for _, fn := range errFns {
			fn(err)
		}
		return
	}

	s.conn = conn
	s.state = StateOpen
	s.connAttempts = 0
	openFns := slices.Clone(s.onOpen)
	s.mu.Unlock()

	s.logger.Info("session open", log.String("endpoint", s.endpoint))
	go s.watch(conn)
	for _, fn := range openFns {
		fn()
	}
}

// watch waits for the connection to die and drives the close transition.
func (s *Session) watch(conn Conn) {
	<-conn.Done()

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateClosed
	atomic.AddUint64(&s.disconnects, 1)
	s.scheduleReconnectLocked()
	closeFns := slices.Clone(s.onClose)
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn("connection lost", log.String("endpoint", s.endpoint))
	for _, fn := range closeFns {
		fn()
	}
}

// scheduleReconnectLocked arms the reconnect timer using the connection
// attempt counter, then increments it. Caller holds the mutex.
func (s *Session) scheduleReconnectLocked() {
	delay := s.policy.Delay(s.connAttempts)
	s.connAttempts++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, s.Connect)
	s.logger.Debug("reconnect scheduled",
		log.Duration("delay", delay),
		log.Int("attempt", s.connAttempts))
}

// Send transmits data over the live connection. It returns true only when
// the session is open and the write succeeds; it never blocks on retries
// and never panics.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	conn := s.conn
	open := !s.closed && s.state == StateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return false
	}

	if err := conn.Send(data); err != nil {
		s.logger.Debug("send failed", log.Error(err))
		return false
	}

	atomic.AddUint64(&s.messagesSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(len(data)))
	return true
}

// Close tears the session down: the pending reconnect timer is cancelled,
// the connection released, and no further reconnects happen. Subsequent
// Send calls return false.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.logger.Info("session closed", log.String("endpoint", s.endpoint))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Metrics returns a snapshot of the session counters.
func (s *Session) Metrics() SessionMetrics {
	return SessionMetrics{
		MessagesSent: atomic.LoadUint64(&s.messagesSent),
		BytesSent:    atomic.LoadUint64(&s.bytesSent),
		DialFailures: atomic.LoadUint64(&s.dialFailures),
		Disconnects:  atomic.LoadUint64(&s.disconnects),
	}
}
