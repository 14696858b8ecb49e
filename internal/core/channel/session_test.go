package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsync/oddsync/internal/core/observability/log"
)

// fakeConn records sends and can be told to fail or die on demand.
type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	sendCalls int
	callTimes []time.Time
	failSend  atomic.Bool
	closed    bool
	done      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	c.callTimes = append(c.callTimes, time.Now())
	if c.failSend.Load() {
		return errors.New("transmit refused")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

func (c *fakeConn) callTime(i int) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callTimes[i]
}

func (c *fakeConn) sentAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i]
}

// fakeTransport hands out fakeConns and can fail the next N dials.
type fakeTransport struct {
	mu        sync.Mutex
	conns     []*fakeConn
	dials     int
	failDials int
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failDials > 0 {
		t.failDials--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) setFailDials(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failDials = n
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         2 * time.Millisecond,
		MaxDelay:          20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newTestSession(transport *fakeTransport) *Session {
	return NewSession(transport, "wss://example.test/feed", testPolicy(), time.Second, log.Nop())
}

func TestSession_ConnectReachesOpen(t *testing.T) {
	transport := &fakeTransport{}
	session := newTestSession(transport)
	defer session.Close()

	var opened atomic.Bool
	session.OnOpen(func() { opened.Store(true) })

	assert.Equal(t, StateClosed, session.State())

	session.Connect()

	require.Eventually(t, session.IsOpen, time.Second, 5*time.Millisecond,
		"session should reach open")
	assert.True(t, opened.Load(), "open observer should fire")
	assert.Equal(t, 1, transport.dialCount())
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	session := newTestSession(transport)
	defer session.Close()

	session.Connect()
	session.Connect()
	session.Connect()

	require.Eventually(t, session.IsOpen, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, transport.dialCount(), "repeat Connect calls should not redial")
}

func TestSession_SendOnlyWhileOpen(t *testing.T) {
	transport := &fakeTransport{}
	session := newTestSession(transport)
	defer session.Close()

	assert.False(t, session.Send([]byte("early")), "send before connect should fail")

	session.Connect()
	require.Eventually(t, session.IsOpen, time.Second, 5*time.Millisecond)

	assert.True(t, session.Send([]byte("hello")))
	assert.Equal(t, 1, transport.lastConn().sentCount())

	metrics := session.Metrics()
	assert.Equal(t, uint64(1), metrics.MessagesSent)
	assert.Equal(t, uint64(5), metrics.BytesSent)
}

func TestSession_ReconnectsAfterConnectionLoss(t *testing.T) {
	transport := &fakeTransport{}
	session := newTestSession(transport)
	defer session.Close()

	var closes atomic.Int32
	session.OnClose(func() { closes.Add(1) })

	session.Connect()
	require.Eventually(t, session.IsOpen, time.Second, 5*time.Millisecond)

	first := transport.lastConn()
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return transport.dialCount() == 2 && session.IsOpen()
	}, time.Second, 5*time.Millisecond, "session should redial after the connection dies")

	assert.Equal(t, int32(1), closes.Load())
	assert.NotSame(t, first, transport.lastConn())
	assert.Equal(t, uint64(1), session.Metrics().Disconnects)
}

func TestSession_RetriesFailedDials(t *testing.T) {
	transport := &fakeTransport{failDials: 2}
	session := newTestSession(transport)
	defer session.Close()

	var dialErrs atomic.Int32
	session.OnError(func(error) { dialErrs.Add(1) })

	session.Connect()

	require.Eventually(t, session.IsOpen, time.Second, 5*time.Millisecond,
		"session should keep dialing through failures")
	assert.Equal(t, 3, transport.dialCount())
	assert.Equal(t, int32(2), dialErrs.Load())
	assert.Equal(t, uint64(2), session.Metrics().DialFailures)
}

func TestSession_CloseCancelsReconnect(t *testing.T) {
	transport := &fakeTransport{failDials: 1000}
	session := newTestSession(transport)

	session.Connect()

	require.Eventually(t, func() bool {
		return transport.dialCount() >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, session.Close())

	// Let any dial already in flight at teardown time drain.
	time.Sleep(20 * time.Millisecond)
	settled := transport.dialCount()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, transport.dialCount(), "no redials after teardown")
	assert.False(t, session.Send([]byte("late")), "send after teardown should fail")

	session.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, transport.dialCount(), "Connect after teardown is a no-op")
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	session := newTestSession(transport)

	session.Connect()
	require.Eventually(t, session.IsOpen, time.Second, 5*time.Millisecond)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	assert.Equal(t, StateClosed, session.State())
}
