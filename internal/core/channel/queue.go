package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/oddsync/oddsync/internal/core/observability/log"
)

// EnqueueOption customizes a single enqueued message.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority    Priority
	endpoint    string
	maxAttempts int
}

// WithPriority sets the message priority. Defaults to medium.
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithEndpoint attaches a routing hint, used for diagnostics only.
func WithEndpoint(endpoint string) EnqueueOption {
	return func(o *enqueueOptions) { o.endpoint = endpoint }
}

// WithMaxAttempts overrides the retry ceiling for this message.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

type dedupeEntry struct {
	id   string
	seen time.Time
}

// Queue buffers outbound messages while the session is unavailable and
// drives dispatch, retry and eviction against one Session. It is the sole
// mutator of its Message entries.
type Queue[P any] struct {
	session *Session
	cfg     Config
	logger  log.Log

	mu       sync.Mutex
	entries  []*Message[P]
	seq      uint64
	paused   bool
	closed   bool
	sweeping bool

	// Owned cancellation handles, all keyed by message id except followUp.
	retryTimers  map[string]*time.Timer
	removeTimers map[string]*time.Timer
	followUp     *time.Timer

	recent map[uint64]dedupeEntry

	onQueueSizeChange  func(int)
	onConnectionChange func(bool)
}

// NewQueue creates a queue bound to the session. The session is not dialed;
// call Connect on it (or use Open) to start dispatching.
func NewQueue[P any](session *Session, cfg Config, logger log.Log) *Queue[P] {
	q := &Queue[P]{
		session:      session,
		cfg:          cfg.withDefaults(),
		logger:       logger.With(log.String("component", "queue")),
		retryTimers:  make(map[string]*time.Timer),
		removeTimers: make(map[string]*time.Timer),
		recent:       make(map[uint64]dedupeEntry),
	}

	session.OnOpen(func() {
		q.notifyConnection(true)
		q.Sweep()
	})
	session.OnClose(func() {
		q.notifyConnection(false)
	})

	return q
}

// Open wires a transport, session and queue together and starts connecting.
func Open[P any](transport Transport, cfg Config, logger log.Log) *Queue[P] {
	cfg = cfg.withDefaults()
	session := NewSession(transport, cfg.Endpoint, cfg.Retry, cfg.ConnectTimeout, logger)
	q := NewQueue[P](session, cfg, logger)
	session.Connect()
	return q
}

// Session exposes the underlying transport session.
func (q *Queue[P]) Session() *Session {
	return q.session
}

// OnQueueSizeChange registers the observer invoked after every mutation that
// changes the number of queued entries.
func (q *Queue[P]) OnQueueSizeChange(fn func(int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onQueueSizeChange = fn
}

// OnConnectionChange registers the observer invoked on session open/close.
func (q *Queue[P]) OnConnectionChange(fn func(bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onConnectionChange = fn
}

// Enqueue stores a message for dispatch and returns its id immediately. At
// capacity, the lowest-priority oldest entry is evicted silently first.
func (q *Queue[P]) Enqueue(msgType string, payload P, opts ...EnqueueOption) string {
	o := enqueueOptions{
		priority:    PriorityMedium,
		maxAttempts: q.cfg.Retry.MaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ""
	}

	var digest uint64
	if q.cfg.DedupeWindow > 0 {
		var ok bool
		digest, ok = payloadDigest(msgType, payload)
		if ok {
			if prev, hit := q.recent[digest]; hit && time.Since(prev.seen) < q.cfg.DedupeWindow {
				q.mu.Unlock()
				q.logger.Debug("duplicate suppressed",
					log.String("type", msgType),
					log.String("id", prev.id))
				return prev.id
			}
		} else {
			digest = 0
		}
	}

	m := &Message[P]{
		ID:          newMessageID(),
		Type:        msgType,
		Payload:     payload,
		Priority:    o.priority,
		Status:      StatusPending,
		MaxAttempts: o.maxAttempts,
		Timestamp:   time.Now(),
		Endpoint:    o.endpoint,
		seq:         q.seq,
	}
	q.seq++

	q.entries = append(q.entries, m)
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].Priority > q.entries[j].Priority
	})

	if len(q.entries) > q.cfg.MaxQueueSize {
		if victim := q.evictLocked(); victim == m.ID {
			// The newcomer was outranked by everything already queued.
			q.mu.Unlock()
			return ""
		}
	}

	if digest != 0 {
		q.recent[digest] = dedupeEntry{id: m.ID, seen: m.Timestamp}
		q.pruneRecentLocked(m.Timestamp)
	}

	size := len(q.entries)
	q.mu.Unlock()

	q.notifySize(size)
	q.Sweep()
	return m.ID
}

// evictLocked drops the oldest entry of the lowest priority class present
// and returns its id. Entries are kept sorted by priority, so the class
// occupies the tail and its first element is the oldest.
func (q *Queue[P]) evictLocked() string {
	low := q.entries[len(q.entries)-1].Priority
	i := len(q.entries) - 1
	for i > 0 && q.entries[i-1].Priority == low {
		i--
	}

	victim := q.entries[i]
	q.cancelMessageTimersLocked(victim.ID)
	q.entries = append(q.entries[:i], q.entries[i+1:]...)

	q.logger.Debug("evicted at capacity",
		log.String("id", victim.ID),
		log.String("priority", victim.Priority.String()))
	return victim.ID
}

func (q *Queue[P]) pruneRecentLocked(now time.Time) {
	for digest, entry := range q.recent {
		if now.Sub(entry.seen) >= q.cfg.DedupeWindow {
			delete(q.recent, digest)
		}
	}
}

// RemoveMessage deletes a message in any state. Unknown ids are a no-op, so
// a send resolving after removal is harmless.
func (q *Queue[P]) RemoveMessage(id string) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.cancelMessageTimersLocked(id)
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	size := len(q.entries)
	q.mu.Unlock()

	q.notifySize(size)
}

// RetryMessage puts a message back to pending, keeping its attempt count,
// and kicks a sweep. Only valid while the session is open; otherwise, and
// for unknown ids, it is a no-op.
func (q *Queue[P]) RetryMessage(id string) {
	q.mu.Lock()
	if q.closed || !q.session.IsOpen() {
		q.mu.Unlock()
		return
	}
	m := q.findLocked(id)
	if m == nil {
		q.mu.Unlock()
		return
	}
	m.Status = StatusPending
	m.Error = ""
	q.mu.Unlock()

	q.Sweep()
}

// ClearAll removes every queued message.
func (q *Queue[P]) ClearAll() {
	q.mu.Lock()
	for _, m := range q.entries {
		q.cancelMessageTimersLocked(m.ID)
	}
	q.entries = nil
	q.mu.Unlock()

	q.notifySize(0)
}

// ClearFailed removes every failed message.
func (q *Queue[P]) ClearFailed() {
	q.mu.Lock()
	kept := q.entries[:0]
	for _, m := range q.entries {
		if m.Status == StatusFailed {
			q.cancelMessageTimersLocked(m.ID)
			continue
		}
		kept = append(kept, m)
	}
	q.entries = kept
	size := len(q.entries)
	q.mu.Unlock()

	q.notifySize(size)
}

// Pause stops automatic dispatch. Enqueue and removal keep working; retry
// timers may still fire but their sends are suppressed until Resume.
func (q *Queue[P]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Debug("queue paused")
}

// Resume re-enables dispatch and sweeps immediately if the session is open.
func (q *Queue[P]) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Debug("queue resumed")
	q.Sweep()
}

// Paused reports whether automatic dispatch is suspended.
func (q *Queue[P]) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Size returns the number of queued entries.
func (q *Queue[P]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Messages returns a snapshot of the queue in dispatch order.
func (q *Queue[P]) Messages() []Message[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message[P], len(q.entries))
	for i, m := range q.entries {
		out[i] = *m
	}
	return out
}

// Get returns a snapshot of one message.
func (q *Queue[P]) Get(id string) (Message[P], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m := q.findLocked(id); m != nil {
		return *m, true
	}
	return Message[P]{}, false
}

// Close cancels every owned timer and tears down the session.
func (q *Queue[P]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for id, t := range q.retryTimers {
		t.Stop()
		delete(q.retryTimers, id)
	}
	for id, t := range q.removeTimers {
		t.Stop()
		delete(q.removeTimers, id)
	}
	if q.followUp != nil {
		q.followUp.Stop()
		q.followUp = nil
	}
	q.mu.Unlock()

	return q.session.Close()
}

// Sweep triggers an asynchronous dispatch pass. At most one sweep runs at a
// time; redundant triggers collapse into it.
func (q *Queue[P]) Sweep() {
	q.mu.Lock()
	if q.closed || q.paused || q.sweeping || !q.session.IsOpen() {
		q.mu.Unlock()
		return
	}
	q.sweeping = true
	q.mu.Unlock()

	go q.sweep()
}

func (q *Queue[P]) sweep() {
	batch := q.takeBatch()
	for i, m := range batch {
		if i > 0 {
			time.Sleep(q.cfg.InterMessageDelay)
		}
		q.dispatch(m)
	}

	q.mu.Lock()
	q.sweeping = false
	more := q.countDispatchableLocked() > 0 && !q.paused && !q.closed && q.session.IsOpen()
	if more {
		q.scheduleFollowUpLocked()
	}
	q.mu.Unlock()
}

// takeBatch selects up to BatchSize dispatchable messages in priority
// order and marks them retrying.
func (q *Queue[P]) takeBatch() []*Message[P] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.closed {
		return nil
	}

	var batch []*Message[P]
	for _, m := range q.entries {
		if m.Status != StatusPending && m.Status != StatusRetrying {
			continue
		}
		// A message with an armed retry timer is waiting out its backoff;
		// the timer puts it back in play when it fires.
		if _, waiting := q.retryTimers[m.ID]; waiting {
			continue
		}
		m.Status = StatusRetrying
		batch = append(batch, m)
		if len(batch) == q.cfg.BatchSize {
			break
		}
	}
	return batch
}

func (q *Queue[P]) countDispatchableLocked() int {
	n := 0
	for _, m := range q.entries {
		if m.Status != StatusPending && m.Status != StatusRetrying {
			continue
		}
		if _, waiting := q.retryTimers[m.ID]; waiting {
			continue
		}
		n++
	}
	return n
}

// dispatch attempts one send and folds the outcome back into the message.
func (q *Queue[P]) dispatch(m *Message[P]) {
	q.mu.Lock()
	// The send itself is guarded on pause state, not just the sweep
	// trigger, so a retry timer firing while paused requeues silently.
	if q.closed || q.paused {
		if m.Status == StatusRetrying {
			m.Status = StatusPending
		}
		q.mu.Unlock()
		return
	}
	if q.findLocked(m.ID) == nil {
		q.mu.Unlock()
		return
	}
	m.LastAttempt = time.Now()
	env := newEnvelope(m)
	q.mu.Unlock()

	data, err := env.Marshal()
	sent := false
	if err == nil {
		sent = q.session.Send(data)
	}

	q.mu.Lock()
	cur := q.findLocked(m.ID)
	if cur == nil {
		// Removed while the send was in flight.
		q.mu.Unlock()
		return
	}

	if sent {
		cur.Status = StatusSuccess
		cur.Error = ""
		q.scheduleRemovalLocked(cur.ID)
		q.mu.Unlock()
		q.logger.Debug("message sent", log.String("id", m.ID), log.String("type", m.Type))
		return
	}

	if cur.Attempts < cur.MaxAttempts {
		cur.Attempts++
	}
	if err != nil {
		cur.Error = fmt.Sprintf("%s: %s", ErrMarshalFailed, err)
	} else {
		cur.Error = "send failed: transport unavailable"
	}

	if cur.Attempts >= cur.MaxAttempts {
		cur.Status = StatusFailed
		cur.Error = fmt.Sprintf("gave up after %d attempts: %s", cur.Attempts, cur.Error)
		attempts := cur.Attempts
		q.mu.Unlock()
		q.logger.Warn("message failed",
			log.String("id", m.ID),
			log.String("type", m.Type),
			log.Int("attempts", attempts))
		return
	}

	cur.Status = StatusPending
	// The delay grows with the number of completed attempts: the first
	// retry waits the base delay.
	delay := q.cfg.Retry.Delay(cur.Attempts - 1)
	q.scheduleRetryLocked(cur.ID, delay)
	q.mu.Unlock()

	q.logger.Debug("retry scheduled",
		log.String("id", m.ID),
		log.Duration("delay", delay))
}

func (q *Queue[P]) scheduleRetryLocked(id string, delay time.Duration) {
	if t, ok := q.retryTimers[id]; ok {
		t.Stop()
	}
	q.retryTimers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryTimers, id)
		q.mu.Unlock()
		q.Sweep()
	})
}

func (q *Queue[P]) scheduleRemovalLocked(id string) {
	if t, ok := q.removeTimers[id]; ok {
		t.Stop()
	}
	q.removeTimers[id] = time.AfterFunc(q.cfg.SuccessGrace, func() {
		q.RemoveMessage(id)
	})
}

// scheduleFollowUpLocked arms one bounded-work continuation sweep.
func (q *Queue[P]) scheduleFollowUpLocked() {
	if q.followUp != nil {
		return
	}
	q.followUp = time.AfterFunc(q.cfg.FollowUpDelay, func() {
		q.mu.Lock()
		q.followUp = nil
		q.mu.Unlock()
		q.Sweep()
	})
}

func (q *Queue[P]) cancelMessageTimersLocked(id string) {
	if t, ok := q.retryTimers[id]; ok {
		t.Stop()
		delete(q.retryTimers, id)
	}
	if t, ok := q.removeTimers[id]; ok {
		t.Stop()
		delete(q.removeTimers, id)
	}
}

func (q *Queue[P]) indexLocked(id string) int {
	for i, m := range q.entries {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue[P]) findLocked(id string) *Message[P] {
	if i := q.indexLocked(id); i >= 0 {
		return q.entries[i]
	}
	return nil
}

func (q *Queue[P]) notifySize(size int) {
	q.mu.Lock()
	fn := q.onQueueSizeChange
	q.mu.Unlock()
	if fn != nil {
		fn(size)
	}
}

func (q *Queue[P]) notifyConnection(open bool) {
	q.mu.Lock()
	fn := q.onConnectionChange
	q.mu.Unlock()
	if fn != nil {
		fn(open)
	}
}

// payloadDigest hashes the message type and serialized payload for the
// dedupe window. The payload stays opaque; only its bytes are hashed.
func payloadDigest[P any](msgType string, payload P) (uint64, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, false
	}
	h := xxhash.New()
	_, _ = h.WriteString(msgType)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(raw)
	digest := h.Sum64()
	if digest == 0 {
		digest = 1
	}
	return digest, true
}
