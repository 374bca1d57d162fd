// ABOUTME: Request/response multiplexer for one agent connection.
// ABOUTME: Correlates pending exchanges by id and streams response bodies in order.

package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange errors
var (
	ErrTimeout      = errors.New("exchange timed out")
	ErrDisconnected = errors.New("agent disconnected")
	ErrReplaced     = errors.New("exchange replaced by a newer stream")
	ErrCanceled     = errors.New("exchange canceled")
)

// DefaultExchangeTimeout tolerates slow upstream generation before an
// exchange is abandoned.
const DefaultExchangeTimeout = 120 * time.Second

// NewExchangeID returns a fresh, unpredictable exchange identifier.
func NewExchangeID() string {
	return uuid.NewString()
}

// Result is a resolved exchange: the agent's status and headers plus a body
// stream that fills as data frames arrive.
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       *BodyStream
}

// BodyStream delivers body chunks in arrival order. Chunks that arrive before
// the consumer starts reading are buffered and replayed; the append and the
// read drain share one mutex, so the hand-off is a single atomic transition
// and chunks are never dropped or duplicated.
type BodyStream struct {
	mu     sync.Mutex
	chunks [][]byte
	done   bool
	err    error
	wake   chan struct{}
}

func newBodyStream() *BodyStream {
	return &BodyStream{wake: make(chan struct{})}
}

// Next returns the next chunk, blocking until one arrives. It returns io.EOF
// after the final chunk and the terminal error if the exchange failed.
// Buffered chunks drain before a terminal error is reported.
func (s *BodyStream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	for {
		if len(s.chunks) > 0 {
			chunk := s.chunks[0]
			s.chunks = s.chunks[1:]
			s.mu.Unlock()
			return chunk, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if s.done {
			s.mu.Unlock()
			return nil, io.EOF
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

func (s *BodyStream) push(chunk []byte, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.err != nil {
		return
	}
	if len(chunk) > 0 {
		c := make([]byte, len(chunk))
		copy(c, chunk)
		s.chunks = append(s.chunks, c)
	}
	if final {
		s.done = true
	}
	s.wakeLocked()
}

func (s *BodyStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.err != nil {
		return
	}
	s.err = err
	s.wakeLocked()
}

func (s *BodyStream) wakeLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Exchange is one pending logical HTTP exchange. Wait blocks until the agent
// resolves it with headers, the deadline fires, or it is canceled.
type Exchange struct {
	ID string

	dedupeKey string
	onCancel  func(reason string)
	timer     *time.Timer

	mu       sync.Mutex
	resolved bool
	canceled bool
	result   *Result
	err      error
	done     chan struct{}
}

// Wait blocks until the exchange resolves or fails.
func (e *Exchange) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

// resolve completes the exchange with a streamable result. Idempotent.
func (e *Exchange) resolve(statusCode int, headers map[string]string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resolved || e.canceled {
		return false
	}
	e.resolved = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.result = &Result{StatusCode: statusCode, Headers: headers, Body: newBodyStream()}
	close(e.done)
	return true
}

// fail marks the exchange canceled. An unresolved exchange fails its awaiter;
// a resolved one errors its open body stream. Returns false if the exchange
// already failed.
func (e *Exchange) fail(cause error) bool {
	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		return false
	}
	e.canceled = true
	if e.timer != nil {
		e.timer.Stop()
	}

	if e.resolved {
		body := e.result.Body
		e.mu.Unlock()
		body.fail(cause)
		return true
	}

	e.err = cause
	close(e.done)
	e.mu.Unlock()
	return true
}

// Mux correlates outbound request frames with inbound response and data
// frames for a single agent connection. Any number of exchanges may be in
// flight; frames are demultiplexed purely by id.
type Mux struct {
	mu        sync.Mutex
	exchanges map[string]*Exchange
	live      map[string]string // dedupe key -> live exchange id
	timeout   time.Duration
	logger    *slog.Logger
}

// NewMux creates a multiplexer with the given default exchange deadline.
func NewMux(timeout time.Duration, logger *slog.Logger) *Mux {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	return &Mux{
		exchanges: make(map[string]*Exchange),
		live:      make(map[string]string),
		timeout:   timeout,
		logger:    logger,
	}
}

// Open registers a pending exchange and starts its deadline timer. onCancel,
// if set, runs once when the exchange is canceled so the caller can tell the
// agent to stop producing. A non-empty dedupeKey makes this exchange the
// key's live entry, canceling any previous holder first.
func (m *Mux) Open(id string, timeout time.Duration, onCancel func(reason string), dedupeKey string) *Exchange {
	if timeout <= 0 {
		timeout = m.timeout
	}

	ex := &Exchange{
		ID:        id,
		dedupeKey: dedupeKey,
		onCancel:  onCancel,
		done:      make(chan struct{}),
	}

	// The eviction decision, the timer, and the map install share one
	// critical section: the timer is set before the exchange is reachable,
	// so every Cancel path observes it, and two racing Opens for the same
	// key cannot both install. Cancel takes the lock itself (and runs the
	// evicted exchange's onCancel), so eviction happens outside it and the
	// key is re-checked after.
	for {
		m.mu.Lock()
		if dedupeKey != "" {
			if oldID, exists := m.live[dedupeKey]; exists {
				m.mu.Unlock()
				m.logger.Debug("replacing live exchange for dedupe key",
					"dedupe_key", dedupeKey,
					"old_exchange_id", oldID,
					"new_exchange_id", id,
				)
				m.Cancel(oldID, ErrReplaced)
				continue
			}
		}
		ex.timer = time.AfterFunc(timeout, func() {
			m.Cancel(id, ErrTimeout)
		})
		m.exchanges[id] = ex
		if dedupeKey != "" {
			m.live[dedupeKey] = id
		}
		m.mu.Unlock()
		return ex
	}
}

// ResolveHeaders completes the exchange's awaiter with a streamable result.
// A second call for the same id is a no-op, as is a call for an unknown id.
func (m *Mux) ResolveHeaders(id string, statusCode int, headers map[string]string) {
	ex, ok := m.lookup(id)
	if !ok {
		m.logger.Warn("response for unknown exchange", "exchange_id", id)
		return
	}
	ex.resolve(statusCode, headers)
}

// PushChunk appends a body chunk to a resolved exchange's stream. A final
// chunk closes the stream and releases the exchange. Chunks for unknown or
// unresolved exchanges are dropped; an agent sending data before headers is
// a protocol violation, not a crash.
func (m *Mux) PushChunk(id string, data []byte, final bool) {
	ex, ok := m.lookup(id)
	if !ok {
		return
	}

	ex.mu.Lock()
	if !ex.resolved || ex.canceled {
		ex.mu.Unlock()
		m.logger.Warn("dropping data frame for unresolved exchange", "exchange_id", id)
		return
	}
	body := ex.result.Body
	ex.mu.Unlock()

	body.push(data, final)
	if final {
		m.release(ex)
	}
}

// Cancel fails the exchange and releases it. The registered onCancel callback
// runs synchronously so callers can order their own work (such as emitting a
// close frame) before opening a replacement.
func (m *Mux) Cancel(id string, cause error) {
	ex, ok := m.lookup(id)
	if !ok {
		return
	}

	if ex.fail(cause) && ex.onCancel != nil {
		ex.onCancel(cause.Error())
	}
	m.release(ex)
}

// CancelAll fails every in-flight exchange, typically on agent disconnect so
// no caller hangs forever.
func (m *Mux) CancelAll(cause error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.exchanges))
	for id := range m.exchanges {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id, cause)
	}
}

// Pending reports the number of in-flight exchanges.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exchanges)
}

func (m *Mux) lookup(id string) (*Exchange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.exchanges[id]
	return ex, ok
}

func (m *Mux) release(ex *Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.exchanges, ex.ID)
	if ex.dedupeKey != "" && m.live[ex.dedupeKey] == ex.ID {
		delete(m.live, ex.dedupeKey)
	}
}
