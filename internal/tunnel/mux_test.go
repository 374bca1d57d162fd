// ABOUTME: Tests for the exchange multiplexer and body streaming.
// ABOUTME: Covers buffering order, dedupe replacement, timeouts, and cancellation.

package tunnel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux() *Mux {
	return NewMux(time.Second, slog.Default())
}

func drainBody(t *testing.T, body *BodyStream) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []byte
	for {
		chunk, err := body.Next(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func TestExchangeResolveAndStream(t *testing.T) {
	m := newTestMux()
	ex := m.Open("ex-1", 0, nil, "")

	m.ResolveHeaders("ex-1", 200, map[string]string{"content-type": "text/plain"})
	m.PushChunk("ex-1", []byte("hello "), false)
	m.PushChunk("ex-1", []byte("world"), true)

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "text/plain", result.Headers["content-type"])
	assert.Equal(t, "hello world", string(drainBody(t, result.Body)))
	assert.Equal(t, 0, m.Pending(), "final chunk should release the exchange")
}

func TestChunksBufferedBeforeConsumerAttaches(t *testing.T) {
	// Response frames can race the creation of the HTTP response object on
	// the caller side; everything that arrives early must replay in order.
	m := newTestMux()
	ex := m.Open("ex-1", 0, nil, "")

	m.ResolveHeaders("ex-1", 200, nil)
	m.PushChunk("ex-1", []byte("a"), false)
	m.PushChunk("ex-1", []byte("b"), false)
	m.PushChunk("ex-1", []byte("c"), true)

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(drainBody(t, result.Body)))
}

func TestChunksInterleavedWithConsumer(t *testing.T) {
	m := newTestMux()
	ex := m.Open("ex-1", 0, nil, "")
	m.ResolveHeaders("ex-1", 200, nil)
	m.PushChunk("ex-1", []byte("1"), false)

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.PushChunk("ex-1", []byte("2"), false)
		m.PushChunk("ex-1", []byte("3"), true)
	}()

	got := drainBody(t, result.Body)
	wg.Wait()
	assert.Equal(t, "123", string(got))
}

func TestResolveHeadersIdempotent(t *testing.T) {
	m := newTestMux()
	ex := m.Open("ex-1", 0, nil, "")

	m.ResolveHeaders("ex-1", 200, nil)
	m.ResolveHeaders("ex-1", 500, nil) // no-op

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
}

func TestPushChunkBeforeResolveDropped(t *testing.T) {
	m := newTestMux()
	ex := m.Open("ex-1", 0, nil, "")

	m.PushChunk("ex-1", []byte("early"), false)
	m.ResolveHeaders("ex-1", 200, nil)
	m.PushChunk("ex-1", []byte("ok"), true)

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(drainBody(t, result.Body)))
}

func TestPushChunkUnknownExchange(t *testing.T) {
	m := newTestMux()
	// Must not panic or create state.
	m.PushChunk("ghost", []byte("x"), true)
	assert.Equal(t, 0, m.Pending())
}

func TestTimeoutFailsExactlyOnce(t *testing.T) {
	m := newTestMux()
	var cancelCalls int32
	var mu sync.Mutex
	ex := m.Open("ex-1", 20*time.Millisecond, func(string) {
		mu.Lock()
		cancelCalls++
		mu.Unlock()
	}, "")

	_, err := ex.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	// A second Wait observes the same terminal state.
	_, err = ex.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	// Late frames for the released exchange are ignored.
	m.ResolveHeaders("ex-1", 200, nil)
	m.PushChunk("ex-1", []byte("late"), true)

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, cancelCalls)
	assert.Equal(t, 0, m.Pending())
}

func TestTimeoutAfterResolveErrorsStream(t *testing.T) {
	m := newTestMux()
	ex := m.Open("ex-1", 30*time.Millisecond, nil, "")
	m.ResolveHeaders("ex-1", 200, nil)
	m.PushChunk("ex-1", []byte("partial"), false)

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	chunk, err := result.Body.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(chunk))

	// Deadline fires with the stream still open.
	_, err = result.Body.Next(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCancelUnresolved(t *testing.T) {
	m := newTestMux()
	var gotReason string
	ex := m.Open("ex-1", 0, func(reason string) { gotReason = reason }, "")

	m.Cancel("ex-1", ErrCanceled)

	_, err := ex.Wait(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, ErrCanceled.Error(), gotReason)
	assert.Equal(t, 0, m.Pending())
}

func TestCancelAll(t *testing.T) {
	m := newTestMux()
	ex1 := m.Open("ex-1", 0, nil, "")
	ex2 := m.Open("ex-2", 0, nil, "")
	m.ResolveHeaders("ex-2", 200, nil)

	m.CancelAll(ErrDisconnected)

	_, err := ex1.Wait(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)

	result, err := ex2.Wait(context.Background())
	require.NoError(t, err)
	_, err = result.Body.Next(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)

	assert.Equal(t, 0, m.Pending())
}

func TestDedupeReplacesLiveExchange(t *testing.T) {
	m := newTestMux()

	var events []string
	var mu sync.Mutex
	record := func(ev string) func(string) {
		return func(string) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}

	ex1 := m.Open("ex-1", 0, record("cancel-1"), "abc123:/events")
	ex2 := m.Open("ex-2", 0, record("cancel-2"), "abc123:/events")

	// The first exchange terminates, via its cancel hook, before Open for the
	// second returns; only then may the caller send the new request frame.
	_, err := ex1.Wait(context.Background())
	require.ErrorIs(t, err, ErrReplaced)

	mu.Lock()
	require.Equal(t, []string{"cancel-1"}, events)
	mu.Unlock()

	m.ResolveHeaders("ex-2", 200, nil)
	m.PushChunk("ex-2", []byte("data: ok\n\n"), true)
	result, err := ex2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "data: ok\n\n", string(drainBody(t, result.Body)))
}

func TestDedupeKeyClearedOnRelease(t *testing.T) {
	m := newTestMux()
	ex := m.Open("ex-1", 0, nil, "abc123:/events")
	m.ResolveHeaders("ex-1", 200, nil)
	m.PushChunk("ex-1", nil, true)

	_, err := ex.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, m.Pending())

	// A new exchange for the same key must not cancel anything.
	ex2 := m.Open("ex-2", 0, func(string) { t.Error("unexpected cancel") }, "abc123:/events")
	m.ResolveHeaders("ex-2", 204, nil)
	_, err = ex2.Wait(context.Background())
	require.NoError(t, err)
}

func TestWaitHonorsContext(t *testing.T) {
	m := newTestMux()
	ex := m.Open("ex-1", 0, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ex.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewExchangeIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewExchangeID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate exchange id %q", id)
		seen[id] = true
	}
}

func TestManyConcurrentExchanges(t *testing.T) {
	// Exchanges on one connection must never block each other.
	m := newTestMux()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := NewExchangeID()
		ex := m.Open(id, 0, nil, "")
		wg.Add(2)

		go func(id string) {
			defer wg.Done()
			m.ResolveHeaders(id, 200, nil)
			m.PushChunk(id, []byte(id), true)
		}(id)

		go func(id string, ex *Exchange) {
			defer wg.Done()
			result, err := ex.Wait(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, id, string(drainBody(t, result.Body)))
		}(id, ex)
	}
	wg.Wait()

	assert.Equal(t, 0, m.Pending())
}

func TestTimeoutIsNotGlobal(t *testing.T) {
	m := newTestMux()
	fast := m.Open("fast", 20*time.Millisecond, nil, "")
	slow := m.Open("slow", time.Second, nil, "")

	_, err := fast.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	m.ResolveHeaders("slow", 200, nil)
	m.PushChunk("slow", nil, true)
	_, err = slow.Wait(context.Background())
	require.NoError(t, err)
}

func TestConcurrentOpensSameDedupeKey(t *testing.T) {
	m := newTestMux()

	// Two EventSource reconnects racing for the same stream: exactly one
	// exchange may hold the key afterwards, with the loser failed as
	// replaced and its deadline timer stopped with it.
	for i := 0; i < 200; i++ {
		ids := []string{NewExchangeID(), NewExchangeID()}
		exes := make([]*Exchange, len(ids))

		var wg sync.WaitGroup
		for j, id := range ids {
			wg.Add(1)
			go func(j int, id string) {
				defer wg.Done()
				exes[j] = m.Open(id, time.Minute, nil, "abc123:/events")
			}(j, id)
		}
		wg.Wait()

		require.Equal(t, 1, m.Pending(), "iteration %d", i)

		survivor := ""
		for j, id := range ids {
			if _, ok := m.lookup(id); ok {
				survivor = id
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := exes[j].Wait(ctx)
			cancel()
			require.ErrorIs(t, err, ErrReplaced, "iteration %d", i)
		}
		require.NotEmpty(t, survivor, "iteration %d", i)

		m.Cancel(survivor, ErrCanceled)
	}

	assert.Equal(t, 0, m.Pending())
}
