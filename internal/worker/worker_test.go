package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wsagent/internal/engine"
	"wsagent/internal/logger"
	"wsagent/internal/protocol"
)

func TestMain(m *testing.M) {
	_ = logger.Init(logger.Config{Level: "disabled"})
	goleak.VerifyTestMain(m)
}

// fakeEngine records calls made by the loop.
type fakeEngine struct {
	mu         sync.Mutex
	initErr    error
	connectErr error
	serviceErr error
	sendN      int // -1 means len(text)
	sendErr    error

	// When gate is set, each Send reports on entered and then waits for one
	// value from gate. Both are set before Start.
	gate    chan struct{}
	entered chan string

	handler   engine.Handler
	inits     int
	connects  int
	teardowns int
	sent      []string
	pending   []string
	errs      []error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sendN: -1}
}

func (f *fakeEngine) Init(_ protocol.ConnectionParameters, h engine.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	if f.initErr != nil {
		return f.initErr
	}
	f.handler = h
	return nil
}

func (f *fakeEngine) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeEngine) Service(time.Duration) error {
	f.mu.Lock()
	msgs, errs, h := f.pending, f.errs, f.handler
	f.pending, f.errs = nil, nil
	serviceErr := f.serviceErr
	f.serviceErr = nil
	f.mu.Unlock()

	for _, m := range msgs {
		h.OnMessage(m)
	}
	for _, err := range errs {
		h.OnError(err)
	}
	return serviceErr
}

func (f *fakeEngine) Send(text string, _ bool) (int, error) {
	if f.gate != nil {
		f.entered <- text
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, text)
	if f.sendN >= 0 {
		return f.sendN, nil
	}
	return len(text), nil
}

func (f *fakeEngine) Teardown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	f.handler = nil
	return nil
}

func (f *fakeEngine) deliver(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, text)
}

func (f *fakeEngine) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeEngine) counts() (inits, teardowns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.teardowns
}

func (f *fakeEngine) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) emit(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind protocol.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) kinds() []protocol.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) first(kind protocol.EventKind) (protocol.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return protocol.Event{}, false
}

func (r *recorder) waitFor(t *testing.T, kind protocol.EventKind, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(kind) >= n },
		2*time.Second, 2*time.Millisecond, "waiting for %d %s event(s), got %v", n, kind, r.kinds())
}

var chatParams = protocol.ConnectionParameters{Address: "example.com", Port: 8080, Path: "/chat"}

func newTestWorker(t *testing.T, eng engine.Engine, opts ...Option) (*Worker, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithPollInterval(2 * time.Millisecond)}, opts...)
	w := New(eng, rec.emit, opts...)
	t.Cleanup(func() {
		w.Stop()
		w.Wait()
	})
	return w, rec
}

func startWorker(t *testing.T, w *Worker, rec *recorder) {
	t.Helper()
	require.NoError(t, w.Start(chatParams))
	rec.waitFor(t, protocol.EventStarted, 1)
}

// --- Start ---

func TestStart_EmitsStartedOnce(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)

	assert.Equal(t, Idle, w.State())
	startWorker(t, w, rec)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count(protocol.EventStarted))
	assert.Equal(t, Running, w.State())
}

func TestStart_WhileRunningIsStateError(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	err := w.Start(chatParams)
	assert.ErrorIs(t, err, protocol.ErrState)

	inits, _ := eng.counts()
	assert.Equal(t, 1, inits)
}

func TestStart_InvalidParameters(t *testing.T) {
	w, rec := newTestWorker(t, newFakeEngine())

	err := w.Start(protocol.ConnectionParameters{Port: 80})
	assert.ErrorIs(t, err, protocol.ErrValidation)
	assert.Equal(t, Idle, w.State())
	assert.Empty(t, rec.kinds())
}

func TestStart_ConnectFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.connectErr = fmt.Errorf("%w: refused", protocol.ErrConnection)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	w, rec := newTestWorker(t, eng, WithClock(mock))

	require.NoError(t, w.Start(chatParams))
	w.Wait()

	assert.Equal(t, Stopped, w.State())
	assert.Equal(t, []protocol.EventKind{protocol.EventConnectionError}, rec.kinds())

	ev, _ := rec.first(protocol.EventConnectionError)
	assert.Contains(t, ev.Payload, "refused")
	assert.True(t, ev.Time.Equal(mock.Now()))

	inits, teardowns := eng.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, teardowns, "initialised engine must be torn down")
}

func TestStart_InitFailureSkipsTeardown(t *testing.T) {
	eng := newFakeEngine()
	eng.initErr = errors.New("context exists")
	w, rec := newTestWorker(t, eng)

	require.NoError(t, w.Start(chatParams))
	w.Wait()

	assert.Equal(t, Stopped, w.State())
	assert.Equal(t, []protocol.EventKind{protocol.EventConnectionError}, rec.kinds())
	_, teardowns := eng.counts()
	assert.Zero(t, teardowns)
}

func TestStart_RestartFromStopped(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	w.Stop()
	w.Wait()
	require.Equal(t, Stopped, w.State())

	require.NoError(t, w.Start(chatParams))
	rec.waitFor(t, protocol.EventStarted, 2)

	inits, teardowns := eng.counts()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 1, teardowns)
}

// --- Stop ---

func TestStop_RunningEmitsStoppedAndTearsDownOnce(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	w.Stop()
	w.Stop()
	w.Wait()
	w.Stop()

	assert.Equal(t, Stopped, w.State())
	assert.Equal(t, 1, rec.count(protocol.EventStopped))
	_, teardowns := eng.counts()
	assert.Equal(t, 1, teardowns)
}

func TestStop_IdleEmitsStoppedWithoutTeardown(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)

	w.Stop()

	assert.Equal(t, Stopped, w.State())
	assert.Equal(t, []protocol.EventKind{protocol.EventStopped}, rec.kinds())
	inits, teardowns := eng.counts()
	assert.Zero(t, inits)
	assert.Zero(t, teardowns)
}

func TestStop_WhileSuspendedSkipsResumed(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Suspend())
	rec.waitFor(t, protocol.EventSuspended, 1)

	w.Stop()
	w.Wait()

	assert.Equal(t, Stopped, w.State())
	assert.Zero(t, rec.count(protocol.EventResumed))
	assert.Equal(t, 1, rec.count(protocol.EventStopped))
	_, teardowns := eng.counts()
	assert.Equal(t, 1, teardowns)
}

// --- Suspend / Resume ---

func TestSuspend_ParksLoopUntilResume(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Suspend())
	rec.waitFor(t, protocol.EventSuspended, 1)
	assert.Equal(t, Suspended, w.State())

	eng.deliver("while parked")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.count(protocol.EventMessageReceived))
	assert.Equal(t, 1, rec.count(protocol.EventSuspended))

	w.Resume()
	rec.waitFor(t, protocol.EventResumed, 1)
	rec.waitFor(t, protocol.EventMessageReceived, 1)
	assert.Equal(t, Running, w.State())

	ev, _ := rec.first(protocol.EventMessageReceived)
	assert.Equal(t, "while parked", ev.Payload)
}

func TestSuspend_OnlyWhileRunning(t *testing.T) {
	w, _ := newTestWorker(t, newFakeEngine())
	assert.ErrorIs(t, w.Suspend(), protocol.ErrState)

	w.Stop()
	assert.ErrorIs(t, w.Suspend(), protocol.ErrState)
}

func TestSuspendResume_Idempotent(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Suspend())
	require.NoError(t, w.Suspend())
	rec.waitFor(t, protocol.EventSuspended, 1)
	require.NoError(t, w.Suspend())

	w.Resume()
	w.Resume()
	rec.waitFor(t, protocol.EventResumed, 1)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.count(protocol.EventSuspended))
	assert.Equal(t, 1, rec.count(protocol.EventResumed))
}

// --- Send ---

func TestSend_DeliveredWithoutEvent(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Send("hi"))
	require.Eventually(t, func() bool { return len(eng.sentTexts()) == 1 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"hi"}, eng.sentTexts())

	w.Stop()
	w.Wait()

	assert.Equal(t, []protocol.EventKind{protocol.EventStarted, protocol.EventStopped}, rec.kinds())
	_, teardowns := eng.counts()
	assert.Equal(t, 1, teardowns)
}

func TestSend_OversizeNeverReachesEngine(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	big := strings.Repeat("x", protocol.MaxPayloadBytes+1)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, w.Send(big), protocol.ErrValidation)
	}
	// The limit counts UTF-8 bytes, not runes.
	assert.ErrorIs(t, w.Send(strings.Repeat("é", protocol.MaxPayloadBytes/2+1)), protocol.ErrValidation)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, eng.sentTexts())
	assert.Equal(t, []protocol.EventKind{protocol.EventStarted}, rec.kinds())
}

func TestSend_ExactLimitAccepted(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Send(strings.Repeat("x", protocol.MaxPayloadBytes)))
	require.Eventually(t, func() bool { return len(eng.sentTexts()) == 1 }, 2*time.Second, 2*time.Millisecond)
}

func TestSend_EmptyRejected(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	assert.ErrorIs(t, w.Send(""), protocol.ErrValidation)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, eng.sentTexts())
	assert.Equal(t, 1, len(rec.kinds()))
}

func TestSend_RejectedUnlessRunning(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)

	assert.ErrorIs(t, w.Send("early"), protocol.ErrState)

	startWorker(t, w, rec)
	require.NoError(t, w.Suspend())
	assert.ErrorIs(t, w.Send("parked"), protocol.ErrState)
	rec.waitFor(t, protocol.EventSuspended, 1)
	assert.ErrorIs(t, w.Send("parked"), protocol.ErrState)

	w.Stop()
	w.Wait()
	assert.ErrorIs(t, w.Send("late"), protocol.ErrState)
	assert.Empty(t, eng.sentTexts())
}

func TestSend_EngineFailureEmitsConnectionError(t *testing.T) {
	eng := newFakeEngine()
	eng.sendN = 0
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Send("lost"))
	rec.waitFor(t, protocol.EventConnectionError, 1)
	ev, _ := rec.first(protocol.EventConnectionError)
	assert.Contains(t, ev.Payload, "0 bytes")
}

func TestSend_EngineErrorEmitsConnectionError(t *testing.T) {
	eng := newFakeEngine()
	eng.sendErr = fmt.Errorf("%w: broken pipe", protocol.ErrConnection)
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Send("lost"))
	rec.waitFor(t, protocol.EventConnectionError, 1)
	assert.Equal(t, Running, w.State())
}

// newGatedEngine returns an engine whose sends park until released.
func newGatedEngine() *fakeEngine {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	eng.entered = make(chan string, 16)
	return eng
}

func waitEntered(t *testing.T, eng *fakeEngine, want string) {
	t.Helper()
	select {
	case got := <-eng.entered:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("engine never received %q", want)
	}
}

func release(t *testing.T, eng *fakeEngine) {
	t.Helper()
	select {
	case eng.gate <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("no send waiting to be released")
	}
}

func TestSend_OutboxDropsOldest(t *testing.T) {
	eng := newGatedEngine()
	w, rec := newTestWorker(t, eng, WithOutboxSize(2))
	startWorker(t, w, rec)

	require.NoError(t, w.Send("first"))
	waitEntered(t, eng, "first")

	// The loop is parked inside engine.Send, so these only fill the outbox.
	require.NoError(t, w.Send("a"))
	require.NoError(t, w.Send("b"))
	require.NoError(t, w.Send("c"))

	close(eng.gate)
	require.Eventually(t, func() bool { return len(eng.sentTexts()) == 3 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"first", "b", "c"}, eng.sentTexts())
}

func TestSend_DoesNotWaitForInFlightEngineSend(t *testing.T) {
	eng := newGatedEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Send("first"))
	waitEntered(t, eng, "first")
	assert.True(t, w.Choked())

	done := make(chan error, 1)
	go func() { done <- w.Send("second") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Send blocked behind an in-flight engine send")
	}

	// Control commands are not held up either.
	stateDone := make(chan State, 1)
	go func() { stateDone <- w.State() }()
	select {
	case <-stateDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("State blocked behind an in-flight engine send")
	}

	release(t, eng)
	waitEntered(t, eng, "second")
	release(t, eng)

	require.Eventually(t, func() bool { return !w.Choked() }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, eng.sentTexts())
}

func TestStop_EndsFlushBetweenMessages(t *testing.T) {
	eng := newGatedEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	require.NoError(t, w.Send("first"))
	waitEntered(t, eng, "first")
	require.NoError(t, w.Send("a"))
	require.NoError(t, w.Send("b"))

	w.Stop()
	release(t, eng)

	rec.waitFor(t, protocol.EventStopped, 1)
	assert.Equal(t, []string{"first"}, eng.sentTexts())
	_, teardowns := eng.counts()
	assert.Equal(t, 1, teardowns)
}

func TestChoked_FalseWhenIdle(t *testing.T) {
	w, _ := newTestWorker(t, newFakeEngine())
	assert.False(t, w.Choked())
}

// --- Engine callbacks ---

func TestEngineCallbacksBecomeEvents(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	eng.deliver("hello")
	eng.fail(errors.New("peer reset"))

	rec.waitFor(t, protocol.EventMessageReceived, 1)
	rec.waitFor(t, protocol.EventConnectionError, 1)

	ev, _ := rec.first(protocol.EventConnectionError)
	assert.Equal(t, "peer reset", ev.Payload)
	assert.Equal(t, Running, w.State())
}

func TestServiceErrorKeepsLoopRunning(t *testing.T) {
	eng := newFakeEngine()
	w, rec := newTestWorker(t, eng)
	startWorker(t, w, rec)

	eng.mu.Lock()
	eng.serviceErr = errors.New("poll failed")
	eng.mu.Unlock()

	rec.waitFor(t, protocol.EventConnectionError, 1)
	eng.deliver("still alive")
	rec.waitFor(t, protocol.EventMessageReceived, 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "suspended", Suspended.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Stopping.Active())
	assert.False(t, Stopped.Active())
}
