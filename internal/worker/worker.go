// Package worker implements the lifecycle loop that owns a connection engine.
//
// A Worker runs at most one loop goroutine. The loop is the only caller of
// engine methods. Control methods (Start, Stop, Suspend, Resume, Send) may be
// called from any goroutine; they coordinate with the loop through a monitor
// (mutex plus condition variable) and never block on I/O.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"wsagent/internal/engine"
	"wsagent/internal/logger"
	"wsagent/internal/metrics"
	"wsagent/internal/protocol"
	"wsagent/internal/queue"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultOutboxSize   = 64
)

// EmitFunc receives every event produced by the worker. It must not block.
type EmitFunc func(protocol.Event)

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval sets the pause between loop iterations.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithMaxPayload sets the outbound payload limit in bytes.
func WithMaxPayload(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxPayload = n
		}
	}
}

// WithOutboxSize sets the capacity of the pending send queue.
func WithOutboxSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.outbox = queue.New[string](n)
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// Worker drives an engine through Idle, Running, Suspended, Stopping and
// Stopped.
type Worker struct {
	engine       engine.Engine
	emit         EmitFunc
	clock        clock.Clock
	pollInterval time.Duration
	maxPayload   int
	log          zerolog.Logger

	// monitor
	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	suspend       bool
	quit          bool
	cancelConnect context.CancelFunc

	// outbox is safe for concurrent use; sending is true while the loop is
	// inside engine.Send.
	outbox  *queue.Ring[string]
	sending atomic.Bool

	wg sync.WaitGroup
}

// New creates an Idle worker around eng. emit may be nil.
func New(eng engine.Engine, emit EmitFunc, opts ...Option) *Worker {
	w := &Worker{
		engine:       eng,
		emit:         emit,
		clock:        clock.New(),
		pollInterval: defaultPollInterval,
		maxPayload:   protocol.MaxPayloadBytes,
		outbox:       queue.New[string](defaultOutboxSize),
		log:          logger.WithComponent("worker"),
	}
	w.cond = sync.NewCond(&w.mu)
	for _, opt := range opts {
		opt(w)
	}
	if w.emit == nil {
		w.emit = func(protocol.Event) {}
	}
	metrics.SetWorkerState(int(Idle))
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start spawns the loop for params. It is only valid from Idle or Stopped.
func (w *Worker) Start(params protocol.ConnectionParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	params = params.Normalized()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Idle && w.state != Stopped {
		return fmt.Errorf("%w: cannot start while %s", protocol.ErrState, w.state)
	}

	// Drop sends left over from a previous run.
	for {
		if _, ok := w.outbox.Pop(); !ok {
			break
		}
	}
	metrics.SetOutboxDepth(0)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancelConnect = cancel
	w.quit = false
	w.suspend = false
	w.setState(Running)

	w.wg.Add(1)
	go w.run(ctx, cancel, params)

	w.log.Info().Str("endpoint", params.String()).Msg("Worker starting")
	return nil
}

// Stop requests a cooperative shutdown. From Idle it moves straight to
// Stopped. Stopping and Stopped are no-ops.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case Running, Suspended:
		w.quit = true
		w.setState(Stopping)
		if w.cancelConnect != nil {
			w.cancelConnect()
		}
		w.cond.Broadcast()
		w.log.Info().Msg("Worker stop requested")
	case Idle:
		w.setState(Stopped)
		w.publish(protocol.EventStopped, "")
		w.log.Info().Msg("Worker stopped before start")
	default:
		w.log.Debug().Str("state", w.state.String()).Msg("Stop ignored")
	}
}

// Suspend asks the loop to park at the end of its current iteration.
func (w *Worker) Suspend() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case Running:
		w.suspend = true
		return nil
	case Suspended:
		return nil
	default:
		return fmt.Errorf("%w: cannot suspend while %s", protocol.ErrState, w.state)
	}
}

// Resume clears the suspend flag and wakes a parked loop.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.suspend = false
	w.cond.Broadcast()
}

// Send validates text and queues it for the loop. Failures are returned to
// the caller and never produce an event.
func (w *Worker) Send(text string) error {
	if err := protocol.ValidatePayload(text, w.maxPayload); err != nil {
		metrics.IncSend("rejected")
		return err
	}

	w.mu.Lock()
	state, suspended := w.state, w.suspend
	w.mu.Unlock()
	if state != Running || suspended {
		metrics.IncSend("rejected")
		if suspended && state == Running {
			return fmt.Errorf("%w: cannot send while suspending", protocol.ErrState)
		}
		return fmt.Errorf("%w: cannot send while %s", protocol.ErrState, state)
	}

	evicted := w.outbox.Push(text)
	metrics.SetOutboxDepth(w.outbox.Len())
	if evicted {
		metrics.IncQueueDrop("outbox")
		w.log.Warn().Int("capacity", w.outbox.Cap()).Msg("Outbox full, oldest message dropped")
	}
	return nil
}

// Choked reports whether outbound data is still waiting: queued sends or a
// send the engine has not returned from yet.
func (w *Worker) Choked() bool {
	return w.sending.Load() || w.outbox.Len() > 0
}

// Wait blocks until the loop goroutine, if any, has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, cancel context.CancelFunc, params protocol.ConnectionParameters) {
	defer w.wg.Done()
	defer cancel()

	if err := w.engine.Init(params, loopHandler{w}); err != nil {
		w.abortStart(err, false)
		return
	}
	if err := w.engine.Connect(ctx); err != nil {
		w.abortStart(err, true)
		return
	}

	w.mu.Lock()
	w.cancelConnect = nil
	w.publish(protocol.EventStarted, "")
	w.mu.Unlock()
	w.log.Info().Str("endpoint", params.String()).Msg("Worker started")

	for {
		if err := w.engine.Service(0); err != nil {
			w.connectionError(err)
		}
		w.flush()
		if !w.park() {
			break
		}
		w.clock.Sleep(w.pollInterval)
	}

	if err := w.engine.Teardown(); err != nil {
		w.connectionError(err)
	}

	w.mu.Lock()
	w.setState(Stopped)
	w.publish(protocol.EventStopped, "")
	w.mu.Unlock()
	w.log.Info().Msg("Worker stopped")
}

// abortStart handles an Init or Connect failure. A stop requested while
// connecting still ends with a stopped event.
func (w *Worker) abortStart(err error, initialized bool) {
	w.mu.Lock()
	stopping := w.quit
	w.mu.Unlock()

	if !stopping {
		w.log.Error().Err(err).Bool("initialized", initialized).Msg("Worker failed to start")
		w.connectionError(err)
	}
	if initialized {
		if terr := w.engine.Teardown(); terr != nil {
			w.log.Warn().Err(terr).Msg("Teardown after failed start")
		}
	}

	w.mu.Lock()
	w.cancelConnect = nil
	w.setState(Stopped)
	if stopping {
		w.publish(protocol.EventStopped, "")
	}
	w.mu.Unlock()
}

// flush hands queued sends to the engine one at a time. A stop request ends
// the flush between messages; anything left is discarded by the next Start.
func (w *Worker) flush() {
	for !w.stopRequested() {
		text, ok := w.outbox.Pop()
		if !ok {
			return
		}
		metrics.SetOutboxDepth(w.outbox.Len())

		w.sending.Store(true)
		metrics.SetSendInFlight(true)
		n, err := w.engine.Send(text, true)
		w.sending.Store(false)
		metrics.SetSendInFlight(false)

		if err == nil && n == 0 {
			err = fmt.Errorf("%w: engine accepted 0 bytes", protocol.ErrConnection)
		}
		if err != nil {
			metrics.IncSend("failed")
			w.connectionError(err)
			continue
		}
		metrics.IncSend("ok")
		w.log.Debug().Int("bytes", n).Msg("Message sent")
	}
}

func (w *Worker) stopRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quit
}

// park blocks while suspended. It returns false once quit is set.
func (w *Worker) park() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.suspend && !w.quit {
		w.setState(Suspended)
		w.publish(protocol.EventSuspended, "")
		w.log.Info().Msg("Worker suspended")

		for w.suspend && !w.quit {
			w.cond.Wait()
		}

		if !w.quit {
			w.setState(Running)
			w.publish(protocol.EventResumed, "")
			w.log.Info().Msg("Worker resumed")
		}
	}
	return !w.quit
}

func (w *Worker) connectionError(err error) {
	w.publish(protocol.EventConnectionError, err.Error())
}

// publish stamps and emits an event. Callers may hold the monitor lock.
func (w *Worker) publish(kind protocol.EventKind, payload string) {
	metrics.IncEvent(string(kind))
	w.emit(protocol.Event{Kind: kind, Payload: payload, Time: w.clock.Now()})
}

// setState must be called with the monitor lock held.
func (w *Worker) setState(s State) {
	if w.state == s {
		return
	}
	w.log.Debug().Str("from", w.state.String()).Str("to", s.String()).Msg("State transition")
	w.state = s
	metrics.SetWorkerState(int(s))
}

// loopHandler adapts engine callbacks to worker events. It runs on the loop
// goroutine inside engine.Service.
type loopHandler struct {
	w *Worker
}

func (h loopHandler) OnMessage(text string) {
	h.w.publish(protocol.EventMessageReceived, text)
}

func (h loopHandler) OnError(err error) {
	h.w.connectionError(err)
}
