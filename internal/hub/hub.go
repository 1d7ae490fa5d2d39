// Package hub is the service façade in front of the worker loop.
//
// Clients submit commands without blocking. A dispatcher goroutine applies
// them to the worker in order. Events published by the worker are queued and
// handed by a deliverer goroutine to the single reply address registered at
// delivery time. Both queues are bounded and drop their oldest entry when
// full.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"wsagent/internal/logger"
	"wsagent/internal/metrics"
	"wsagent/internal/protocol"
	"wsagent/internal/queue"
	"wsagent/internal/worker"
)

const (
	defaultCommandQueueSize = 128
	defaultEventQueueSize   = 256
)

// Controller is the command surface of the worker loop.
type Controller interface {
	Start(params protocol.ConnectionParameters) error
	Stop()
	Suspend() error
	Resume()
	Send(text string) error
	State() worker.State
	Wait()
}

// Recorder persists delivered events, e.g. the journal.
type Recorder interface {
	Record(ev protocol.Event) error
}

// Option configures a Hub.
type Option func(*Hub)

// WithCommandQueueSize sets the Command Channel capacity.
func WithCommandQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.commands = queue.New[protocol.Command](n)
		}
	}
}

// WithEventQueueSize sets the Event Channel capacity.
func WithEventQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.events = queue.New[protocol.Event](n)
		}
	}
}

// WithRecorder records every event before delivery.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		h.recorder = r
	}
}

type replySlot struct {
	addr protocol.ReplyAddress
}

// Hub routes commands to a Controller and events to the reply address.
type Hub struct {
	ctrl     Controller
	commands *queue.Ring[protocol.Command]
	events   *queue.Ring[protocol.Event]
	recorder Recorder
	reply    atomic.Pointer[replySlot]
	pending  atomic.Int64 // submitted and not yet dispatched
	log      zerolog.Logger

	paramsMu sync.Mutex
	params   *protocol.ConnectionParameters

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	cancelDelivery context.CancelFunc
	dispatchWG     sync.WaitGroup
	deliverWG      sync.WaitGroup
}

// New creates a stopped Hub in front of ctrl.
func New(ctrl Controller, opts ...Option) *Hub {
	h := &Hub{
		ctrl:     ctrl,
		commands: queue.New[protocol.Command](defaultCommandQueueSize),
		events:   queue.New[protocol.Event](defaultEventQueueSize),
		log:      logger.WithComponent("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the dispatcher and deliverer goroutines.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.running = true

	dispatchCtx, cancel := context.WithCancel(ctx)
	deliverCtx, cancelDelivery := context.WithCancel(context.Background())
	h.cancel = cancel
	h.cancelDelivery = cancelDelivery

	h.dispatchWG.Add(1)
	go h.dispatchLoop(dispatchCtx)
	h.deliverWG.Add(1)
	go h.deliverLoop(deliverCtx)

	h.log.Info().
		Int("command_queue", h.commands.Cap()).
		Int("event_queue", h.events.Cap()).
		Msg("Hub started")
	return nil
}

// Stop halts command dispatch, shuts the worker down and delivers the
// remaining events, including the final stopped event.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel, cancelDelivery := h.cancel, h.cancelDelivery
	h.mu.Unlock()

	h.log.Info().Msg("Stopping hub")

	cancel()
	h.dispatchWG.Wait()

	h.ctrl.Stop()
	h.ctrl.Wait()

	cancelDelivery()
	h.deliverWG.Wait()

	h.log.Info().
		Uint64("commands_dropped", h.commands.Dropped()).
		Uint64("events_dropped", h.events.Dropped()).
		Msg("Hub stopped")
}

// IsRunning returns whether the hub goroutines are active.
func (h *Hub) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Submit enqueues cmd. It never blocks; when the Command Channel is full the
// oldest pending command is dropped.
func (h *Hub) Submit(cmd protocol.Command) {
	h.pending.Add(1)
	if h.commands.Push(cmd) {
		metrics.SetCommandsPending(h.pending.Add(-1))
		metrics.IncQueueDrop("commands")
		h.log.Warn().Str("kind", string(cmd.Kind)).Msg("Command queue full, oldest command dropped")
		return
	}
	metrics.SetCommandsPending(h.pending.Load())
}

// Pending reports commands that were submitted and have not finished
// dispatching. Dropped commands are not counted.
func (h *Hub) Pending() int64 {
	return h.pending.Load()
}

// SetParameters submits a set_parameters command.
func (h *Hub) SetParameters(p protocol.ConnectionParameters) {
	h.Submit(protocol.Command{Kind: protocol.CommandSetParameters, Params: p})
}

// SendMessage submits a send_message command.
func (h *Hub) SendMessage(text string) {
	h.Submit(protocol.Command{Kind: protocol.CommandSendMessage, Text: text})
}

// StartWorker submits a start command.
func (h *Hub) StartWorker() {
	h.Submit(protocol.Command{Kind: protocol.CommandStart})
}

// StopWorker submits a stop command.
func (h *Hub) StopWorker() {
	h.Submit(protocol.Command{Kind: protocol.CommandStop})
}

// Suspend submits a suspend command.
func (h *Hub) Suspend() {
	h.Submit(protocol.Command{Kind: protocol.CommandSuspend})
}

// Resume submits a resume command.
func (h *Hub) Resume() {
	h.Submit(protocol.Command{Kind: protocol.CommandResume})
}

// Register submits a register_reply_channel command for addr.
func (h *Hub) Register(addr protocol.ReplyAddress) {
	h.Submit(protocol.Command{Kind: protocol.CommandRegisterReplyChannel, ReplyTo: addr})
}

// Publish queues an event for delivery. It is the worker's emit hook and
// never blocks.
func (h *Hub) Publish(ev protocol.Event) {
	if h.events.Push(ev) {
		metrics.IncQueueDrop("events")
		h.log.Warn().Str("kind", string(ev.Kind)).Msg("Event queue full, oldest event dropped")
	}
}

// ReplyAddress returns the current reply address, or nil.
func (h *Hub) ReplyAddress() protocol.ReplyAddress {
	if slot := h.reply.Load(); slot != nil {
		return slot.addr
	}
	return nil
}

// Parameters returns the stored connection parameters.
func (h *Hub) Parameters() (protocol.ConnectionParameters, bool) {
	h.paramsMu.Lock()
	defer h.paramsMu.Unlock()
	if h.params == nil {
		return protocol.ConnectionParameters{}, false
	}
	return *h.params, true
}

func (h *Hub) dispatchLoop(ctx context.Context) {
	defer h.dispatchWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.commands.Ready():
			for ctx.Err() == nil {
				cmd, ok := h.commands.Pop()
				if !ok {
					break
				}
				h.dispatch(cmd)
				metrics.SetCommandsPending(h.pending.Add(-1))
			}
		}
	}
}

func (h *Hub) dispatch(cmd protocol.Command) {
	if cmd.ReplyTo != nil {
		h.reply.Store(&replySlot{addr: cmd.ReplyTo})
		h.log.Debug().Str("reply_to", cmd.ReplyTo.ID()).Msg("Reply address replaced")
	}
	metrics.IncCommand(string(cmd.Kind))

	var err error
	switch cmd.Kind {
	case protocol.CommandSetParameters:
		err = h.setParameters(cmd.Params)
	case protocol.CommandStart:
		err = h.startWorker()
	case protocol.CommandStop:
		h.ctrl.Stop()
	case protocol.CommandSuspend:
		err = h.ctrl.Suspend()
	case protocol.CommandResume:
		h.ctrl.Resume()
	case protocol.CommandSendMessage:
		err = h.ctrl.Send(cmd.Text)
	case protocol.CommandRegisterReplyChannel:
		if cmd.ReplyTo == nil {
			err = fmt.Errorf("%w: register without reply address", protocol.ErrValidation)
		}
	default:
		err = fmt.Errorf("%w: unknown command %q", protocol.ErrValidation, cmd.Kind)
	}

	if err != nil {
		h.reject(cmd, err)
	}
}

func (h *Hub) setParameters(p protocol.ConnectionParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if state := h.ctrl.State(); state.Active() {
		return fmt.Errorf("%w: cannot change parameters while %s", protocol.ErrState, state)
	}

	p = p.Normalized()
	h.paramsMu.Lock()
	h.params = &p
	h.paramsMu.Unlock()

	h.log.Info().Str("endpoint", p.String()).Msg("Connection parameters set")
	return nil
}

func (h *Hub) startWorker() error {
	p, ok := h.Parameters()
	if !ok {
		return fmt.Errorf("%w: no connection parameters set", protocol.ErrState)
	}
	return h.ctrl.Start(p)
}

// reject resolves StateError and ValidationError locally: no event is
// produced.
func (h *Hub) reject(cmd protocol.Command, err error) {
	reason := "other"
	switch {
	case errors.Is(err, protocol.ErrState):
		reason = "state"
	case errors.Is(err, protocol.ErrValidation):
		reason = "validation"
	}
	metrics.IncRejection(string(cmd.Kind), reason)
	h.log.Debug().
		Err(err).
		Str("kind", string(cmd.Kind)).
		Str("reason", reason).
		Msg("Command rejected")
}

func (h *Hub) deliverLoop(ctx context.Context) {
	defer h.deliverWG.Done()
	for {
		select {
		case <-ctx.Done():
			h.drainEvents()
			return
		case <-h.events.Ready():
			h.drainEvents()
		}
	}
}

func (h *Hub) drainEvents() {
	for {
		ev, ok := h.events.Pop()
		if !ok {
			return
		}
		h.deliver(ev)
	}
}

func (h *Hub) deliver(ev protocol.Event) {
	if h.recorder != nil {
		if err := h.recorder.Record(ev); err != nil {
			h.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to record event")
		}
	}

	addr := h.ReplyAddress()
	if addr == nil {
		h.log.Debug().Str("kind", string(ev.Kind)).Msg("No reply address, event discarded")
		return
	}
	addr.Deliver(ev)
}
