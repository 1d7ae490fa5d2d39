// Package engine defines the connection engine capability driven by the
// worker loop, together with the concrete transports the agent ships with.
//
// Engines are not reentrant. The worker calls every method from its single
// loop goroutine, and Handler callbacks are invoked synchronously from within
// Service on that same goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wsagent/internal/config"
	"wsagent/internal/logger"
	"wsagent/internal/protocol"
)

// Handler receives asynchronous results while the engine is being serviced.
type Handler interface {
	// OnMessage is called for every inbound text message.
	OnMessage(text string)
	// OnError is called for transport failures that do not stop servicing,
	// such as a dropped connection.
	OnError(err error)
}

// Engine is the opaque transport the worker loop drives.
type Engine interface {
	// Init prepares the engine for the given endpoint. It fails if the engine
	// is already initialised.
	Init(params protocol.ConnectionParameters, h Handler) error

	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Service pumps pending I/O and dispatches callbacks. A zero timeout
	// never blocks.
	Service(timeout time.Duration) error

	// Send queues text on the connection and returns the number of bytes
	// accepted. Zero means failure.
	Send(text string, reliable bool) (int, error)

	// Teardown releases everything acquired by Init and Connect. The engine
	// may be initialised again afterwards.
	Teardown() error
}

var (
	errNotInitialized     = errors.New("engine not initialized")
	errAlreadyInitialized = errors.New("engine already initialized")
	errNotConnected       = errors.New("engine not connected")
)

// connErr wraps err as a protocol.ErrConnection.
func connErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", protocol.ErrConnection, op, err)
}

// New creates an Engine based on the configuration.
func New(cfg config.EngineConfig) (Engine, error) {
	log := logger.WithComponent("engine-factory")

	engineType := strings.ToLower(cfg.Type)
	if engineType == "" {
		engineType = "websocket"
	}

	log.Info().
		Str("engine_type", engineType).
		Dur("timeout", cfg.Timeout).
		Str("socks_host", cfg.SOCKSProxy.Host).
		Msg("Creating connection engine")

	switch engineType {
	case "websocket":
		return NewWebSocketEngine(cfg), nil
	case "redis":
		return NewRedisEngine(cfg), nil
	case "kafka":
		return NewKafkaEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unknown engine type: %s (supported: websocket, redis, kafka)", engineType)
	}
}

// channelBase derives a channel or topic name from a URL path.
func channelBase(path string) string {
	base := strings.Trim(path, "/")
	if base == "" {
		return "wsagent"
	}
	return strings.ReplaceAll(base, "/", ".")
}
