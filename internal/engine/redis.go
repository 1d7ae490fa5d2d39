package engine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"wsagent/internal/config"
	"wsagent/internal/logger"
	"wsagent/internal/network"
	"wsagent/internal/protocol"
)

const redisChannelSize = 256

// RedisEngine exchanges messages over Redis pub/sub. It subscribes to
// "<base>:in" and publishes to "<base>:out", where base is derived from the
// connection path.
type RedisEngine struct {
	cfg config.EngineConfig
	log zerolog.Logger

	initialized bool
	handler     Handler
	addr        string
	inChannel   string
	outChannel  string

	client *redis.Client
	sub    *redis.PubSub
	msgs   <-chan *redis.Message
}

// NewRedisEngine creates an uninitialised Redis engine.
func NewRedisEngine(cfg config.EngineConfig) *RedisEngine {
	return &RedisEngine{
		cfg: cfg,
		log: logger.WithComponent("redis-engine"),
	}
}

// Init creates the Redis client. No network traffic happens until Connect.
func (e *RedisEngine) Init(params protocol.ConnectionParameters, h Handler) error {
	if e.initialized {
		return connErr("init", errAlreadyInitialized)
	}
	if h == nil {
		return connErr("init", fmt.Errorf("nil handler"))
	}
	if err := params.Validate(); err != nil {
		return err
	}
	params = params.Normalized()

	tlsConfig, err := newTLSConfig(e.cfg.TLS)
	if err != nil {
		return connErr("init", err)
	}
	dial, err := network.ContextDialer(e.cfg.SOCKSProxy.Host, e.cfg.SOCKSProxy.Port, e.cfg.Timeout)
	if err != nil {
		return connErr("init", err)
	}

	e.addr = net.JoinHostPort(params.Address, strconv.Itoa(params.Port))
	opts := &redis.Options{
		Addr:         e.addr,
		Password:     e.cfg.Redis.Password,
		DB:           e.cfg.Redis.DB,
		DialTimeout:  e.cfg.Timeout,
		WriteTimeout: e.cfg.Timeout,
		TLSConfig:    tlsConfig,
	}
	if dial != nil {
		opts.Dialer = dial
	}

	base := channelBase(params.Path)
	e.inChannel = base + ":in"
	e.outChannel = base + ":out"
	e.client = redis.NewClient(opts)
	e.handler = h
	e.initialized = true

	e.log.Info().
		Str("addr", e.addr).
		Str("in", e.inChannel).
		Str("out", e.outChannel).
		Msg("Redis engine initialized")
	return nil
}

// Connect pings the server and subscribes to the inbound channel.
func (e *RedisEngine) Connect(ctx context.Context) error {
	if !e.initialized {
		return connErr("connect", errNotInitialized)
	}
	if e.sub != nil {
		return connErr("connect", fmt.Errorf("already connected"))
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	if err := e.client.Ping(ctx).Err(); err != nil {
		return connErr("connect", err)
	}

	sub := e.client.Subscribe(ctx, e.inChannel)
	// Wait for the subscription confirmation so no message published after
	// Connect returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return connErr("subscribe", err)
	}

	e.sub = sub
	e.msgs = sub.Channel(redis.WithChannelSize(redisChannelSize))

	e.log.Info().Str("addr", e.addr).Str("channel", e.inChannel).Msg("Redis subscribed")
	return nil
}

// Service dispatches buffered pub/sub messages.
func (e *RedisEngine) Service(timeout time.Duration) error {
	if !e.initialized {
		return connErr("service", errNotInitialized)
	}
	if e.msgs == nil {
		return nil
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case msg, ok := <-e.msgs:
			if !e.dispatch(msg, ok) {
				return nil
			}
		case <-timer.C:
			return nil
		}
	}

	for i := 0; i < redisChannelSize; i++ {
		select {
		case msg, ok := <-e.msgs:
			if !e.dispatch(msg, ok) {
				return nil
			}
		default:
			return nil
		}
	}
	return nil
}

func (e *RedisEngine) dispatch(msg *redis.Message, ok bool) bool {
	if !ok {
		e.msgs = nil
		e.log.Warn().Str("channel", e.inChannel).Msg("Redis subscription closed")
		e.handler.OnError(connErr("read", fmt.Errorf("subscription closed")))
		return false
	}
	e.handler.OnMessage(msg.Payload)
	return true
}

// Send publishes text on the outbound channel. Redis pub/sub has a single
// delivery mode so reliable is ignored.
func (e *RedisEngine) Send(text string, reliable bool) (int, error) {
	if e.sub == nil {
		return 0, connErr("send", errNotConnected)
	}

	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.client.Publish(ctx, e.outChannel, text).Err(); err != nil {
		return 0, connErr("send", err)
	}
	return len(text), nil
}

// Teardown closes the subscription and the client.
func (e *RedisEngine) Teardown() error {
	if !e.initialized {
		return nil
	}

	var firstErr error
	if e.sub != nil {
		if err := e.sub.Close(); err != nil {
			firstErr = err
		}
		e.sub = nil
		e.msgs = nil
	}
	if err := e.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.client = nil
	e.handler = nil
	e.initialized = false

	e.log.Info().Str("addr", e.addr).Msg("Redis engine torn down")
	if firstErr != nil {
		return connErr("teardown", firstErr)
	}
	return nil
}
