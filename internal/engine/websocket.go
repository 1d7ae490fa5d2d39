package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"wsagent/internal/config"
	"wsagent/internal/logger"
	"wsagent/internal/network"
	"wsagent/internal/protocol"
)

const (
	inboundBuffer      = 256
	defaultSendTimeout = 10 * time.Second
)

type inboundFrame struct {
	text string
	err  error
}

// WebSocketEngine is a websocket client. A reader goroutine buffers inbound
// frames which Service hands to the Handler on the caller's goroutine.
type WebSocketEngine struct {
	cfg config.EngineConfig
	log zerolog.Logger

	initialized bool
	params      protocol.ConnectionParameters
	handler     Handler
	client      *http.Client
	scheme      string

	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan inboundFrame
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewWebSocketEngine creates an uninitialised websocket engine.
func NewWebSocketEngine(cfg config.EngineConfig) *WebSocketEngine {
	return &WebSocketEngine{
		cfg: cfg,
		log: logger.WithComponent("ws-engine"),
	}
}

// Init prepares the HTTP client (TLS, SOCKS proxy) used for the handshake.
func (e *WebSocketEngine) Init(params protocol.ConnectionParameters, h Handler) error {
	if e.initialized {
		return connErr("init", errAlreadyInitialized)
	}
	if h == nil {
		return connErr("init", fmt.Errorf("nil handler"))
	}
	if err := params.Validate(); err != nil {
		return err
	}

	tlsConfig, err := newTLSConfig(e.cfg.TLS)
	if err != nil {
		return connErr("init", err)
	}
	dial, err := network.ContextDialer(e.cfg.SOCKSProxy.Host, e.cfg.SOCKSProxy.Port, e.cfg.Timeout)
	if err != nil {
		return connErr("init", err)
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: e.cfg.Timeout,
	}
	if dial != nil {
		transport.DialContext = dial
	}

	e.client = &http.Client{Transport: transport}
	e.scheme = "ws"
	if tlsConfig != nil {
		e.scheme = "wss"
	}
	e.params = params.Normalized()
	e.handler = h
	e.initialized = true

	e.log.Info().
		Str("url", e.URL()).
		Bool("tls", tlsConfig != nil).
		Bool("socks", dial != nil).
		Msg("Websocket engine initialized")
	return nil
}

// URL returns the endpoint the engine dials.
func (e *WebSocketEngine) URL() string {
	host := e.params.Address
	if e.params.Port > 0 {
		host = net.JoinHostPort(e.params.Address, strconv.Itoa(e.params.Port))
	}
	u := url.URL{Scheme: e.scheme, Host: host, Path: e.params.Path}
	return u.String()
}

// Connect performs the websocket handshake and starts the reader.
func (e *WebSocketEngine) Connect(ctx context.Context) error {
	if !e.initialized {
		return connErr("connect", errNotInitialized)
	}
	if e.conn != nil {
		return connErr("connect", fmt.Errorf("already connected"))
	}

	dialCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, e.URL(), &websocket.DialOptions{
		HTTPClient:      e.client,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return connErr("connect", err)
	}
	if e.cfg.ReadLimit > 0 {
		conn.SetReadLimit(e.cfg.ReadLimit)
	}

	e.conn = conn
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.inbound = make(chan inboundFrame, inboundBuffer)
	e.closing.Store(false)

	e.wg.Add(1)
	go e.readLoop()
	if e.cfg.PingInterval > 0 {
		e.wg.Add(1)
		go e.pingLoop()
	}

	e.log.Info().Str("url", e.URL()).Msg("Websocket connected")
	return nil
}

func (e *WebSocketEngine) readLoop() {
	defer e.wg.Done()
	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			if e.closing.Load() || e.ctx.Err() != nil {
				return
			}
			e.push(inboundFrame{err: err})
			return
		}
		e.push(inboundFrame{text: string(data)})
	}
}

func (e *WebSocketEngine) pingLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(e.ctx, e.sendTimeout())
			err := e.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if e.closing.Load() || e.ctx.Err() != nil {
					return
				}
				e.push(inboundFrame{err: fmt.Errorf("ping: %w", err)})
				return
			}
		}
	}
}

func (e *WebSocketEngine) push(f inboundFrame) {
	select {
	case e.inbound <- f:
	case <-e.ctx.Done():
	}
}

// Service dispatches buffered frames. At most one buffer's worth is handled
// per call so a busy peer cannot starve the caller.
func (e *WebSocketEngine) Service(timeout time.Duration) error {
	if !e.initialized {
		return connErr("service", errNotInitialized)
	}
	if e.inbound == nil {
		return nil
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case f := <-e.inbound:
			e.dispatch(f)
		case <-timer.C:
			return nil
		}
	}

	for i := 0; i < inboundBuffer; i++ {
		select {
		case f := <-e.inbound:
			e.dispatch(f)
		default:
			return nil
		}
	}
	return nil
}

func (e *WebSocketEngine) dispatch(f inboundFrame) {
	if f.err != nil {
		e.log.Warn().Err(f.err).Msg("Websocket read failed")
		e.handler.OnError(connErr("read", f.err))
		return
	}
	e.handler.OnMessage(f.text)
}

// Send writes a text frame when reliable, otherwise a binary frame.
func (e *WebSocketEngine) Send(text string, reliable bool) (int, error) {
	if e.conn == nil {
		return 0, connErr("send", errNotConnected)
	}

	typ := websocket.MessageText
	if !reliable {
		typ = websocket.MessageBinary
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.sendTimeout())
	defer cancel()
	if err := e.conn.Write(ctx, typ, []byte(text)); err != nil {
		return 0, connErr("send", err)
	}
	return len(text), nil
}

func (e *WebSocketEngine) sendTimeout() time.Duration {
	if e.cfg.Timeout > 0 {
		return e.cfg.Timeout
	}
	return defaultSendTimeout
}

// Teardown closes the connection, waits for helper goroutines and resets
// the engine so Init can be called again.
func (e *WebSocketEngine) Teardown() error {
	if !e.initialized {
		e.log.Debug().Msg("Teardown on uninitialized engine")
		return nil
	}

	if e.conn != nil {
		e.closing.Store(true)
		if err := e.conn.Close(websocket.StatusNormalClosure, "teardown"); err != nil {
			e.log.Debug().Err(err).Msg("Websocket close handshake incomplete")
		}
		e.cancel()
		e.wg.Wait()
		e.conn = nil
		e.inbound = nil
	}

	e.client.CloseIdleConnections()
	e.client = nil
	e.handler = nil
	e.initialized = false

	e.log.Info().Msg("Websocket engine torn down")
	return nil
}
