package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsagent/internal/config"
	"wsagent/internal/logger"
)

func init() {
	_ = logger.Init(logger.Config{Level: "disabled"})
}

// recordingHandler collects callbacks for assertions.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
	errs []error
}

func (h *recordingHandler) OnMessage(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, text)
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.msgs...)
}

func (h *recordingHandler) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

// serviceUntil pumps e until cond holds or three seconds elapse.
func serviceUntil(t *testing.T, e Engine, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, e.Service(10*time.Millisecond))
		if cond() {
			return
		}
	}
	t.Fatal("condition not met while servicing engine")
}

func TestNew_SelectsEngine(t *testing.T) {
	tests := []struct {
		engineType string
		want       interface{}
	}{
		{"", &WebSocketEngine{}},
		{"websocket", &WebSocketEngine{}},
		{"WebSocket", &WebSocketEngine{}},
		{"redis", &RedisEngine{}},
		{"kafka", &KafkaEngine{}},
	}

	for _, tt := range tests {
		t.Run(tt.engineType, func(t *testing.T) {
			e, err := New(config.EngineConfig{Type: tt.engineType})
			require.NoError(t, err)
			assert.IsType(t, tt.want, e)
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(config.EngineConfig{Type: "smoke-signals"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine type")
}

func TestChannelBase(t *testing.T) {
	assert.Equal(t, "wsagent", channelBase(""))
	assert.Equal(t, "wsagent", channelBase("/"))
	assert.Equal(t, "chat", channelBase("/chat"))
	assert.Equal(t, "rooms.lobby", channelBase("/rooms/lobby/"))
}
