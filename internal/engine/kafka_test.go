package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsagent/internal/config"
	"wsagent/internal/protocol"
)

func newMockKafkaEngine(t *testing.T, cfg config.EngineConfig) (*KafkaEngine, *mocks.SyncProducer, *mocks.Consumer) {
	t.Helper()
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)

	e := NewKafkaEngine(cfg)
	e.newProducer = func([]string, *sarama.Config) (sarama.SyncProducer, error) { return producer, nil }
	e.newConsumer = func([]string, *sarama.Config) (sarama.Consumer, error) { return consumer, nil }
	return e, producer, consumer
}

func kafkaTestConfig() config.EngineConfig {
	return config.EngineConfig{
		Type:  "kafka",
		Kafka: config.KafkaConfig{Compression: "snappy", RequiredAcks: 1, MaxRetries: 3},
	}
}

var kafkaParams = protocol.ConnectionParameters{Address: "broker.local", Port: 9092, Path: "/chat"}

func TestKafkaEngine_InitDerivesTopicsAndBrokers(t *testing.T) {
	e, _, _ := newMockKafkaEngine(t, kafkaTestConfig())
	require.NoError(t, e.Init(kafkaParams, &recordingHandler{}))
	defer e.Teardown()

	assert.Equal(t, []string{"broker.local:9092"}, e.brokers)
	assert.Equal(t, "chat.in", e.inTopic)
	assert.Equal(t, "chat.out", e.outTopic)
	assert.True(t, e.saramaCfg.Producer.Return.Successes)
}

func TestKafkaEngine_ConfiguredBrokersWin(t *testing.T) {
	cfg := kafkaTestConfig()
	cfg.Kafka.Brokers = []string{"k1:9092", "k2:9092"}
	e, _, _ := newMockKafkaEngine(t, cfg)
	require.NoError(t, e.Init(kafkaParams, &recordingHandler{}))
	defer e.Teardown()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, e.brokers)
}

func TestKafkaEngine_ConsumeAndProduce(t *testing.T) {
	e, producer, consumer := newMockKafkaEngine(t, kafkaTestConfig())
	consumer.ExpectConsumePartition("chat.in", 0, sarama.OffsetNewest).
		YieldMessage(&sarama.ConsumerMessage{Topic: "chat.in", Value: []byte("hello")})
	producer.ExpectSendMessageAndSucceed()

	h := &recordingHandler{}
	require.NoError(t, e.Init(kafkaParams, h))
	require.NoError(t, e.Connect(context.Background()))

	serviceUntil(t, e, func() bool { return len(h.messages()) == 1 })
	assert.Equal(t, []string{"hello"}, h.messages())

	n, err := e.Send("reply", true)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, e.Teardown())
}

func TestKafkaEngine_SendFailure(t *testing.T) {
	e, producer, consumer := newMockKafkaEngine(t, kafkaTestConfig())
	consumer.ExpectConsumePartition("chat.in", 0, sarama.OffsetNewest)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	require.NoError(t, e.Init(kafkaParams, &recordingHandler{}))
	require.NoError(t, e.Connect(context.Background()))
	defer e.Teardown()

	n, err := e.Send("reply", true)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, protocol.ErrConnection)
}

func TestKafkaEngine_ConsumerErrorReported(t *testing.T) {
	e, _, consumer := newMockKafkaEngine(t, kafkaTestConfig())
	consumer.ExpectConsumePartition("chat.in", 0, sarama.OffsetNewest).
		YieldError(errors.New("broker went away"))

	h := &recordingHandler{}
	require.NoError(t, e.Init(kafkaParams, h))
	require.NoError(t, e.Connect(context.Background()))
	defer e.Teardown()

	serviceUntil(t, e, func() bool { return len(h.errors()) == 1 })
	assert.ErrorIs(t, h.errors()[0], protocol.ErrConnection)
	assert.Contains(t, h.errors()[0].Error(), "broker went away")
}

func TestKafkaEngine_ConsumerCreateFailureClosesProducer(t *testing.T) {
	e, _, _ := newMockKafkaEngine(t, kafkaTestConfig())
	e.newConsumer = func([]string, *sarama.Config) (sarama.Consumer, error) {
		return nil, sarama.ErrOutOfBrokers
	}

	require.NoError(t, e.Init(kafkaParams, &recordingHandler{}))
	defer e.Teardown()

	err := e.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnection)
	assert.Nil(t, e.producer)
}

func TestNewSaramaConfig_SCRAM(t *testing.T) {
	cfg := kafkaTestConfig()
	cfg.Kafka.SASLEnabled = true
	cfg.Kafka.SASLMechanism = "scram-sha-512"
	cfg.Kafka.SASLUser = "agent"
	cfg.Kafka.SASLPassword = "secret"
	cfg.Kafka.Compression = "gzip"
	cfg.Kafka.RequiredAcks = -1

	sc, err := newSaramaConfig(cfg)
	require.NoError(t, err)

	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
	assert.IsType(t, &XDGSCRAMClient{}, sc.Net.SASL.SCRAMClientGeneratorFunc())
	assert.Equal(t, sarama.CompressionGZIP, sc.Producer.Compression)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
}

func TestNewSaramaConfig_SASLWithoutUserRejected(t *testing.T) {
	cfg := kafkaTestConfig()
	cfg.Kafka.SASLEnabled = true

	e := NewKafkaEngine(cfg)
	err := e.Init(kafkaParams, &recordingHandler{})
	assert.ErrorIs(t, err, protocol.ErrConnection)
}

func TestXDGSCRAMClient_Begin(t *testing.T) {
	c := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	require.NoError(t, c.Begin("user", "pass", ""))
	first, err := c.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=user")
	assert.False(t, c.Done())
}
