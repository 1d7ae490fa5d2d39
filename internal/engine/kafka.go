package engine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"wsagent/internal/config"
	"wsagent/internal/logger"
	"wsagent/internal/network"
	"wsagent/internal/protocol"
)

const kafkaServiceBatch = 256

type (
	producerFactory func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)
	consumerFactory func(brokers []string, cfg *sarama.Config) (sarama.Consumer, error)
)

// KafkaEngine consumes "<base>.in" and produces to "<base>.out" on a Kafka
// cluster. Brokers default to the connection address and port.
type KafkaEngine struct {
	cfg config.EngineConfig
	log zerolog.Logger

	newProducer producerFactory
	newConsumer consumerFactory

	initialized bool
	handler     Handler
	saramaCfg   *sarama.Config
	brokers     []string
	inTopic     string
	outTopic    string

	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	partition sarama.PartitionConsumer
}

// NewKafkaEngine creates an uninitialised Kafka engine.
func NewKafkaEngine(cfg config.EngineConfig) *KafkaEngine {
	return &KafkaEngine{
		cfg:         cfg,
		log:         logger.WithComponent("kafka-engine"),
		newProducer: sarama.NewSyncProducer,
		newConsumer: sarama.NewConsumer,
	}
}

// Init builds the sarama configuration and resolves brokers and topics.
func (e *KafkaEngine) Init(params protocol.ConnectionParameters, h Handler) error {
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

	saramaCfg, err := newSaramaConfig(e.cfg)
	if err != nil {
		return connErr("init", err)
	}

	e.brokers = e.cfg.Kafka.Brokers
	if len(e.brokers) == 0 {
		e.brokers = []string{net.JoinHostPort(params.Address, strconv.Itoa(params.Port))}
	}
	base := channelBase(params.Path)
	e.inTopic = base + ".in"
	e.outTopic = base + ".out"
	e.saramaCfg = saramaCfg
	e.handler = h
	e.initialized = true

	e.log.Info().
		Strs("brokers", e.brokers).
		Str("in", e.inTopic).
		Str("out", e.outTopic).
		Int32("partition", e.cfg.Kafka.Partition).
		Msg("Kafka engine initialized")
	return nil
}

// newSaramaConfig translates the engine settings into a sarama config.
func newSaramaConfig(cfg config.EngineConfig) (*sarama.Config, error) {
	kc := cfg.Kafka
	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = "wsagent"

	// Producer settings. SyncProducer requires both return channels.
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Retry.Max = kc.MaxRetries
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest

	switch strings.ToLower(kc.Compression) {
	case "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	}

	switch kc.RequiredAcks {
	case 0:
		saramaConfig.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	default:
		saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	}

	if cfg.Timeout > 0 {
		saramaConfig.Net.DialTimeout = cfg.Timeout
		saramaConfig.Net.ReadTimeout = cfg.Timeout
		saramaConfig.Net.WriteTimeout = cfg.Timeout
	}

	tlsConfig, err := newTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	if tlsConfig != nil {
		saramaConfig.Net.TLS.Enable = true
		saramaConfig.Net.TLS.Config = tlsConfig
	}

	if kc.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = kc.SASLUser
		saramaConfig.Net.SASL.Password = kc.SASLPassword

		switch strings.ToUpper(kc.SASLMechanism) {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if cfg.SOCKSProxy.Host != "" && cfg.SOCKSProxy.Port > 0 {
		socksDialer, err := network.NewSOCKS5Dialer(cfg.SOCKSProxy.Host, cfg.SOCKSProxy.Port, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		saramaConfig.Net.Proxy.Enable = true
		saramaConfig.Net.Proxy.Dialer = socksDialer
	}

	if err := saramaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka configuration: %w", err)
	}
	return saramaConfig, nil
}

// Connect creates the producer and starts consuming the inbound topic from
// the newest offset. The context is not consulted; sarama bounds each dial
// with Net.DialTimeout.
func (e *KafkaEngine) Connect(_ context.Context) error {
	if !e.initialized {
		return connErr("connect", errNotInitialized)
	}
	if e.producer != nil {
		return connErr("connect", fmt.Errorf("already connected"))
	}

	producer, err := e.newProducer(e.brokers, e.saramaCfg)
	if err != nil {
		return connErr("connect", fmt.Errorf("failed to create Kafka producer: %w", err))
	}
	consumer, err := e.newConsumer(e.brokers, e.saramaCfg)
	if err != nil {
		_ = producer.Close()
		return connErr("connect", fmt.Errorf("failed to create Kafka consumer: %w", err))
	}
	pc, err := consumer.ConsumePartition(e.inTopic, e.cfg.Kafka.Partition, sarama.OffsetNewest)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		return connErr("connect", fmt.Errorf("failed to consume %s/%d: %w", e.inTopic, e.cfg.Kafka.Partition, err))
	}

	e.producer = producer
	e.consumer = consumer
	e.partition = pc

	e.log.Info().Strs("brokers", e.brokers).Str("topic", e.inTopic).Msg("Kafka connected")
	return nil
}

// Service dispatches consumed messages and consumer errors.
func (e *KafkaEngine) Service(timeout time.Duration) error {
	if !e.initialized {
		return connErr("service", errNotInitialized)
	}
	if e.partition == nil {
		return nil
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case msg, ok := <-e.partition.Messages():
			if !e.dispatchMessage(msg, ok) {
				return nil
			}
		case cerr, ok := <-e.partition.Errors():
			if ok {
				e.dispatchError(cerr)
			}
		case <-timer.C:
			return nil
		}
	}

	for i := 0; i < kafkaServiceBatch; i++ {
		select {
		case msg, ok := <-e.partition.Messages():
			if !e.dispatchMessage(msg, ok) {
				return nil
			}
		case cerr, ok := <-e.partition.Errors():
			if ok {
				e.dispatchError(cerr)
			}
		default:
			return nil
		}
	}
	return nil
}

func (e *KafkaEngine) dispatchMessage(msg *sarama.ConsumerMessage, ok bool) bool {
	if !ok {
		e.partition = nil
		e.log.Warn().Str("topic", e.inTopic).Msg("Kafka partition consumer closed")
		e.handler.OnError(connErr("read", fmt.Errorf("partition consumer closed")))
		return false
	}
	e.handler.OnMessage(string(msg.Value))
	return true
}

func (e *KafkaEngine) dispatchError(cerr *sarama.ConsumerError) {
	e.log.Warn().Err(cerr.Err).Str("topic", cerr.Topic).Int32("partition", cerr.Partition).Msg("Kafka consumer error")
	e.handler.OnError(connErr("read", cerr.Err))
}

// Send produces text to the outbound topic and waits for the ack.
func (e *KafkaEngine) Send(text string, reliable bool) (int, error) {
	if e.producer == nil {
		return 0, connErr("send", errNotConnected)
	}

	msg := &sarama.ProducerMessage{
		Topic: e.outTopic,
		Value: sarama.StringEncoder(text),
	}
	partition, offset, err := e.producer.SendMessage(msg)
	if err != nil {
		return 0, connErr("send", err)
	}

	e.log.Debug().
		Str("topic", e.outTopic).
		Int32("partition", partition).
		Int64("offset", offset).
		Bool("reliable", reliable).
		Msg("Message produced")
	return len(text), nil
}

// Teardown closes the partition consumer, consumer and producer.
func (e *KafkaEngine) Teardown() error {
	if !e.initialized {
		return nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.partition != nil {
		keep(e.partition.Close())
		e.partition = nil
	}
	if e.consumer != nil {
		keep(e.consumer.Close())
		e.consumer = nil
	}
	if e.producer != nil {
		keep(e.producer.Close())
		e.producer = nil
	}

	e.saramaCfg = nil
	e.handler = nil
	e.initialized = false

	e.log.Info().Strs("brokers", e.brokers).Msg("Kafka engine torn down")
	if firstErr != nil {
		return connErr("teardown", firstErr)
	}
	return nil
}
