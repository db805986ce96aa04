// Package messaging provides the Kafka push channel for remote profile
// snapshots and the mining session event stream.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/minesync/pkg/circuit"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
	"github.com/bardlex/minesync/pkg/retry"
)

// KafkaClient wraps kafka-go with protobuf support and connection pooling
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")

	// Configure circuit breaker for Kafka operations
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic (with connection pooling)
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	// Double-check after acquiring write lock
	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.publish(ctx, "publish_message", topic, key, data)
}

// PublishJSON publishes a value encoded as JSON to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.publish(ctx, "publish_json", topic, key, data)
}

// PublishSessionEvent publishes a session event keyed by user id
func (k *KafkaClient) PublishSessionEvent(ctx context.Context, ev SessionEvent) error {
	msg, err := ev.ToProto()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "session_event_encode",
			"failed to encode session event").WithContext("user_id", ev.UserID)
	}
	return k.PublishProto(ctx, TopicSessionEvents, ev.UserID, msg)
}

// PublishProfileUpdate pushes a remote snapshot to every instance driving the user
func (k *KafkaClient) PublishProfileUpdate(ctx context.Context, update ProfileUpdate) error {
	return k.PublishJSON(ctx, TopicProfileUpdates, update.UserID, update)
}

// readMessage reads the next message. Decoding failures are reported as
// validation errors so the breaker ignores them.
func (k *KafkaClient) readMessage(ctx context.Context, reader *kafka.Reader) (kafka.Message, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			kafkaMsg, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeMessaging, "read_message",
					"failed to read message from Kafka")
			}
			k.logger.Debug("consumed message", "topic", kafkaMsg.Topic, "key", string(kafkaMsg.Key), "size", len(kafkaMsg.Value))
			return kafkaMsg, nil
		})
	})
}

// ConsumeProto consumes and unmarshals protobuf messages from Kafka
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	kafkaMsg, err := k.readMessage(ctx, reader)
	if err != nil {
		return "", err
	}

	if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("message_size", len(kafkaMsg.Value))
	}
	return string(kafkaMsg.Key), nil
}

// ConsumeProfileUpdate reads and decodes the next profile update
func (k *KafkaClient) ConsumeProfileUpdate(ctx context.Context, reader *kafka.Reader) (ProfileUpdate, error) {
	kafkaMsg, err := k.readMessage(ctx, reader)
	if err != nil {
		return ProfileUpdate{}, err
	}
	return DecodeProfileUpdate(kafkaMsg.Value, string(kafkaMsg.Key))
}

// ProfileUpdateHandler receives decoded profile updates
type ProfileUpdateHandler interface {
	HandleProfileUpdate(ctx context.Context, update ProfileUpdate) error
}

// SessionEventHandler receives decoded session events
type SessionEventHandler interface {
	HandleSessionEvent(ctx context.Context, ev SessionEvent) error
}

// StartProfileConsumer consumes the push channel until ctx is done
func (k *KafkaClient) StartProfileConsumer(ctx context.Context, groupID string, handler ProfileUpdateHandler) error {
	reader := k.GetConsumer(TopicProfileUpdates, groupID)
	k.logger.Info("starting consumer", "topic", TopicProfileUpdates, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", TopicProfileUpdates)
			return ctx.Err()
		default:
		}

		update, err := k.ConsumeProfileUpdate(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", TopicProfileUpdates)
			continue
		}

		if err := handler.HandleProfileUpdate(ctx, update); err != nil {
			k.logger.WithError(err).Error("failed to handle message",
				"topic", TopicProfileUpdates, "key", update.UserID)
		}
	}
}

// StartSessionEventConsumer consumes the session event stream until ctx is done
func (k *KafkaClient) StartSessionEventConsumer(ctx context.Context, groupID string, handler SessionEventHandler) error {
	reader := k.GetConsumer(TopicSessionEvents, groupID)
	k.logger.Info("starting consumer", "topic", TopicSessionEvents, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", TopicSessionEvents)
			return ctx.Err()
		default:
		}

		msg := &structpb.Struct{}
		key, err := k.ConsumeProto(ctx, reader, msg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", TopicSessionEvents)
			continue
		}

		ev, err := SessionEventFromProto(msg)
		if err != nil {
			k.logger.WithError(err).Warn("dropping malformed session event", "key", key)
			continue
		}
		if err := handler.HandleSessionEvent(ctx, ev); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", TopicSessionEvents, "key", key)
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	// Close all writers
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	// Close all readers
	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
