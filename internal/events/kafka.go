package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 2 * time.Second
)

// KafkaSink publishes events to a topic keyed by session id, so one session's
// events stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      logrus.FieldLogger
	client   sarama.Client
}

func NewKafkaSink(brokers []string, topic string, log logrus.FieldLogger) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = kafkaMaxRetries
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka producer")
	}
	s := NewKafkaSinkFromProducer(producer, topic, log)
	s.client = client
	return s, nil
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(p sarama.SyncProducer, topic string, log logrus.FieldLogger) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, log: log}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
		},
		Timestamp: evt.Timestamp,
	}
	op := func() error {
		_, _, err := s.producer.SendMessage(msg)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	return backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		s.log.WithError(err).WithFields(logrus.Fields{
			"session_id": evt.SessionID,
			"type":       evt.Type,
		}).Warnf("kafka publish failed, retrying in %s", next)
	})
}

func (s *KafkaSink) Ping(context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.RefreshMetadata(s.topic); err != nil {
		return errors.Wrap(err, "kafka metadata")
	}
	if len(s.client.Brokers()) == 0 {
		return errors.New("no kafka brokers available")
	}
	return nil
}

func (s *KafkaSink) Close() error {
	err := s.producer.Close()
	if s.client != nil {
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
