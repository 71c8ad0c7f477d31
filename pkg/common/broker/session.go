package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/sitetrace/scanrelay/pkg/common/config"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
)

// Session owns the single durable broker connection used for publishing.
// It is constructed at startup and handed to the publisher worker, which is
// its only user; there is no process-wide session.
type Session struct {
	brokers []string
	topic   string
	dialer  *kafka.Dialer
	writer  *kafka.Writer
}

func NewSession(cfg *config.Config) (*Session, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is not set")
	}
	if cfg.KafkaTopic == "" {
		return nil, fmt.Errorf("KAFKA_TOPIC is not set")
	}

	mechanism, tlsConfig := credentials(cfg)

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mechanism,
		TLS:           tlsConfig,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			SASL: mechanism,
			TLS:  tlsConfig,
		},
	}

	return &Session{
		brokers: cfg.KafkaBrokers,
		topic:   cfg.KafkaTopic,
		dialer:  dialer,
		writer:  writer,
	}, nil
}

func credentials(cfg *config.Config) (sasl.Mechanism, *tls.Config) {
	var mechanism sasl.Mechanism
	if cfg.KafkaUsername != "" {
		mechanism = plain.Mechanism{
			Username: cfg.KafkaUsername,
			Password: cfg.KafkaPassword,
		}
	}
	var tlsConfig *tls.Config
	if cfg.KafkaUseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return mechanism, tlsConfig
}

// Connect verifies the broker is reachable and the credential is accepted.
// An authentication failure here is fatal for the process.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.brokers[0])
	if err != nil {
		return fmt.Errorf("dialing broker %s: %w", s.brokers[0], err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(s.topic); err != nil {
		return fmt.Errorf("reading partitions for %s: %w", s.topic, err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"broker": s.brokers[0],
		"topic":  s.topic,
	}).Info("Broker session established")
	return nil
}

// Publish writes one message and blocks until the broker acknowledges it.
func (s *Session) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

func (s *Session) Topic() string {
	return s.topic
}

func (s *Session) Close() error {
	return s.writer.Close()
}

// IsFatal reports whether a publish error will not be cured by retrying,
// such as a rejected credential or a missing topic authorization.
func IsFatal(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.SASLAuthenticationFailed,
			kafka.TopicAuthorizationFailed,
			kafka.ClusterAuthorizationFailed,
			kafka.UnsupportedSASLMechanism,
			kafka.IllegalSASLState:
			return true
		}
	}
	return false
}
