package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/arklim/ipc-gateway/internal/core/domain"
	"go.uber.org/zap"
)

const topicSecurityAlerts = "security.alerts"

// AlertPublisher mirrors critical audit events to Kafka so external
// monitoring reacts without tailing the gateway's audit file.
type AlertPublisher struct {
	producer *Producer
	logger   *zap.Logger
}

func NewAlertPublisher(producer *Producer, logger *zap.Logger) *AlertPublisher {
	return &AlertPublisher{producer: producer, logger: logger}
}

// PublishSecurityAlert enqueues the event on the async producer. The session
// identifier is the partition key so per-session alert order is preserved.
func (p *AlertPublisher) PublishSecurityAlert(ctx context.Context, event domain.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal security alert: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(topicSecurityAlerts),
		Key:   sarama.StringEncoder(event.SessionID),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case p.producer.Producer().Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AlertPublisher) Close() error {
	return p.producer.Close()
}

// StubPublisher drops alerts; used when no brokers are configured.
type StubPublisher struct {
	logger *zap.Logger
}

func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) PublishSecurityAlert(_ context.Context, event domain.AuditEvent) error {
	p.logger.Debug("security alert dropped, no broker configured",
		zap.Uint64("event_id", event.EventID),
		zap.String("session_id", event.SessionID),
	)
	return nil
}

func (p *StubPublisher) Close() error { return nil }
