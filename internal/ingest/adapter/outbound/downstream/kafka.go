package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes one message per completed session, keyed by
// session id so redeliveries land on the same partition.
type KafkaNotifier struct {
	writer  messageWriter
	timeout time.Duration
}

var _ port.Notifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(brokers []string, topic string, timeout time.Duration) (*KafkaNotifier, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka notifier needs brokers and a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: timeout,
	}
	return newKafkaNotifier(w, timeout), nil
}

func newKafkaNotifier(w messageWriter, timeout time.Duration) *KafkaNotifier {
	return &KafkaNotifier{writer: w, timeout: timeout}
}

func (n *KafkaNotifier) Notify(ctx context.Context, summary domain.ValidationSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return domain.Permanent(fmt.Errorf("encode summary: %w", err))
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(summary.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "qc_profile", Value: []byte(summary.QCProfile)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish session %s: %w", summary.SessionID, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
