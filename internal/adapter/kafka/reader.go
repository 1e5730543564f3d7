package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/dmind-project/offline-map-service/internal/config"
	"github.com/dmind-project/offline-map-service/internal/domain"
)

// Reader consumes disaster alerts from the alert topic as part of a
// consumer group. It implements prefetch.AlertSource.
type Reader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewReader creates a consumer-group reader for the configured alert topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaAlertTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Reader{reader: r, logger: logger}
}

// NextAlert blocks until the next alert arrives or ctx is done. The group
// offset is committed before the alert is returned, so a crash mid-prefetch
// skips the alert rather than replaying it.
func (r *Reader) NextAlert(ctx context.Context) (domain.Alert, error) {
	msg, err := r.reader.ReadMessage(ctx)
	if err != nil {
		return domain.Alert{}, err
	}
	alert, err := mapMessageToAlert(msg)
	if err != nil {
		r.logger.Warn("dropping malformed alert message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return domain.Alert{}, err
	}
	return alert, nil
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

// mapMessageToAlert decodes a Kafka message into an Alert, filling the ID
// and issue time from message metadata when the payload omits them.
func mapMessageToAlert(msg kafkago.Message) (domain.Alert, error) {
	var alert domain.Alert
	if err := json.Unmarshal(msg.Value, &alert); err != nil {
		return domain.Alert{}, fmt.Errorf("decode alert message: %w", err)
	}
	if alert.ID == "" {
		alert.ID = string(msg.Key)
	}
	if alert.IssuedAt.IsZero() {
		alert.IssuedAt = msg.Time
	}
	return alert, nil
}
