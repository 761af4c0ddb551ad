// Package kafka publishes goMFA audit entries as JSON to a Kafka topic.
// Entries are keyed by subject so each user's history stays ordered within
// a partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the log needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Log is a [goMFA.AuditLog] that writes to Kafka.
type Log struct {
	writer MessageWriter
}

var _ goMFA.AuditLog = (*Log)(nil)

// New builds a writer for topic on brokers.
func New(brokers []string, topic string) (*Log, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka audit log requires brokers and a topic")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}), nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w MessageWriter) *Log {
	return &Log{writer: w}
}

// Append implements [goMFA.AuditLog].
func (l *Log) Append(ctx context.Context, entry goMFA.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	err = l.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.SubjectID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(entry.Action)},
		},
		Time: entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (l *Log) Close() error {
	if l == nil || l.writer == nil {
		return nil
	}
	return l.writer.Close()
}
