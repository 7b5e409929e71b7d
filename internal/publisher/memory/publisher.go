// Package memory keeps roll-up announcements in process when no Pub/Sub
// topic is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Publisher encodes payloads the way the Pub/Sub publisher does and keeps
// them for inspection.
type Publisher struct {
	logger *zap.Logger

	mu       sync.RWMutex
	messages []Message
}

// Message is one recorded announcement.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// New returns a memory Publisher.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger.Named("memory_publisher")}
}

// Publish records the JSON-encoded payload and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	p.mu.Unlock()

	p.logger.Info("announcement recorded",
		zap.String("topic", topic),
		zap.String("message_id", id),
		zap.Int("bytes", len(data)))
	return id, nil
}

// Messages returns a copy of the recorded announcements.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
