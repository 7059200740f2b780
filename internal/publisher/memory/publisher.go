// Package memory contains an in-process alert publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/leadflow/internal/workflow"
)

// Publisher keeps published alerts for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Notify records a compensation alert under the "compensations" topic.
func (p *Publisher) Notify(ctx context.Context, alert workflow.Alert) error {
	_, err := p.Publish(ctx, "compensations", alert)
	return err
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Alerts returns the recorded compensation alerts.
func (p *Publisher) Alerts() []workflow.Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []workflow.Alert
	for _, m := range p.messages {
		if a, ok := m.Payload.(workflow.Alert); ok {
			out = append(out, a)
		}
	}
	return out
}
