// Package pubsub implements a Google Cloud Pub/Sub publisher for task
// resolution events.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/scrape-relay/internal/telemetry"
)

// OriginAttribute names the message attribute carrying the publishing
// instance ID so subscribers can skip their own events.
const OriginAttribute = "origin"

// Publisher wraps a Pub/Sub client and publishes JSON payloads.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	origin       string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher. defaultTopic is used when Publish receives an
// empty topic name; origin is attached to every message.
func New(client *pubsub.Client, defaultTopic, origin string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		origin:       origin,
		topics:       make(map[string]*pubsub.Topic),
	}, nil
}

// VerifyTopic checks that the default topic exists.
func (p *Publisher) VerifyTopic(ctx context.Context) error {
	if p.defaultTopic == "" {
		return errors.New("default topic is not configured")
	}
	exists, err := p.topic(p.defaultTopic).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %q: %w", p.defaultTopic, err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic %q does not exist", p.defaultTopic)
	}
	return nil
}

// Publish marshals the payload to JSON, publishes it with the trace context
// of ctx and waits for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if p.origin != "" {
		msg.Attributes[OriginAttribute] = p.origin
	}
	telemetry.InjectAttributes(ctx, msg.Attributes)
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes and stops every topic handle. The client is owned by the caller.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	p.topics[name] = t
	return t
}
