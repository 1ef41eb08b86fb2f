// Package pubsub adapts Google Cloud Pub/Sub to the pipeline: the inbound
// subscription is an ingest.Source and topics are alert transports.
// PUBSUB_EMULATOR_HOST is honored by the underlying client.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"google.golang.org/api/option"
)

// Client wraps a shared Pub/Sub client.
type Client struct {
	client *pubsub.Client
}

// NewClient creates a Pub/Sub client for projectID.
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewClient: creating pubsub client: %w", err)
	}
	return &Client{client: client}, nil
}

// Close closes the client. Publishers must be stopped first.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// SubscriptionExists reports whether the subscription exists.
func (c *Client) SubscriptionExists(ctx context.Context, id string) (bool, error) {
	ok, err := c.client.Subscription(id).Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("SubscriptionExists: %s: %w", id, err)
	}
	return ok, nil
}

// TopicExists reports whether the topic exists.
func (c *Client) TopicExists(ctx context.Context, id string) (bool, error) {
	ok, err := c.client.Topic(id).Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("TopicExists: %s: %w", id, err)
	}
	return ok, nil
}

// Subscriber is an ingest.Source reading one subscription.
type Subscriber struct {
	sub *pubsub.Subscription
}

// Subscriber returns a source for subscription id. maxOutstanding caps the
// number of unacknowledged messages held by this process.
func (c *Client) Subscriber(id string, maxOutstanding int) *Subscriber {
	sub := c.client.Subscription(id)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	return &Subscriber{sub: sub}
}

// Receive blocks until ctx is done or the subscription fails. fn is called
// concurrently, once per delivered message.
func (s *Subscriber) Receive(ctx context.Context, fn func(context.Context, pipeline.Message)) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		fn(ctx, message{m})
	})
	if err != nil {
		return fmt.Errorf("Receive: %s: %w", s.sub.ID(), err)
	}
	return nil
}

// message adapts *pubsub.Message to pipeline.Message.
type message struct {
	m *pubsub.Message
}

func (m message) ID() string                    { return m.m.ID }
func (m message) Data() []byte                  { return m.m.Data }
func (m message) Attributes() map[string]string { return m.m.Attributes }
func (m message) Ack()                          { m.m.Ack() }
func (m message) Nack()                         { m.m.Nack() }

// Publisher publishes to one topic. It batches in the background; call Stop
// before closing the client to flush.
type Publisher struct {
	topic *pubsub.Topic
}

// Publisher returns a publisher for topic id.
func (c *Client) Publisher(id string) *Publisher {
	return &Publisher{topic: c.client.Topic(id)}
}

// Publish sends one message and waits for the server-assigned ID.
func (p *Publisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	res := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("Publish: %s: %w", p.topic.ID(), err)
	}
	return id, nil
}

// Stop flushes pending messages and releases the topic's goroutines.
func (p *Publisher) Stop() {
	p.topic.Stop()
}

var (
	_ pipeline.AlertTransport = (*Publisher)(nil)
	_ pipeline.Message        = message{}
)
