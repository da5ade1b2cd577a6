// Package pubsub publishes rank outcomes to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/rankwatch/internal/rank"
	"github.com/JakeFAU/rankwatch/internal/sink"
)

// Config identifies the destination topic.
type Config struct {
	ProjectID string
	TopicName string
}

// Publisher is a rank.ResultSink backed by one topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	now    func() time.Time
}

// New creates a client for cfg.ProjectID and binds it to cfg.TopicName.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, fmt.Errorf("pubsub project id and topic name are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{
		client: client,
		topic:  client.Topic(cfg.TopicName),
		now:    time.Now,
	}, nil
}

// Emit publishes the outcome as JSON and waits for the server ack.
func (p *Publisher) Emit(ctx context.Context, item rank.WorkItem, res rank.RankResult) error {
	if p == nil || p.topic == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(sink.NewRecord(item, res, p.now()))
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"status":    string(res.Status),
			"task_id":   strconv.FormatInt(item.ID, 10),
			"abandoned": strconv.FormatBool(res.Abandoned),
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
