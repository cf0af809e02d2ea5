package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/genai-merch/api/internal/services"
)

// PubSubPreparePublisher publishes print preparation jobs to a Pub/Sub topic.
type PubSubPreparePublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPreparePublisher constructs a Pub/Sub backed prepare job publisher.
func NewPubSubPreparePublisher(topic *pubsub.Topic) (*PubSubPreparePublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub prepare publisher: topic is required")
	}
	return &PubSubPreparePublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishPrepareJob enqueues a prepare job message on the configured topic.
func (p *PubSubPreparePublisher) PublishPrepareJob(ctx context.Context, message services.PrepareJobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub prepare publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal prepare job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", message.JobID)
	setAttr(attrs, "designId", message.DesignID)
	setAttr(attrs, "sessionId", message.SessionID)
	if key := strings.TrimSpace(message.IdempotencyKey); key != "" {
		attrs["idempotencyKey"] = key
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish prepare job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
