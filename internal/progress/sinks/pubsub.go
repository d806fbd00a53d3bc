package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// PubSubSink publishes each telemetry event as a JSON message to a Google Cloud
// Pub/Sub topic, the export path for external observability surfaces.
type PubSubSink struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	ownsClient bool
	logger     *zap.Logger
}

// NewPubSubSink creates a Pub/Sub client and verifies the topic exists.
// It authenticates using Google Cloud's Application Default Credentials.
func NewPubSubSink(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil || !exists {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client after topic check", zap.Error(closeErr))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check pubsub topic %q: %w", topicID, err)
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	sink := NewPubSubSinkWithClient(client, topicID, logger)
	sink.ownsClient = true
	return sink, nil
}

// NewPubSubSinkWithClient publishes through an existing client. The caller keeps
// ownership of the client.
func NewPubSubSinkWithClient(client *pubsub.Client, topicID string, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{
		client: client,
		topic:  client.Topic(topicID),
		logger: logger,
	}
}

type eventMessage struct {
	RunID string `json:"run_id"`
	progress.Event
}

// Consume publishes the batch and waits for the server to acknowledge every
// message. Failed publishes are joined into the returned error.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	var errs []error
	for _, evt := range batch {
		data, err := json.Marshal(eventMessage{RunID: evt.RunUUID().String(), Event: evt})
		if err != nil {
			errs = append(errs, fmt.Errorf("encode event: %w", err))
			continue
		}
		attrs := map[string]string{
			"stage":  string(evt.Stage),
			"run_id": evt.RunUUID().String(),
		}
		if evt.Host != "" {
			attrs["host"] = evt.Host
		}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}))
	}
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish event: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes outstanding publishes and, when the sink created the client, closes it.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if !s.ownsClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
