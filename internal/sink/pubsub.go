package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// document is the JSON envelope published for each fetched page.
type document struct {
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	Body      []byte    `json:"body"`
	FetchedAt time.Time `json:"fetched_at"`
}

// PubSub publishes fetched documents to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSub connects to the project and returns a sink bound to topicID.
func NewPubSub(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSub{
		client: client,
		topic:  client.Topic(topicID),
		logger: logger,
	}, nil
}

// Submit publishes the document and waits for the server's ack.
func (s *PubSub) Submit(ctx context.Context, jobID, url string, body []byte, meta map[string]string) error {
	data, err := json.Marshal(document{
		JobID:     jobID,
		URL:       url,
		Body:      body,
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	attrs := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		attrs[k] = v
	}
	attrs["job_id"] = jobID

	result := s.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish document: %w", err)
	}
	s.logger.Debug("document published",
		zap.String("message_id", id),
		zap.String("url", url))
	return nil
}

// Close flushes pending publishes and releases the client.
func (s *PubSub) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
