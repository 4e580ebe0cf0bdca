// Package queue hands successfully received inbound messages off to the
// durable queue downstream consumers read from.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPublish wraps failures from the underlying broker.
var ErrPublish = errors.New("queue publish failed")

// InboundMessage is the payload delivered to downstream consumers.
type InboundMessage struct {
	CorrelationID string
	MessageID     string
	Payload       string
	Attachments   []Attachment
}

// Attachment mirrors the ebXML attachment parts of the inbound message.
type Attachment struct {
	ContentID   string `json:"contentId"`
	ContentType string `json:"contentType"`
	Base64      bool   `json:"isBase64"`
	Payload     string `json:"payload"`
}

// Publisher is the durable-queue capability the inbound workflows depend on.
type Publisher interface {
	Publish(ctx context.Context, msg *InboundMessage) error
}

// MaxRetriesError is returned when every publish attempt failed. The wrapped
// error is the last one observed.
type MaxRetriesError struct {
	Attempts int
	Err      error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("queue: %d publish attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *MaxRetriesError) Unwrap() error { return e.Err }

// PublishWithRetries publishes with a bounded fixed-delay retry. Exhaustion
// is fatal to the inbound delivery and returns *MaxRetriesError.
func PublishWithRetries(ctx context.Context, publisher Publisher, msg *InboundMessage, maxRetries int, delay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := publisher.Publish(ctx, msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &MaxRetriesError{Attempts: maxRetries + 1, Err: lastErr}
}
