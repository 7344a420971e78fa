// Package queue runs deferred jobs with at-least-once delivery, per-job retry
// policies and a terminal failure hook. Brokers (Redis, SQS) live in their own
// packages and implement Broker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the serialized unit of work carried by a broker.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`    // attempts already made
	Exceptions int             `json:"exceptions"` // attempts that ended in a panic
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Validate checks the fields every broker relies on.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if e.Kind == "" {
		return fmt.Errorf("envelope kind is required")
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("envelope %s: payload is not valid JSON", e.ID)
	}
	return nil
}

// Receipt is a received envelope plus the broker handle needed to ack it.
type Receipt struct {
	Envelope Envelope
	Handle   string
}

// Broker stores envelopes until a worker acks them. A received envelope
// that is not acked before the broker's visibility timeout is delivered again.
type Broker interface {
	Publish(ctx context.Context, env Envelope, delay time.Duration) error
	// Receive returns the next due envelope, or nil when none is ready.
	Receive(ctx context.Context) (*Receipt, error)
	Ack(ctx context.Context, receipt *Receipt) error
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runner skips the remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
