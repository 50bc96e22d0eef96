package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/santa/pkg/id"
)

// Message is one queued notification as seen by consumers.
type Message struct {
	ID id.ID `json:"id"`
	// Key is the idempotency key the message was enqueued under, if any.
	Key  string          `json:"key,omitempty"`
	Body json.RawMessage `json:"body"`
	// EnqueuedAt is the original enqueue time; redrives keep it.
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// ReceiveCount counts every lease ever handed out for this message and
	// never decreases.
	ReceiveCount int `json:"receiveCount"`
	// ReceivesSinceRedrive is what the redrive policy compares against
	// MaxReceiveCount; an operator redrive starts it over.
	ReceivesSinceRedrive int    `json:"receivesSinceRedrive"`
	Redrives             int    `json:"redrives,omitempty"`
	LastError            string `json:"lastError,omitempty"`
	// AvailableAt is when the message becomes receivable; zero while leased.
	AvailableAt time.Time `json:"availableAt,omitempty"`
}

// Lease is the explicit record of who holds a message and until when.
type Lease struct {
	MessageID    id.ID     `json:"messageId"`
	ConsumerID   string    `json:"consumerId"`
	LeasedAt     time.Time `json:"leasedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ReceiveCount int       `json:"receiveCount"`
}

// DeadLetter is an immutable record of a message that exhausted delivery.
type DeadLetter struct {
	Message        Message   `json:"message"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// Completed records an acknowledged message.
type Completed struct {
	MessageID    id.ID     `json:"messageId"`
	ConsumerID   string    `json:"consumerId,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	AckedAt      time.Time `json:"ackedAt"`
	ReceiveCount int       `json:"receiveCount"`
}

func decode[T any](b []byte, what string) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", what, err)
	}
	return v, nil
}

func encode(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", what, err)
	}
	return b, nil
}
