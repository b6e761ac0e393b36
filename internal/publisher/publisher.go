// Package publisher defines the interface for emitting job outcome events
// to downstream collaborators.
package publisher

import "context"

// Publisher sends one serializable payload to a named topic.
type Publisher interface {
	// Publish marshals and sends the payload, returning the message ID.
	Publish(ctx context.Context, topic string, payload any) (string, error)

	// Close cleans up any client connections and resources.
	Close() error
}

// NoOp is a publisher that discards everything. Used when no topic is
// configured.
type NoOp struct{}

// Publish for NoOp does nothing and returns an empty ID.
func (NoOp) Publish(_ context.Context, _ string, _ any) (string, error) { return "", nil }

// Close for NoOp does nothing.
func (NoOp) Close() error { return nil }
