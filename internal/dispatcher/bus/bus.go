// Package bus provides the pub/sub transport behind task distribution and
// lifecycle events. The in-memory bus serves single-process deployments; the
// NATS bus fans out across dispatcher replicas.
package bus

import (
	"errors"
	"fmt"
)

const (
	KindMemory = "memory"
	KindNATS   = "nats"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides pub/sub messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// New builds a bus from configuration.
func New(kind, url string, bufferSize int) (MessageBus, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryBus(Config{BufferSize: bufferSize}), nil
	case KindNATS:
		cfg := DefaultNATSConfig()
		cfg.URL = url
		cfg.BufferSize = bufferSize
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unknown bus kind: %q", kind)
	}
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	return nil
}
