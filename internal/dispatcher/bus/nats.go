package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus using NATS, for deployments with more than
// one dispatcher replica.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "dispatch",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS and wraps the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
	}, nil
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *Message, b.config.BufferSize)

	natsSub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		msg := &Message{
			Subject: m.Subject,
			Data:    m.Data,
		}
		select {
		case ch <- msg:
		default:
			// Buffer full, drop message
		}
	})
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	return &natsSubscription{
		sub: natsSub,
		ch:  ch,
	}, nil
}

// Close shuts down the NATS connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
	ch  chan *Message
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}
