package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Serves tests and single-process deployments.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool
}

type memorySub struct {
	subject string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	b.mu.RLock()
	subs := b.subs[subject]
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
			default:
				// Buffer full, drop message
			}
		}
	}

	return nil
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closed.Store(true)
			close(sub.ch)
		}
	}

	b.subs = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	close(s.ch)
	return nil
}
