// Package ratelimit caps how often a key (owner id, client address) may hit
// the abuse-sensitive endpoints, chiefly the pairing exchange.
package ratelimit

import "time"

// Limiter answers whether a key may perform one more action right now.
type Limiter interface {
	Allow(key string) bool
}

// Config describes one bucket class: capacity tokens refilled continuously
// over the window.
type Config struct {
	Capacity int
	Window   time.Duration
}
