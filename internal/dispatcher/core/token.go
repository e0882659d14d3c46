package core

import "time"

// DeviceInfo identifies the physical desktop installation being paired.
type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	DeviceType string `json:"device_type,omitempty"`
}

// ExchangeToken is a short-lived, single-use pairing record bound to one
// device at initiate time. Used records are retained until the purge sweep
// so a replayed complete observes "already used" rather than "invalid".
type ExchangeToken struct {
	Token   string
	OwnerID string
	Device  DeviceInfo

	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
}

// Expired reports whether the token is past its expiry at the given time.
func (t *ExchangeToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
