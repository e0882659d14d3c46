package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/auth"
	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

type exchangeTokenService struct {
	tokens       core.TokenStore
	issuer       auth.Issuer
	distribution core.DistributionChannel
	tokenTTL     time.Duration
	desktopTTL   time.Duration
	nowFunc      func() time.Time
	logger       logging.Logger
}

func NewExchangeTokenService(
	tokens core.TokenStore,
	issuer auth.Issuer,
	distribution core.DistributionChannel,
	tokenTTL time.Duration,
	desktopTTL time.Duration,
	logger logging.Logger,
) core.ExchangeTokenService {
	if tokenTTL <= 0 {
		tokenTTL = 10 * time.Minute
	}
	if desktopTTL <= 0 {
		desktopTTL = 30 * 24 * time.Hour
	}
	return &exchangeTokenService{
		tokens:       tokens,
		issuer:       issuer,
		distribution: distribution,
		tokenTTL:     tokenTTL,
		desktopTTL:   desktopTTL,
		nowFunc:      time.Now,
		logger:       logger,
	}
}

func (s *exchangeTokenService) Initiate(ownerID string, device core.DeviceInfo) (*core.ExchangeToken, error) {
	if ownerID == "" {
		return nil, &core.ValidationError{Field: "ownerId", Reason: "must not be empty"}
	}
	if device.DeviceID == "" {
		return nil, &core.ValidationError{Field: "device.deviceId", Reason: "must not be empty"}
	}

	now := s.nowFunc()
	value, err := generateExchangeToken(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate exchange token: %w", err)
	}

	token := &core.ExchangeToken{
		Token:     value,
		OwnerID:   ownerID,
		Device:    device,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.tokens.SaveToken(token); err != nil {
		return nil, fmt.Errorf("failed to save exchange token: %w", err)
	}

	// The token value itself never reaches the logs.
	s.logger.Info("Exchange token initiated",
		"owner_id", ownerID,
		"device_id", device.DeviceID,
		"expires_at", token.ExpiresAt.Format(time.RFC3339),
	)
	return token, nil
}

func (s *exchangeTokenService) Complete(token string, device core.DeviceInfo) (*core.PairingGrant, error) {
	record, err := s.inspect(token)
	if err != nil {
		return nil, err
	}

	if record.Device.DeviceID != device.DeviceID {
		s.logger.Warn("Exchange token presented by a different device",
			"owner_id", record.OwnerID,
			"bound_device_id", record.Device.DeviceID,
			"presented_device_id", device.DeviceID,
		)
		return nil, core.ErrDeviceMismatch
	}

	// Single consumer wins the mark; a concurrent duplicate sees already-used.
	marked, err := s.tokens.MarkTokenUsed(token, s.nowFunc())
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, core.ErrTokenAlreadyUsed
	}

	credential, claims, err := s.issuer.Issue(record.OwnerID, auth.CredentialDesktop, record.Device.DeviceID, s.desktopTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue desktop credential: %w", err)
	}

	s.logger.Info("Device paired",
		"owner_id", record.OwnerID,
		"device_id", record.Device.DeviceID,
		"device_name", record.Device.DeviceName,
	)
	if err := s.distribution.EmitEvent(core.DevicePairedEvent{
		OwnerID:  record.OwnerID,
		DeviceID: record.Device.DeviceID,
	}); err != nil {
		s.logger.Warn("Failed to emit pairing event", "owner_id", record.OwnerID, "error", err)
	}

	return &core.PairingGrant{
		OwnerID:    record.OwnerID,
		DeviceID:   record.Device.DeviceID,
		Credential: credential,
		ExpiresAt:  claims.ExpiresAt,
	}, nil
}

func (s *exchangeTokenService) Verify(token string) (*core.ExchangeToken, error) {
	return s.inspect(token)
}

// inspect resolves a token and applies the shared checks. Used is checked
// before expiry so a replayed token reads as already-used even after it
// also expired.
func (s *exchangeTokenService) inspect(token string) (*core.ExchangeToken, error) {
	if token == "" {
		return nil, core.ErrTokenInvalid
	}

	record, err := s.tokens.GetToken(token)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, core.ErrTokenInvalid
	}
	if record.Used {
		return nil, core.ErrTokenAlreadyUsed
	}
	if record.Expired(s.nowFunc()) {
		return nil, core.ErrTokenExpired
	}
	return record, nil
}

// generateExchangeToken hashes 256 bits of entropy together with the issue
// time and a fresh uuid, so a weak entropy source alone can never make two
// tokens collide or one token guessable.
func generateExchangeToken(now time.Time) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(buf)
	h.Write([]byte(now.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(uuid.NewString()))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}
