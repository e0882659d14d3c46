package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/applydesk/dispatch/internal/agent/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// PairingClient completes the token exchange that binds this device to an
// owner account. The exchange token comes from the owner's app; completing
// it returns the long-lived desktop credential the agent dials with.
type PairingClient struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

func NewPairingClient(baseURL string, timeout time.Duration, logger logging.Logger) *PairingClient {
	return &PairingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type completeExchangeRequest struct {
	ExchangeToken string `json:"exchangeToken"`
	DeviceID      string `json:"deviceId"`
	DeviceName    string `json:"deviceName,omitempty"`
	Platform      string `json:"platform,omitempty"`
}

type completeExchangeResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// Complete redeems an exchange token for desktop credentials. Each token is
// single-use; a rejected exchange means the token expired, was already
// redeemed, or belongs to a different device.
func (c *PairingClient) Complete(ctx context.Context, exchangeToken, deviceID, deviceName, platform string) (*core.Credentials, error) {
	body, err := json.Marshal(completeExchangeRequest{
		ExchangeToken: exchangeToken,
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		Platform:      platform,
	})
	if err != nil {
		return nil, fmt.Errorf("encode exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/exchange/complete", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("complete exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The dispatcher answers every token failure with the same body, so
		// there is nothing more specific to surface here.
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("exchange rejected with status %d", resp.StatusCode)
	}

	var grant completeExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("exchange response missing access token")
	}

	c.logger.Info("Device paired",
		"deviceId", deviceID,
		"expiresIn", grant.ExpiresIn)

	return &core.Credentials{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Platform:   platform,
		Token:      grant.AccessToken,
		PairedAt:   time.Now().UTC(),
	}, nil
}
