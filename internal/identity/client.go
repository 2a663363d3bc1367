// Package identity verifies a client's connection key against the
// external identity service and normalizes the identifiers it returns.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the external identity service used when none is
// configured.
const DefaultEndpoint = "https://auth.beammp.com/pkToUser"

// Identity is the verified identity of a connecting client.
type Identity struct {
	Username    string
	Roles       string
	Guest       bool
	Identifiers map[string]string
}

// Client verifies connection keys against the external identity service.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

// New builds a Client pointed at endpoint (DefaultEndpoint if empty) with
// a bounded request timeout.
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyResponse struct {
	Username    string   `json:"username"`
	Roles       string   `json:"roles"`
	Guest       bool     `json:"guest"`
	Identifiers []string `json:"identifiers"`
	Error       string   `json:"error"`
}

// Verify posts key to the identity endpoint and returns the resulting
// identity, with peerIP injected as the "ip" identifier when the service
// does not supply one (matching the original auth_client fallback).
func (c *Client) Verify(ctx context.Context, key, peerIP string) (Identity, error) {
	form := url.Values{"key": {key}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("identity: verify: unexpected status %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Identity{}, fmt.Errorf("identity: decode response: %w", err)
	}
	if vr.Error != "" {
		return Identity{}, fmt.Errorf("identity: rejected: %s", vr.Error)
	}

	ids := make(map[string]string, len(vr.Identifiers))
	for _, s := range vr.Identifiers {
		label, value, ok := strings.Cut(s, ":")
		if !ok {
			continue
		}
		ids[label] = value
	}
	if _, ok := ids["ip"]; !ok {
		ids["ip"] = peerIP
	}

	return Identity{
		Username:    vr.Username,
		Roles:       vr.Roles,
		Guest:       vr.Guest,
		Identifiers: ids,
	}, nil
}
