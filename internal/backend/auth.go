package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// PairResponse is the backend's side of a terminal pairing exchange.
type PairResponse struct {
	TerminalID    string `json:"terminal_id"`
	TenantID      string `json:"tenant_id"`
	LocationID    string `json:"location_id"`
	APIKey        string `json:"api_key"`
	SigningSecret string `json:"signing_secret"`
}

// Pair exchanges a one-time pairing code for terminal credentials. Called
// once at setup; the result is persisted by the meta package.
func (c *Client) Pair(ctx context.Context, code string) (*PairResponse, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, fmt.Errorf("backend: pair: encoding request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, "/v1/terminals/pair", body, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: pair: %w", err)
	}
	defer resp.Body.Close()

	var pr PairResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("backend: pair: decoding response: %w", err)
	}

	if pr.TerminalID == "" || pr.APIKey == "" {
		return nil, fmt.Errorf("backend: pair: incomplete credentials in response")
	}

	return &pr, nil
}

// VerifyKey checks that the stored API key is still accepted. A nil error
// means the backend recognized the terminal; ErrAuthInvalid means the key
// was revoked and must be cleared.
func (c *Client) VerifyKey(ctx context.Context) error {
	resp, err := c.Do(ctx, http.MethodGet, "/v1/auth/verify", nil, nil)
	if err != nil {
		return fmt.Errorf("backend: verify key: %w", err)
	}

	resp.Body.Close()

	return nil
}
