package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// DatasetDelta is one dataset pull: changed rows, tombstones, and the
// server's version high-water mark for the next cursor.
type DatasetDelta struct {
	Rows         []json.RawMessage `json:"rows"`
	DeletedIDs   []string          `json:"deleted_ids"`
	Version      string            `json:"version"`
	RecordCount  int               `json:"record_count"`
	DeletedCount int               `json:"deleted_count"`
}

// PullDataset fetches the delta for one dataset. since is the locally
// stored version cursor; empty means a full pull. The sync flag tells the
// server to include tombstones for rows deleted since the cursor.
func (c *Client) PullDataset(ctx context.Context, key, since string) (*DatasetDelta, error) {
	query := url.Values{"sync": {"true"}}
	if since != "" {
		query.Set("modified_since", since)
	}

	path := "/v1/sync/datasets/" + url.PathEscape(key) + "?" + query.Encode()

	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: pull dataset %s: %w", key, err)
	}
	defer resp.Body.Close()

	var delta DatasetDelta
	if err := json.NewDecoder(resp.Body).Decode(&delta); err != nil {
		return nil, fmt.Errorf("backend: pull dataset %s: decoding response: %w", key, err)
	}

	return &delta, nil
}

// Probe issues a single health check with no retries. The network monitor
// calls this on its own schedule; retrying inside would smear the
// hysteresis timing.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.doOnce(ctx, http.MethodGet, c.baseURL+"/v1/health", nil, nil)
	if err != nil {
		return fmt.Errorf("backend: probe: %w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode: resp.StatusCode,
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	return nil
}
