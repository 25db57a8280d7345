package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// PushRequest is one queued operation headed for the backend. ID is the
// idempotency key: the server deduplicates replays of the same ID.
type PushRequest struct {
	ID        string
	Kind      string
	Payload   json.RawMessage
	Signature string
}

// PushResult is the backend's acceptance of an operation.
type PushResult struct {
	ServerOrderID     string
	ServerOrderNumber string
	Body              string
}

// ConflictError signals a final business rejection of an operation, e.g.
// a duplicate order number or a product removed server-side. Retrying will
// not change the outcome.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("backend: operation conflict: %s", e.Reason)
}

// operationPath maps an operation kind to its endpoint.
func operationPath(kind string) string {
	switch kind {
	case "ORDER":
		return "/v1/sync/orders"
	case "INVENTORY":
		return "/v1/sync/inventory-adjustments"
	case "APPROVAL":
		return "/v1/sync/approvals"
	default:
		return "/v1/sync/operations"
	}
}

// PushOperation replays one queued operation against the backend. The
// operation ID travels as the Idempotency-Key header, the device JWS as
// X-Device-Signature. A 409 comes back as *ConflictError with the
// server's reason.
func (c *Client) PushOperation(ctx context.Context, req PushRequest) (*PushResult, error) {
	headers := http.Header{}
	headers.Set("Idempotency-Key", req.ID)

	if req.Signature != "" {
		headers.Set("X-Device-Signature", req.Signature)
	}

	resp, err := c.Do(ctx, http.MethodPost, operationPath(req.Kind), req.Payload, headers)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && errors.Is(err, ErrConflict) {
			r := apiErr.Reason
			if r == "" {
				r = apiErr.Body
			}

			return nil, &ConflictError{Reason: r}
		}

		return nil, fmt.Errorf("backend: push %s operation %s: %w", req.Kind, req.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: push operation %s: reading response: %w", req.ID, err)
	}

	// Order acceptances carry the server-assigned identifiers either at
	// the top level or under an "order" key.
	var accepted struct {
		ID          string `json:"id"`
		OrderNumber string `json:"order_number"`
		Order       struct {
			ID          string `json:"id"`
			OrderNumber string `json:"order_number"`
		} `json:"order"`
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, &accepted); err != nil {
			return nil, fmt.Errorf("backend: push operation %s: decoding response: %w", req.ID, err)
		}
	}

	result := &PushResult{
		ServerOrderID:     accepted.ID,
		ServerOrderNumber: accepted.OrderNumber,
		Body:              string(body),
	}

	if accepted.Order.ID != "" {
		result.ServerOrderID = accepted.Order.ID
		result.ServerOrderNumber = accepted.Order.OrderNumber
	}

	return result, nil
}
