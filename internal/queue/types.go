// Package queue is the durable write-ahead log of outbound mutations. An
// operation is created in the same transaction as the business record it
// describes (offline order with its payments, approval, inventory
// adjustment) and its UUID doubles as the backend idempotency key. The
// drain worker walks PENDING operations in creation order; per local
// order, an operation is never handed out before every earlier operation
// for that order has been sent.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Operation kinds. Drain order within one local order follows this
// sequence so a server-side order exists before anything referencing it.
const (
	KindOrder     = "ORDER"
	KindInventory = "INVENTORY"
	KindApproval  = "APPROVAL"
)

// Operation statuses.
const (
	StatusPending = "PENDING"
	StatusSending = "SENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Offline order statuses.
const (
	OrderPending  = "PENDING"
	OrderSynced   = "SYNCED"
	OrderConflict = "CONFLICT"
)

// Payment methods.
const (
	MethodCash         = "CASH"
	MethodCardTerminal = "CARD_TERMINAL"
	MethodGiftCard     = "GIFT_CARD"
)

// Operation is one durable outbound mutation. ID is a v4 UUID assigned at
// enqueue and never changed across retries. Signature is the device JWS,
// attached when the drain first claims the row.
type Operation struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	LocalOrderID   string          `json:"local_order_id,omitempty"`
	Status         string          `json:"status"`
	Retries        int             `json:"retries"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
	Signature      string          `json:"signature,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ServerResponse string          `json:"server_response,omitempty"`
}

// OfflineOrder is an order captured while the backend could not confirm
// it. Server identifiers are attached at reconciliation.
type OfflineOrder struct {
	LocalID           string          `json:"local_id"`
	Payload           json.RawMessage `json:"payload"`
	Status            string          `json:"status"`
	ServerOrderID     string          `json:"server_order_id,omitempty"`
	ServerOrderNumber string          `json:"server_order_number,omitempty"`
	ConflictReason    string          `json:"conflict_reason,omitempty"`
	CreatedAt         int64           `json:"created_at"`
	UpdatedAt         int64           `json:"updated_at"`
}

// Payment is one tender against an offline order. Money fields are decimal
// strings.
type Payment struct {
	ID           string `json:"id"`
	LocalOrderID string `json:"local_order_id"`
	Method       string `json:"method"`
	Amount       string `json:"amount"`
	Tip          string `json:"tip,omitempty"`
	Surcharge    string `json:"surcharge,omitempty"`
	ProviderTxn  string `json:"provider_txn,omitempty"`
	CashTendered string `json:"cash_tendered,omitempty"`
	CashChange   string `json:"cash_change,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Approval is a manager override recorded offline.
type Approval struct {
	ID           string `json:"id"`
	LocalOrderID string `json:"local_order_id,omitempty"`
	ApprovalType string `json:"approval_type"` // discount, void, refund, price_override
	ManagerPIN   string `json:"-"`             // hashed, never serialized outward
	Reference    string `json:"reference,omitempty"`
	Value        string `json:"value,omitempty"`
	Synced       bool   `json:"synced"`
	CreatedAt    int64  `json:"created_at"`
}

// OrderInput is the atomic enqueue request for an order and its payments.
// Payments recorded separately from their order are a caller bug and are
// rejected; the pair must arrive together.
type OrderInput struct {
	LocalID  string          `json:"local_id"`
	Payload  json.RawMessage `json:"payload"`
	Payments []PaymentInput  `json:"payments"`
}

// PaymentInput is one tender within an OrderInput.
type PaymentInput struct {
	Method       string `json:"method"`
	Amount       string `json:"amount"`
	Tip          string `json:"tip"`
	Surcharge    string `json:"surcharge"`
	ProviderTxn  string `json:"provider_txn"`
	CashTendered string `json:"cash_tendered"`
	CashChange   string `json:"cash_change"`
}

// Total returns the money actually taken for this payment: amount plus
// tip plus surcharge. Exposure accounting and limit checks both use this,
// never the bare amount.
func (p PaymentInput) Total() (decimal.Decimal, error) {
	total, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad amount %q: %w", p.Amount, err)
	}

	for _, extra := range []string{p.Tip, p.Surcharge} {
		if extra == "" {
			continue
		}

		d, parseErr := decimal.NewFromString(extra)
		if parseErr != nil {
			return decimal.Zero, fmt.Errorf("bad payment component %q: %w", extra, parseErr)
		}

		total = total.Add(d)
	}

	return total, nil
}

// ApprovalInput is the atomic enqueue request for a manager approval.
type ApprovalInput struct {
	LocalOrderID string `json:"local_order_id"`
	ApprovalType string `json:"approval_type"`
	ManagerPIN   string `json:"manager_pin"` // already hashed by the caller
	Reference    string `json:"reference"`
	Value        string `json:"value"`
}

// SentResult carries the backend's acceptance of an operation back into
// the queue for reconciliation.
type SentResult struct {
	ServerOrderID     string
	ServerOrderNumber string
	Body              string
}

// Stats summarizes the queue for the stats view.
type Stats struct {
	Pending          int   `json:"pending"`
	Sending          int   `json:"sending"`
	Sent             int   `json:"sent"`
	Failed           int   `json:"failed"`
	ConflictedOrders int   `json:"conflicted_orders"`
	BlockedOnFailed  int   `json:"blocked_on_failed"`
	OldestPendingAge int64 `json:"oldest_pending_age_seconds"`
	TotalRetries     int   `json:"total_retries"`
}
