package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tillworks/offline-pos/internal/poserr"
)

// ExposureRecorder accrues offline exposure inside the enqueue
// transaction, so a crash can never leave a committed payment uncounted.
// Satisfied by *meta.Meta.
type ExposureRecorder interface {
	AddExposureTx(ctx context.Context, tx *sql.Tx, method string, amount decimal.Decimal) error
}

// Queue persists outbound operations and their business records. All writes
// go through the store's single connection, so transitions are serialized.
type Queue struct {
	db       *sql.DB
	logger   *slog.Logger
	exposure ExposureRecorder

	nowFunc func() time.Time
	idFunc  func() string
}

func New(db *sql.DB, logger *slog.Logger) *Queue {
	return &Queue{
		db:      db,
		logger:  logger.With(slog.String("component", "queue")),
		nowFunc: time.Now,
		idFunc:  uuid.NewString,
	}
}

// SetExposureRecorder attaches the exposure counters. When set, EnqueueOrder
// accrues each payment's total in the same transaction as the order.
func (q *Queue) SetExposureRecorder(r ExposureRecorder) {
	q.exposure = r
}

// orderEnvelope is the wire payload of an ORDER operation: the captured
// order plus every payment taken against it.
type orderEnvelope struct {
	LocalOrderID string          `json:"local_order_id"`
	Order        json.RawMessage `json:"order"`
	Payments     []PaymentInput  `json:"payments"`
}

// EnqueueOrder records an offline order, its payments, and the single
// operation that will replay all of them, in one transaction. Returns the
// created operation and the order's local ID.
func (q *Queue) EnqueueOrder(ctx context.Context, in OrderInput) (*Operation, *OfflineOrder, error) {
	if len(in.Payload) == 0 {
		return nil, nil, fmt.Errorf("queue: enqueue order: empty payload")
	}

	for i, p := range in.Payments {
		if err := validatePayment(p); err != nil {
			return nil, nil, fmt.Errorf("queue: enqueue order: payment %d: %w", i, err)
		}
	}

	localID := in.LocalID
	if localID == "" {
		localID = q.idFunc()
	}

	now := q.nowFunc().Unix()

	envelope, err := json.Marshal(orderEnvelope{
		LocalOrderID: localID,
		Order:        in.Payload,
		Payments:     in.Payments,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("queue: enqueue order: encoding envelope: %w", err)
	}

	op := &Operation{
		ID:           q.idFunc(),
		Kind:         KindOrder,
		Payload:      envelope,
		LocalOrderID: localID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	order := &OfflineOrder{
		LocalID:   localID,
		Payload:   in.Payload,
		Status:    OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: enqueue order: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO offline_orders (local_id, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		order.LocalID, []byte(order.Payload), order.Status, now, now)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: enqueue order %s: %w", localID, err)
	}

	for _, p := range in.Payments {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO offline_payments
			 (id, local_order_id, method, amount, tip, surcharge, provider_txn, cash_tendered, cash_change, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.idFunc(), localID, p.Method, p.Amount,
			zeroDefault(p.Tip), zeroDefault(p.Surcharge), p.ProviderTxn,
			zeroDefault(p.CashTendered), zeroDefault(p.CashChange), now)
		if err != nil {
			return nil, nil, fmt.Errorf("queue: enqueue payment for %s: %w", localID, err)
		}

		if q.exposure != nil {
			total, totalErr := p.Total()
			if totalErr != nil {
				return nil, nil, fmt.Errorf("queue: enqueue payment for %s: %w", localID, totalErr)
			}

			if err := q.exposure.AddExposureTx(ctx, tx, p.Method, total); err != nil {
				return nil, nil, fmt.Errorf("queue: enqueue order %s: exposure: %w", localID, err)
			}
		}
	}

	if err := q.insertOperation(ctx, tx, op); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("queue: enqueue order %s: commit: %w", localID, err)
	}

	q.logger.Info("operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("kind", op.Kind),
		slog.String("local_order_id", localID),
		slog.Int("payments", len(in.Payments)),
	)

	return op, order, nil
}

// EnqueueInventory records an inventory adjustment operation. The payload
// is forwarded to the backend as-is.
func (q *Queue) EnqueueInventory(ctx context.Context, payload json.RawMessage, localOrderID string) (*Operation, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("queue: enqueue inventory: empty payload")
	}

	if localOrderID != "" {
		if err := q.requireOrder(ctx, localOrderID); err != nil {
			return nil, err
		}
	}

	now := q.nowFunc().Unix()

	op := &Operation{
		ID:           q.idFunc(),
		Kind:         KindInventory,
		Payload:      payload,
		LocalOrderID: localOrderID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue inventory: begin: %w", err)
	}
	defer tx.Rollback()

	if err := q.insertOperation(ctx, tx, op); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: enqueue inventory: commit: %w", err)
	}

	q.logger.Info("operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("kind", op.Kind),
		slog.String("local_order_id", localOrderID),
	)

	return op, nil
}

// EnqueueApproval records a manager approval and its operation in one
// transaction. The approval row shares the operation's ID so reconciliation
// can flag it synced without a join table.
func (q *Queue) EnqueueApproval(ctx context.Context, in ApprovalInput) (*Operation, error) {
	if in.ApprovalType == "" {
		return nil, fmt.Errorf("queue: enqueue approval: approval_type required")
	}

	if in.LocalOrderID != "" {
		if err := q.requireOrder(ctx, in.LocalOrderID); err != nil {
			return nil, err
		}
	}

	now := q.nowFunc().Unix()
	id := q.idFunc()

	payload, err := json.Marshal(map[string]string{
		"approval_id":    id,
		"local_order_id": in.LocalOrderID,
		"approval_type":  in.ApprovalType,
		"reference":      in.Reference,
		"value":          in.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue approval: encoding payload: %w", err)
	}

	op := &Operation{
		ID:           id,
		Kind:         KindApproval,
		Payload:      payload,
		LocalOrderID: in.LocalOrderID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue approval: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO offline_approvals
		 (id, local_order_id, approval_type, manager_pin, reference, value, synced, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		id, in.LocalOrderID, in.ApprovalType, in.ManagerPIN, in.Reference, in.Value, now)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue approval: %w", err)
	}

	if err := q.insertOperation(ctx, tx, op); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: enqueue approval: commit: %w", err)
	}

	q.logger.Info("operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("kind", op.Kind),
		slog.String("approval_type", in.ApprovalType),
	)

	return op, nil
}

func (q *Queue) insertOperation(ctx context.Context, tx *sql.Tx, op *Operation) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pending_operations
		 (id, kind, payload, local_order_id, status, retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		op.ID, op.Kind, []byte(op.Payload), op.LocalOrderID, op.Status,
		op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("queue: insert operation %s: %w", op.ID, err)
	}

	return nil
}

// requireOrder verifies a referenced local order exists.
func (q *Queue) requireOrder(ctx context.Context, localID string) error {
	var one int

	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM offline_orders WHERE local_id = ?`, localID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue: local order %s: %w", localID, poserr.ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("queue: checking local order %s: %w", localID, err)
	}

	return nil
}

const sqlOperationColumns = `id, kind, payload, local_order_id, status, retries,
	created_at, updated_at, signature, last_error, server_response`

// NextPending returns the oldest PENDING operation whose local order has no
// earlier unsent operation, or (nil, nil) when nothing is ready. The gate
// keeps an order's follow-up operations from overtaking the order itself.
func (q *Queue) NextPending(ctx context.Context) (*Operation, error) {
	op, err := scanOperation(q.db.QueryRowContext(ctx,
		`SELECT `+sqlOperationColumns+` FROM pending_operations p
		 WHERE p.status = ?
		   AND NOT EXISTS (
		       SELECT 1 FROM pending_operations earlier
		       WHERE earlier.local_order_id = p.local_order_id
		         AND earlier.local_order_id != ''
		         AND earlier.rowid < p.rowid
		         AND earlier.status != ?
		   )
		 ORDER BY p.rowid LIMIT 1`,
		StatusPending, StatusSent))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("queue: next pending: %w", err)
	}

	return op, nil
}

// MarkSending claims a PENDING operation for transmission and attaches
// the device signature for this send. Fails if the operation is not
// currently PENDING, so two drains cannot claim one row.
func (q *Queue) MarkSending(ctx context.Context, id, signature string) error {
	now := q.nowFunc().Unix()

	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, sending_at = ?, updated_at = ?, signature = ?
		 WHERE id = ? AND status = ?`,
		StatusSending, now, now, signature, id, StatusPending)
	if err != nil {
		return fmt.Errorf("queue: mark sending %s: %w", id, err)
	}

	return q.requireTransition(res, id, StatusSending)
}

// MarkSent finalizes an accepted operation and reconciles its business
// record: ORDER operations flip the offline order to SYNCED and attach the
// server identifiers, APPROVAL operations flag the approval synced.
func (q *Queue) MarkSent(ctx context.Context, id string, res SentResult) error {
	return q.transitionSent(ctx, id, res, StatusSending)
}

// ResolveSent marks a FAILED operation SENT without a send, reconciling
// its business rows. For reconciliation tooling only: used when an
// operator confirms the backend did accept the operation despite the
// recorded failure.
func (q *Queue) ResolveSent(ctx context.Context, id string, res SentResult) error {
	return q.transitionSent(ctx, id, res, StatusFailed)
}

func (q *Queue) transitionSent(ctx context.Context, id string, res SentResult, from string) error {
	now := q.nowFunc().Unix()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: mark sent %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	upd, err := tx.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, updated_at = ?, last_error = '', server_response = ?
		 WHERE id = ? AND status = ?`,
		StatusSent, now, res.Body, id, from)
	if err != nil {
		return fmt.Errorf("queue: mark sent %s: %w", id, err)
	}

	if err := q.requireTransition(upd, id, StatusSent); err != nil {
		return err
	}

	var kind, localOrderID string

	err = tx.QueryRowContext(ctx,
		`SELECT kind, local_order_id FROM pending_operations WHERE id = ?`, id).
		Scan(&kind, &localOrderID)
	if err != nil {
		return fmt.Errorf("queue: mark sent %s: reading kind: %w", id, err)
	}

	switch kind {
	case KindOrder:
		_, err = tx.ExecContext(ctx,
			`UPDATE offline_orders
			 SET status = ?, server_order_id = ?, server_order_number = ?, updated_at = ?
			 WHERE local_id = ?`,
			OrderSynced, res.ServerOrderID, res.ServerOrderNumber, now, localOrderID)
		if err != nil {
			return fmt.Errorf("queue: reconcile order %s: %w", localOrderID, err)
		}
	case KindApproval:
		_, err = tx.ExecContext(ctx,
			`UPDATE offline_approvals SET synced = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("queue: reconcile approval %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: mark sent %s: commit: %w", id, err)
	}

	q.logger.Info("operation sent",
		slog.String("op_id", id),
		slog.String("kind", kind),
		slog.String("server_order_id", res.ServerOrderID),
	)

	return nil
}

// RequeueRetry returns a SENDING operation to PENDING after a transient
// failure, bumping the retry counter.
func (q *Queue) RequeueRetry(ctx context.Context, id, cause string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, retries = retries + 1, last_error = ?, sending_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusPending, cause, q.nowFunc().Unix(), id, StatusSending)
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}

	return q.requireTransition(res, id, StatusPending)
}

// MarkFailed parks a SENDING operation after a permanent rejection. The
// operation stays in the table for manual review; it is never purged.
func (q *Queue) MarkFailed(ctx context.Context, id, cause, body string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, last_error = ?, server_response = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusFailed, cause, body, q.nowFunc().Unix(), id, StatusSending)
	if err != nil {
		return fmt.Errorf("queue: mark failed %s: %w", id, err)
	}

	if err := q.requireTransition(res, id, StatusFailed); err != nil {
		return err
	}

	q.logger.Warn("operation failed permanently",
		slog.String("op_id", id),
		slog.String("cause", cause),
	)

	return nil
}

// ResolveRetry returns a FAILED operation to PENDING so the next drain
// pass attempts it again. The failure record is kept in last_error until
// the retry outcome overwrites it.
func (q *Queue) ResolveRetry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusPending, q.nowFunc().Unix(), id, StatusFailed)
	if err != nil {
		return fmt.Errorf("queue: resolve retry %s: %w", id, err)
	}

	if err := q.requireTransition(res, id, StatusPending); err != nil {
		return err
	}

	q.logger.Info("failed operation requeued", slog.String("op_id", id))

	return nil
}

// Abandon parks a PENDING operation FAILED with an operator-supplied
// reason, taking it out of the drain without deleting the record.
func (q *Queue) Abandon(ctx context.Context, id, reason string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusFailed, reason, q.nowFunc().Unix(), id, StatusPending)
	if err != nil {
		return fmt.Errorf("queue: abandon %s: %w", id, err)
	}

	if err := q.requireTransition(res, id, StatusFailed); err != nil {
		return err
	}

	q.logger.Warn("operation abandoned",
		slog.String("op_id", id),
		slog.String("reason", reason),
	)

	return nil
}

// MarkConflict records a backend business rejection: the operation is
// parked FAILED and, for orders, the offline order is flagged CONFLICT with
// the server's reason so staff can resolve it.
func (q *Queue) MarkConflict(ctx context.Context, id, reason string) error {
	now := q.nowFunc().Unix()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: mark conflict %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	upd, err := tx.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusFailed, reason, now, id, StatusSending)
	if err != nil {
		return fmt.Errorf("queue: mark conflict %s: %w", id, err)
	}

	if err := q.requireTransition(upd, id, StatusFailed); err != nil {
		return err
	}

	var localOrderID string

	err = tx.QueryRowContext(ctx,
		`SELECT local_order_id FROM pending_operations WHERE id = ?`, id).Scan(&localOrderID)
	if err != nil {
		return fmt.Errorf("queue: mark conflict %s: reading order: %w", id, err)
	}

	if localOrderID != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE offline_orders SET status = ?, conflict_reason = ?, updated_at = ?
			 WHERE local_id = ?`,
			OrderConflict, reason, now, localOrderID)
		if err != nil {
			return fmt.Errorf("queue: flag conflict on order %s: %w", localOrderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: mark conflict %s: commit: %w", id, err)
	}

	q.logger.Warn("operation conflicted",
		slog.String("op_id", id),
		slog.String("local_order_id", localOrderID),
		slog.String("reason", reason),
	)

	return nil
}

// requireTransition enforces the status machine: an UPDATE guarded by the
// expected current status must hit exactly one row.
func (q *Queue) requireTransition(res sql.Result, id, target string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: rows affected for %s: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("queue: operation %s: illegal transition to %s: %w",
			id, target, poserr.ErrConflict)
	}

	return nil
}

// GetOperation returns one operation by ID, or (nil, nil) when absent.
func (q *Queue) GetOperation(ctx context.Context, id string) (*Operation, error) {
	op, err := scanOperation(q.db.QueryRowContext(ctx,
		`SELECT `+sqlOperationColumns+` FROM pending_operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("queue: get operation %s: %w", id, err)
	}

	return op, nil
}

// ListOperations returns operations in creation order, optionally filtered
// by status. limit of 0 means no limit.
func (q *Queue) ListOperations(ctx context.Context, status string, limit int) ([]*Operation, error) {
	query := `SELECT ` + sqlOperationColumns + ` FROM pending_operations`

	var args []any

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}

	query += ` ORDER BY rowid`

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation

	for rows.Next() {
		op, scanErr := scanOperation(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("queue: scan operation: %w", scanErr)
		}

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate operations: %w", err)
	}

	return ops, nil
}

// ListPending returns all PENDING operations in drain order.
func (q *Queue) ListPending(ctx context.Context) ([]*Operation, error) {
	return q.ListOperations(ctx, StatusPending, 0)
}

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	op := &Operation{}

	var payload []byte

	err := row.Scan(&op.ID, &op.Kind, &payload, &op.LocalOrderID, &op.Status,
		&op.Retries, &op.CreatedAt, &op.UpdatedAt,
		&op.Signature, &op.LastError, &op.ServerResponse)
	if err != nil {
		return nil, err
	}

	op.Payload = payload

	return op, nil
}

// GetOrder returns one offline order, or (nil, nil) when absent.
func (q *Queue) GetOrder(ctx context.Context, localID string) (*OfflineOrder, error) {
	o := &OfflineOrder{}

	var payload []byte

	err := q.db.QueryRowContext(ctx,
		`SELECT local_id, payload, status, server_order_id, server_order_number,
		        conflict_reason, created_at, updated_at
		 FROM offline_orders WHERE local_id = ?`, localID).Scan(
		&o.LocalID, &payload, &o.Status, &o.ServerOrderID, &o.ServerOrderNumber,
		&o.ConflictReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("queue: get order %s: %w", localID, err)
	}

	o.Payload = payload

	return o, nil
}

// ListOrders returns offline orders in creation order, optionally filtered
// by status.
func (q *Queue) ListOrders(ctx context.Context, status string) ([]*OfflineOrder, error) {
	query := `SELECT local_id, payload, status, server_order_id, server_order_number,
		conflict_reason, created_at, updated_at FROM offline_orders`

	var args []any

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}

	query += ` ORDER BY rowid`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list orders: %w", err)
	}
	defer rows.Close()

	var orders []*OfflineOrder

	for rows.Next() {
		o := &OfflineOrder{}

		var payload []byte

		err := rows.Scan(&o.LocalID, &payload, &o.Status, &o.ServerOrderID,
			&o.ServerOrderNumber, &o.ConflictReason, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("queue: scan order: %w", err)
		}

		o.Payload = payload
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate orders: %w", err)
	}

	return orders, nil
}

// ListPayments returns the payments recorded against one local order.
func (q *Queue) ListPayments(ctx context.Context, localOrderID string) ([]*Payment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, local_order_id, method, amount, tip, surcharge, provider_txn,
		        cash_tendered, cash_change, created_at
		 FROM offline_payments WHERE local_order_id = ? ORDER BY rowid`, localOrderID)
	if err != nil {
		return nil, fmt.Errorf("queue: list payments for %s: %w", localOrderID, err)
	}
	defer rows.Close()

	var payments []*Payment

	for rows.Next() {
		p := &Payment{}

		err := rows.Scan(&p.ID, &p.LocalOrderID, &p.Method, &p.Amount, &p.Tip,
			&p.Surcharge, &p.ProviderTxn, &p.CashTendered, &p.CashChange, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("queue: scan payment: %w", err)
		}

		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate payments: %w", err)
	}

	return payments, nil
}

// ListApprovals returns manager approvals, unsynced first.
func (q *Queue) ListApprovals(ctx context.Context, unsyncedOnly bool) ([]*Approval, error) {
	query := `SELECT id, local_order_id, approval_type, manager_pin, reference, value,
		synced, created_at FROM offline_approvals`

	if unsyncedOnly {
		query += ` WHERE synced = 0`
	}

	query += ` ORDER BY synced, rowid`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("queue: list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval

	for rows.Next() {
		a := &Approval{}

		err := rows.Scan(&a.ID, &a.LocalOrderID, &a.ApprovalType, &a.ManagerPIN,
			&a.Reference, &a.Value, &a.Synced, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("queue: scan approval: %w", err)
		}

		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate approvals: %w", err)
	}

	return approvals, nil
}

// RecoverOrphans returns operations stuck in SENDING longer than olderThan
// to PENDING. Run at startup: a crash mid-send leaves the row claimed, and
// the idempotency key makes the re-send safe.
func (q *Queue) RecoverOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.nowFunc()
	cutoff := now.Add(-olderThan).Unix()

	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, last_error = 'send interrupted', sending_at = NULL, updated_at = ?
		 WHERE status = ? AND sending_at IS NOT NULL AND sending_at < ?`,
		StatusPending, now.Unix(), StatusSending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: recover orphans: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: recover orphans: rows affected: %w", err)
	}

	if n > 0 {
		q.logger.Warn("recovered interrupted operations", slog.Int64("count", n))
	}

	return int(n), nil
}

// PurgeSent deletes SENT operations whose last update is older than the
// retention window. PENDING and FAILED rows are never purged.
func (q *Queue) PurgeSent(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := q.nowFunc().Add(-retention).Unix()

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE status = ? AND updated_at < ?`,
		StatusSent, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: purge sent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: purge sent: rows affected: %w", err)
	}

	if n > 0 {
		q.logger.Info("purged sent operations", slog.Int64("count", n))
	}

	return int(n), nil
}

// AllSentBefore reports whether every operation created before t has been
// sent. Used as the guard for resetting exposure counters.
func (q *Queue) AllSentBefore(ctx context.Context, t time.Time) (bool, error) {
	var unsent int

	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE created_at < ? AND status != ?`,
		t.Unix(), StatusSent).Scan(&unsent)
	if err != nil {
		return false, fmt.Errorf("queue: all sent before: %w", err)
	}

	return unsent == 0, nil
}

// Stats summarizes the queue.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(retries), 0) FROM pending_operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status         string
			count, retries int
		)

		if err := rows.Scan(&status, &count, &retries); err != nil {
			return nil, fmt.Errorf("queue: stats: scan: %w", err)
		}

		s.TotalRetries += retries

		switch status {
		case StatusPending:
			s.Pending = count
		case StatusSending:
			s.Sending = count
		case StatusSent:
			s.Sent = count
		case StatusFailed:
			s.Failed = count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: stats: iterate: %w", err)
	}

	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_orders WHERE status = ?`, OrderConflict).
		Scan(&s.ConflictedOrders)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: conflicts: %w", err)
	}

	// PENDING operations the drain gate will never hand out because an
	// earlier operation on the same order is parked FAILED. These need an
	// operator resolve; the status view surfaces the count.
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations p
		 WHERE p.status = ?
		   AND EXISTS (
		       SELECT 1 FROM pending_operations earlier
		       WHERE earlier.local_order_id = p.local_order_id
		         AND earlier.local_order_id != ''
		         AND earlier.rowid < p.rowid
		         AND earlier.status = ?
		   )`,
		StatusPending, StatusFailed).Scan(&s.BlockedOnFailed)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: blocked: %w", err)
	}

	var oldest sql.NullInt64

	err = q.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM pending_operations WHERE status = ?`, StatusPending).
		Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: oldest pending: %w", err)
	}

	if oldest.Valid {
		s.OldestPendingAge = q.nowFunc().Unix() - oldest.Int64
	}

	return s, nil
}

func validatePayment(p PaymentInput) error {
	switch p.Method {
	case MethodCash, MethodCardTerminal, MethodGiftCard:
	default:
		return fmt.Errorf("unknown payment method %q", p.Method)
	}

	if p.Amount == "" {
		return errors.New("amount required")
	}

	return nil
}

func zeroDefault(s string) string {
	if s == "" {
		return "0"
	}

	return s
}
