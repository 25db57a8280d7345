package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillworks/offline-pos/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return New(s.DB(), logger), s.DB()
}

func enqueueTestOrder(t *testing.T, q *Queue, payments ...PaymentInput) (*Operation, *OfflineOrder) {
	t.Helper()

	op, order, err := q.EnqueueOrder(context.Background(), OrderInput{
		Payload:  json.RawMessage(`{"items":[{"product_id":"p1","qty":2}],"total":"10.85"}`),
		Payments: payments,
	})
	if err != nil {
		t.Fatalf("EnqueueOrder: %v", err)
	}

	return op, order
}

func TestEnqueueOrder_Atomic(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, order := enqueueTestOrder(t, q, PaymentInput{
		Method:       MethodCash,
		Amount:       "10.85",
		CashTendered: "20.00",
		CashChange:   "9.15",
	})

	if op.Status != StatusPending || op.Kind != KindOrder {
		t.Errorf("op = %s/%s, want PENDING ORDER", op.Status, op.Kind)
	}

	if op.LocalOrderID != order.LocalID {
		t.Errorf("operation must reference the order: %q vs %q", op.LocalOrderID, order.LocalID)
	}

	payments, err := q.ListPayments(ctx, order.LocalID)
	if err != nil {
		t.Fatal(err)
	}

	if len(payments) != 1 || payments[0].Method != MethodCash || payments[0].Amount != "10.85" {
		t.Errorf("payments = %+v, want one cash 10.85", payments)
	}

	// The envelope the backend receives carries the payments too.
	var env orderEnvelope
	if err := json.Unmarshal(op.Payload, &env); err != nil {
		t.Fatal(err)
	}

	if env.LocalOrderID != order.LocalID || len(env.Payments) != 1 {
		t.Errorf("envelope = %+v, want order id and payment", env)
	}
}

func TestEnqueueOrder_BadPaymentWritesNothing(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.EnqueueOrder(ctx, OrderInput{
		Payload:  json.RawMessage(`{"total":"5.00"}`),
		Payments: []PaymentInput{{Method: "BARTER", Amount: "5.00"}},
	})
	if err == nil {
		t.Fatal("unknown payment method must be rejected")
	}

	ops, _ := q.ListOperations(ctx, "", 0)
	orders, _ := q.ListOrders(ctx, "")

	if len(ops) != 0 || len(orders) != 0 {
		t.Errorf("failed enqueue must write nothing: %d ops, %d orders", len(ops), len(orders))
	}
}

func TestStatusMachine_EnforcedTransitions(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, _ := enqueueTestOrder(t, q)

	// SENT straight from PENDING is illegal.
	if err := q.MarkSent(ctx, op.ID, SentResult{}); err == nil {
		t.Error("PENDING -> SENT must be rejected")
	}

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatalf("MarkSending: %v", err)
	}

	// A second claim must fail.
	if err := q.MarkSending(ctx, op.ID, ""); err == nil {
		t.Error("double claim must be rejected")
	}

	if err := q.MarkSent(ctx, op.ID, SentResult{ServerOrderID: "srv-1"}); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	// Terminal: no transition out of SENT.
	if err := q.RequeueRetry(ctx, op.ID, "x"); err == nil {
		t.Error("SENT -> PENDING must be rejected")
	}
}

func TestMarkSent_ReconcilesOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, order := enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatal(err)
	}

	err := q.MarkSent(ctx, op.ID, SentResult{
		ServerOrderID:     "srv-42",
		ServerOrderNumber: "A-1007",
		Body:              `{"id":"srv-42"}`,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := q.GetOrder(ctx, order.LocalID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != OrderSynced || got.ServerOrderID != "srv-42" || got.ServerOrderNumber != "A-1007" {
		t.Errorf("order = %+v, want SYNCED with server identifiers", got)
	}
}

func TestRequeueRetry_KeepsIdentity(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, _ := enqueueTestOrder(t, q)

	for i := 1; i <= 3; i++ {
		if err := q.MarkSending(ctx, op.ID, ""); err != nil {
			t.Fatal(err)
		}

		if err := q.RequeueRetry(ctx, op.ID, "connection reset"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := q.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Same ID across retries keeps the idempotency key stable.
	if got.ID != op.ID || got.Retries != 3 || got.Status != StatusPending {
		t.Errorf("after retries: id=%s retries=%d status=%s", got.ID, got.Retries, got.Status)
	}

	if got.LastError != "connection reset" {
		t.Errorf("last_error = %q", got.LastError)
	}
}

func TestMarkConflict_FlagsOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, order := enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkConflict(ctx, op.ID, "product p1 no longer exists"); err != nil {
		t.Fatal(err)
	}

	gotOp, _ := q.GetOperation(ctx, op.ID)
	if gotOp.Status != StatusFailed {
		t.Errorf("op status = %s, want FAILED", gotOp.Status)
	}

	gotOrder, _ := q.GetOrder(ctx, order.LocalID)
	if gotOrder.Status != OrderConflict || gotOrder.ConflictReason == "" {
		t.Errorf("order = %+v, want CONFLICT with reason", gotOrder)
	}
}

func TestNextPending_OrderBeforeFollowUps(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	orderOp, order := enqueueTestOrder(t, q)

	approvalOp, err := q.EnqueueApproval(ctx, ApprovalInput{
		LocalOrderID: order.LocalID,
		ApprovalType: "discount",
		Value:        "5.00",
	})
	if err != nil {
		t.Fatal(err)
	}

	next, err := q.NextPending(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if next == nil || next.ID != orderOp.ID {
		t.Fatalf("first drain pick must be the order operation, got %+v", next)
	}

	// While the order is unsent, its approval is gated.
	if err := q.MarkSending(ctx, orderOp.ID, ""); err != nil {
		t.Fatal(err)
	}

	if gated, _ := q.NextPending(ctx); gated != nil {
		t.Errorf("approval must wait for its order, got %s", gated.ID)
	}

	if err := q.MarkSent(ctx, orderOp.ID, SentResult{ServerOrderID: "srv-1"}); err != nil {
		t.Fatal(err)
	}

	next, err = q.NextPending(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if next == nil || next.ID != approvalOp.ID {
		t.Fatalf("approval must become ready once its order is sent, got %+v", next)
	}
}

func TestEnqueueApproval_RequiresKnownOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)

	_, err := q.EnqueueApproval(context.Background(), ApprovalInput{
		LocalOrderID: "no-such-order",
		ApprovalType: "void",
	})
	if err == nil {
		t.Fatal("approval against unknown order must be rejected")
	}
}

func TestMarkSent_FlagsApprovalSynced(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, err := q.EnqueueApproval(ctx, ApprovalInput{
		ApprovalType: "price_override",
		Reference:    "p1",
		Value:        "3.50",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkSent(ctx, op.ID, SentResult{}); err != nil {
		t.Fatal(err)
	}

	approvals, err := q.ListApprovals(ctx, true)
	if err != nil {
		t.Fatal(err)
	}

	if len(approvals) != 0 {
		t.Errorf("approval should be flagged synced, still unsynced: %+v", approvals)
	}
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	q.nowFunc = func() time.Time { return now }

	op, _ := enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatal(err)
	}

	// Crash simulation: ten minutes pass with the row still claimed.
	now = now.Add(10 * time.Minute)

	n, err := q.RecoverOrphans(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	got, _ := q.GetOperation(ctx, op.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, want PENDING after recovery", got.Status)
	}
}

func TestRecoverOrphans_LeavesFreshSends(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, _ := enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatal(err)
	}

	n, err := q.RecoverOrphans(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if n != 0 {
		t.Errorf("an in-flight send must not be recovered, got %d", n)
	}
}

func TestPurgeSent_RetentionAndSafety(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	q.nowFunc = func() time.Time { return now }

	sentOp, _ := enqueueTestOrder(t, q)
	pendingOp, _ := enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, sentOp.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkSent(ctx, sentOp.ID, SentResult{}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(8 * 24 * time.Hour)

	n, err := q.PurgeSent(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}

	if op, _ := q.GetOperation(ctx, sentOp.ID); op != nil {
		t.Error("aged SENT operation should be purged")
	}

	if op, _ := q.GetOperation(ctx, pendingOp.ID); op == nil {
		t.Error("PENDING operations must never be purged")
	}
}

func TestAllSentBefore(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	q.nowFunc = func() time.Time { return now }

	op, _ := enqueueTestOrder(t, q)

	cutoff := now.Add(time.Minute)

	ok, err := q.AllSentBefore(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}

	if ok {
		t.Error("pending operation before cutoff must block the reset")
	}

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkSent(ctx, op.ID, SentResult{}); err != nil {
		t.Fatal(err)
	}

	ok, err = q.AllSentBefore(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}

	if !ok {
		t.Error("all operations sent, reset should be allowed")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, _ := enqueueTestOrder(t, q)
	b, _ := enqueueTestOrder(t, q)
	enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkSent(ctx, a.ID, SentResult{}); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkSending(ctx, b.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkConflict(ctx, b.ID, "duplicate"); err != nil {
		t.Fatal(err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if stats.Pending != 1 || stats.Sent != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if stats.ConflictedOrders != 1 {
		t.Errorf("conflicted orders = %d, want 1", stats.ConflictedOrders)
	}
}

func TestResolveTransitions(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, order := enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, op.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkFailed(ctx, op.ID, "HTTP 422", ""); err != nil {
		t.Fatal(err)
	}

	// Operator confirms the backend did accept it.
	err := q.ResolveSent(ctx, op.ID, SentResult{ServerOrderID: "srv-9", ServerOrderNumber: "A-2001"})
	if err != nil {
		t.Fatalf("ResolveSent: %v", err)
	}

	got, err := q.GetOrder(ctx, order.LocalID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != OrderSynced || got.ServerOrderID != "srv-9" {
		t.Errorf("order = %+v, want SYNCED srv-9", got)
	}

	// A SENT operation cannot be resolved again.
	if err := q.ResolveRetry(ctx, op.ID); err == nil {
		t.Error("retrying a SENT operation must fail")
	}

	// Second order: FAILED -> PENDING via ResolveRetry.
	op2, _ := enqueueTestOrder(t, q)

	if err := q.MarkSending(ctx, op2.ID, ""); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkFailed(ctx, op2.ID, "HTTP 400", ""); err != nil {
		t.Fatal(err)
	}

	if err := q.ResolveRetry(ctx, op2.ID); err != nil {
		t.Fatalf("ResolveRetry: %v", err)
	}

	next, err := q.NextPending(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if next == nil || next.ID != op2.ID {
		t.Errorf("NextPending = %+v, want %s", next, op2.ID)
	}

	// Third order: PENDING -> FAILED via Abandon.
	op3, _ := enqueueTestOrder(t, q)

	if err := q.Abandon(ctx, op3.ID, "voided at register"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	abandoned, err := q.GetOperation(ctx, op3.ID)
	if err != nil {
		t.Fatal(err)
	}

	if abandoned.Status != StatusFailed || abandoned.LastError != "voided at register" {
		t.Errorf("abandoned = %+v", abandoned)
	}
}

type recordingExposure struct {
	methods []string
	totals  []string
	err     error
}

func (r *recordingExposure) AddExposureTx(_ context.Context, _ *sql.Tx, method string, amount decimal.Decimal) error {
	if r.err != nil {
		return r.err
	}

	r.methods = append(r.methods, method)
	r.totals = append(r.totals, amount.StringFixed(2))

	return nil
}

func TestEnqueueOrder_ExposureInSameTransaction(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)

	rec := &recordingExposure{}
	q.SetExposureRecorder(rec)

	enqueueTestOrder(t, q, PaymentInput{
		Method:    MethodCash,
		Amount:    "10.00",
		Tip:       "2.00",
		Surcharge: "1.00",
	})

	// The recorded amount is the full take, not the bare amount.
	if len(rec.totals) != 1 || rec.totals[0] != "13.00" {
		t.Errorf("recorded totals = %v, want [13.00]", rec.totals)
	}

	// A failed exposure write rolls the whole enqueue back, so a committed
	// payment can never go uncounted.
	ctx := context.Background()

	q2, _ := newTestQueue(t)
	q2.SetExposureRecorder(&recordingExposure{err: errors.New("counter write failed")})

	_, _, err := q2.EnqueueOrder(ctx, OrderInput{
		Payload:  json.RawMessage(`{"total":"5.00"}`),
		Payments: []PaymentInput{{Method: MethodCash, Amount: "5.00"}},
	})
	if err == nil {
		t.Fatal("enqueue must fail when exposure cannot be recorded")
	}

	ops, _ := q2.ListOperations(ctx, "", 0)
	orders, _ := q2.ListOrders(ctx, "")

	if len(ops) != 0 || len(orders) != 0 {
		t.Errorf("failed enqueue must leave nothing behind: %d ops, %d orders", len(ops), len(orders))
	}
}

func TestStats_BlockedOnFailed(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, order := enqueueTestOrder(t, q)

	follower, err := q.EnqueueInventory(ctx, json.RawMessage(`{"product_id":"p1","delta":-2}`), order.LocalID)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.MarkSending(ctx, op.ID, "sig"); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkFailed(ctx, op.ID, "rejected", ""); err != nil {
		t.Fatal(err)
	}

	// The follower sits behind the failed order op and will never drain
	// until an operator resolves the failure.
	next, err := q.NextPending(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if next != nil {
		t.Errorf("NextPending = %s, want nothing while the order op is FAILED", next.ID)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if stats.BlockedOnFailed != 1 {
		t.Errorf("BlockedOnFailed = %d, want 1 (op %s)", stats.BlockedOnFailed, follower.ID)
	}
}
