package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tillworks/offline-pos/internal/poserr"
	"github.com/tillworks/offline-pos/internal/queue"
)

// recordOrderRequest captures an order and every payment taken against it
// in one call. The pair is atomic by contract: payments cannot be attached
// to an order after the fact.
type recordOrderRequest struct {
	LocalID  string               `json:"local_id"`
	Order    json.RawMessage      `json:"order"`
	Payments []queue.PaymentInput `json:"payments"`
}

func (s *Server) handleRecordOrder(w http.ResponseWriter, r *http.Request) {
	var req recordOrderRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if len(req.Order) == 0 {
		s.writeError(w, invalidf("order payload required"))
		return
	}

	// Exposure caps are checked against each payment's full take, tip and
	// surcharge included, before anything is written; a capped payment
	// leaves no rows behind. The enqueue itself accrues exposure in the
	// same transaction as the order.
	for _, p := range req.Payments {
		total, totalErr := p.Total()
		if totalErr != nil {
			s.writeError(w, invalidf("%v", totalErr))
			return
		}

		if err := s.guard.CheckLimit(r.Context(), p.Method, total.String()); err != nil {
			s.writeError(w, err)
			return
		}
	}

	op, order, err := s.queue.EnqueueOrder(r.Context(), queue.OrderInput{
		LocalID:  req.LocalID,
		Payload:  req.Order,
		Payments: req.Payments,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.events.broadcast(event{
		Type: "operation_queued",
		Data: map[string]any{"op_id": op.ID, "kind": op.Kind, "local_order_id": order.LocalID},
	})

	s.engine.TriggerSync()

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"operation": op,
		"order":     order,
	})
}

// handleRecordPayment rejects the split form of order capture. Payments
// must arrive inside the record-order call; a payment referencing an
// already queued order would race the drain and could reach the backend
// before or after its order indeterminately.
func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")

	order, err := s.queue.GetOrder(r.Context(), localID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if order == nil {
		s.writeError(w, poserr.ErrNotFound)
		return
	}

	s.writeError(w, invalidf("payments must be recorded atomically with their order; re-submit the order with its payments"))
}

type recordApprovalRequest struct {
	LocalOrderID string `json:"local_order_id"`
	ApprovalType string `json:"approval_type"`
	ManagerPIN   string `json:"manager_pin"`
	Reference    string `json:"reference"`
	Value        string `json:"value"`
}

func (s *Server) handleRecordApproval(w http.ResponseWriter, r *http.Request) {
	var req recordApprovalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.ManagerPIN == "" {
		s.writeError(w, invalidf("manager_pin required"))
		return
	}

	manager, err := s.cache.VerifyUserPIN(r.Context(), req.ManagerPIN)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if manager == nil {
		s.writeError(w, invalidf("manager pin not recognized"))
		return
	}

	sum := sha256.Sum256([]byte(req.ManagerPIN))

	op, err := s.queue.EnqueueApproval(r.Context(), queue.ApprovalInput{
		LocalOrderID: req.LocalOrderID,
		ApprovalType: req.ApprovalType,
		ManagerPIN:   hex.EncodeToString(sum[:]),
		Reference:    req.Reference,
		Value:        req.Value,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.events.broadcast(event{
		Type: "operation_queued",
		Data: map[string]any{"op_id": op.ID, "kind": op.Kind},
	})

	s.engine.TriggerSync()

	s.writeJSON(w, http.StatusCreated, map[string]any{"operation": op, "approved_by": manager.ID})
}

type recordInventoryRequest struct {
	LocalOrderID string          `json:"local_order_id"`
	Adjustment   json.RawMessage `json:"adjustment"`
}

func (s *Server) handleRecordInventory(w http.ResponseWriter, r *http.Request) {
	var req recordInventoryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if len(req.Adjustment) == 0 {
		s.writeError(w, invalidf("adjustment payload required"))
		return
	}

	op, err := s.queue.EnqueueInventory(r.Context(), req.Adjustment, req.LocalOrderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.events.broadcast(event{
		Type: "operation_queued",
		Data: map[string]any{"op_id": op.ID, "kind": op.Kind},
	})

	s.engine.TriggerSync()

	s.writeJSON(w, http.StatusCreated, map[string]any{"operation": op})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.queue.ListOrders(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.queue.GetOrder(r.Context(), chi.URLParam(r, "localID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if order == nil {
		s.writeError(w, poserr.ErrNotFound)
		return
	}

	payments, err := s.queue.ListPayments(r.Context(), order.LocalID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"order": order, "payments": payments})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queue.ListOperations(r.Context(), r.URL.Query().Get("status"), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// resolveOperationRequest drives the manual reconciliation actions:
// mark-sent confirms the backend accepted the operation, retry requeues a
// failed one, abandon parks a pending one.
type resolveOperationRequest struct {
	Action            string `json:"action"`
	ServerOrderID     string `json:"server_order_id"`
	ServerOrderNumber string `json:"server_order_number"`
	Reason            string `json:"reason"`
}

func (s *Server) handleResolveOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveOperationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var err error

	switch req.Action {
	case "mark-sent":
		err = s.queue.ResolveSent(r.Context(), id, queue.SentResult{
			ServerOrderID:     req.ServerOrderID,
			ServerOrderNumber: req.ServerOrderNumber,
		})
	case "retry":
		err = s.queue.ResolveRetry(r.Context(), id)
	case "abandon":
		if req.Reason == "" {
			s.writeError(w, invalidf("abandon requires a reason"))
			return
		}

		err = s.queue.Abandon(r.Context(), id, req.Reason)
	default:
		s.writeError(w, invalidf("unknown action %q", req.Action))
		return
	}

	if err != nil {
		s.writeError(w, err)
		return
	}

	op, err := s.queue.GetOperation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"operation": op})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}
