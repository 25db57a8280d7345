package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillworks/offline-pos/internal/backend"
	"github.com/tillworks/offline-pos/internal/netmon"
	"github.com/tillworks/offline-pos/internal/queue"
)

// Per-cycle send attempts for one operation before the drain parks it
// until the next cycle.
const maxDrainAttempts = 5

// drainQueue replays pending operations one at a time in queue order. A
// final backend verdict (accepted, conflict, rejected) settles the
// operation; transient failures requeue it with backoff and, after enough
// of them, abort the pass.
func (e *Engine) drainQueue(ctx context.Context, report *Report) error {
	attempts := make(map[string]int)

	pairing, err := e.meta.GetPairing(ctx)
	if err != nil {
		return fmt.Errorf("syncer: drain: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if e.monitor.Status() != netmon.StatusOnline {
			e.logger.Info("drain paused, backend offline")
			return nil
		}

		op, err := e.queue.NextPending(ctx)
		if err != nil {
			return fmt.Errorf("syncer: drain: %w", err)
		}

		if op == nil {
			return nil
		}

		if attempts[op.ID] >= maxDrainAttempts {
			// Parked for this cycle; the row stays PENDING.
			e.logger.Warn("parking operation until next cycle",
				slog.String("op_id", op.ID),
				slog.Int("attempts", attempts[op.ID]),
			)

			return nil
		}

		if attempt := attempts[op.ID]; attempt > 0 {
			if err := e.sleepFunc(ctx, drainBackoff(attempt)); err != nil {
				return err
			}
		}

		// Each send carries a fresh device signature over the operation
		// identity, keyed with the pairing secret.
		signature, err := backend.SignOperation(string(pairing.SigningSecret),
			op.ID, op.Kind, pairing.TerminalID, e.nowFunc())
		if err != nil {
			return fmt.Errorf("syncer: drain: %w", err)
		}

		if err := e.queue.MarkSending(ctx, op.ID, signature); err != nil {
			return fmt.Errorf("syncer: drain: %w", err)
		}

		attempts[op.ID]++

		result, pushErr := e.backend.PushOperation(ctx, backend.PushRequest{
			ID:        op.ID,
			Kind:      op.Kind,
			Payload:   op.Payload,
			Signature: signature,
		})

		switch {
		case pushErr == nil:
			err = e.queue.MarkSent(ctx, op.ID, queue.SentResult{
				ServerOrderID:     result.ServerOrderID,
				ServerOrderNumber: result.ServerOrderNumber,
				Body:              result.Body,
			})
			if err != nil {
				return fmt.Errorf("syncer: drain: %w", err)
			}

			report.OperationsSent++

		case isConflict(pushErr):
			var conflict *backend.ConflictError
			errors.As(pushErr, &conflict)

			if err := e.queue.MarkConflict(ctx, op.ID, conflict.Reason); err != nil {
				return fmt.Errorf("syncer: drain: %w", err)
			}

			report.Conflicts++

		case errors.Is(pushErr, backend.ErrAuthInvalid):
			// Leave the operation queued; the terminal must re-pair
			// before anything can be sent.
			if err := e.queue.RequeueRetry(ctx, op.ID, pushErr.Error()); err != nil {
				return fmt.Errorf("syncer: drain: %w", err)
			}

			e.logger.Error("api key rejected mid-drain, clearing credentials")

			if err := e.meta.ClearAPIKey(ctx); err != nil {
				return fmt.Errorf("syncer: clearing rejected key: %w", err)
			}

			e.setAuthValid(false)

			return fmt.Errorf("syncer: drain: %w", pushErr)

		case backend.IsTransient(pushErr):
			if err := e.queue.RequeueRetry(ctx, op.ID, pushErr.Error()); err != nil {
				return fmt.Errorf("syncer: drain: %w", err)
			}

			report.OperationsRetry++

			e.logger.Warn("transient send failure",
				slog.String("op_id", op.ID),
				slog.Int("attempt", attempts[op.ID]),
				slog.String("error", pushErr.Error()),
			)

		default:
			// Permanent rejection that is not a business conflict, e.g.
			// a malformed payload. Park it FAILED for manual review.
			var apiErr *backend.APIError

			body := ""
			if errors.As(pushErr, &apiErr) {
				body = apiErr.Body
			}

			if err := e.queue.MarkFailed(ctx, op.ID, pushErr.Error(), body); err != nil {
				return fmt.Errorf("syncer: drain: %w", err)
			}
		}
	}
}

func isConflict(err error) bool {
	var conflict *backend.ConflictError
	return errors.As(err, &conflict)
}

// drainBackoff grows 1s, 2s, 4s, 8s per in-cycle attempt.
func drainBackoff(attempt int) time.Duration {
	return time.Second << (attempt - 1)
}
