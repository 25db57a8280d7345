package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/tillworks/offline-pos/internal/meta"
	"github.com/tillworks/offline-pos/internal/poserr"
)

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	offline, err := s.meta.OfflineDuration(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":                s.monitor.Status(),
		"offline_duration_secs": int64(offline.Seconds()),
	})
}

func (s *Server) handleNetworkHint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}

	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.monitor.SetHint(req.Online)

	s.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	attempt, success, err := s.meta.SyncClocks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{
		"syncing":    s.engine.Syncing(),
		"auth_valid": s.engine.AuthValid(),
	}

	if !attempt.IsZero() {
		resp["last_attempt"] = attempt.UTC().Format(time.RFC3339)
	}

	if !success.IsZero() {
		resp["last_success"] = success.UTC().Format(time.RFC3339)
	}

	if report := s.engine.LastReport(); report != nil {
		resp["last_report"] = report
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, _ *http.Request) {
	s.engine.TriggerSync()
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (s *Server) handleGetExposure(w http.ResponseWriter, r *http.Request) {
	exp, err := s.meta.GetExposure(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"transaction_count": exp.TransactionCount,
		"cash_total":        exp.CashTotal.StringFixed(2),
		"card_total":        exp.CardTotal.StringFixed(2),
		"total":             exp.Total().StringFixed(2),
	})
}

// handleResetExposure zeroes the exposure counters, refusing while any
// operation recorded before now is still unsent.
func (s *Server) handleResetExposure(w http.ResponseWriter, r *http.Request) {
	err := s.meta.ResetExposure(r.Context(), time.Now(), s.queue.AllSentBefore)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) handleCheckLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
		Amount string `json:"amount"`
	}

	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	err := s.guard.CheckLimit(r.Context(), req.Method, req.Amount)
	if errors.Is(err, poserr.ErrLimitExceeded) {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"allowed": false,
			"reason":  err.Error(),
		})

		return
	}

	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

// handleCompleteStats aggregates the one-call status view the UI polls:
// connectivity, queue depth, exposure, cache freshness, pairing.
func (s *Server) handleCompleteStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queueStats, err := s.queue.Stats(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	exp, err := s.meta.GetExposure(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	versions, err := s.cache.DatasetVersions(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	paired, err := s.meta.IsPaired(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	offline, err := s.meta.OfflineDuration(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"network": map[string]any{
			"status":                s.monitor.Status(),
			"offline_duration_secs": int64(offline.Seconds()),
		},
		"queue": queueStats,
		"exposure": map[string]any{
			"transaction_count": exp.TransactionCount,
			"cash_total":        exp.CashTotal.StringFixed(2),
			"card_total":        exp.CardTotal.StringFixed(2),
			"total":             exp.Total().StringFixed(2),
		},
		"datasets": versions,
		"paired":   paired,
		"syncing":  s.engine.Syncing(),
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}

	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.Code == "" {
		s.writeError(w, invalidf("pairing code required"))
		return
	}

	resp, err := s.pairer.Pair(r.Context(), req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}

	pairing := &meta.Pairing{
		TerminalID:    resp.TerminalID,
		TenantID:      resp.TenantID,
		LocationID:    resp.LocationID,
		SigningSecret: []byte(resp.SigningSecret),
	}

	if err := s.meta.StorePairing(r.Context(), pairing); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.meta.SetAPIKey(r.Context(), resp.APIKey); err != nil {
		s.writeError(w, err)
		return
	}

	s.engine.MarkPaired()
	s.monitor.ForceProbe()

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"terminal_id": resp.TerminalID,
		"tenant_id":   resp.TenantID,
		"location_id": resp.LocationID,
	})
}

func (s *Server) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	pairing, err := s.meta.GetPairing(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The signing secret and API key never leave the process.
	s.writeJSON(w, http.StatusOK, map[string]any{
		"terminal_id": pairing.TerminalID,
		"tenant_id":   pairing.TenantID,
		"location_id": pairing.LocationID,
		"paired_at":   pairing.PairedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleClearPairing(w http.ResponseWriter, r *http.Request) {
	if err := s.meta.ClearPairing(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.meta.ClearAPIKey(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	paired, err := s.meta.IsPaired(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"paired": paired})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	path, err := s.store.Backup(r.Context(), s.backupDir)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleVacuum(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Vacuum(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"vacuumed": true})
}
