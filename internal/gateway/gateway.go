// Package gateway is the localhost HTTP surface the UI process talks to.
// Every read is served from the local cache and every write lands in the
// durable queue; nothing here ever waits on the backend, so the UI stays
// responsive through an outage.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tillworks/offline-pos/internal/backend"
	"github.com/tillworks/offline-pos/internal/cache"
	"github.com/tillworks/offline-pos/internal/meta"
	"github.com/tillworks/offline-pos/internal/netmon"
	"github.com/tillworks/offline-pos/internal/poserr"
	"github.com/tillworks/offline-pos/internal/queue"
	"github.com/tillworks/offline-pos/internal/store"
	"github.com/tillworks/offline-pos/internal/syncer"
)

// Pairer exchanges a pairing code for credentials. Satisfied by
// *backend.Client.
type Pairer interface {
	Pair(ctx context.Context, code string) (*backend.PairResponse, error)
}

// ServerConfig holds the collaborators for NewServer.
type ServerConfig struct {
	Cache     *cache.Cache
	Queue     *queue.Queue
	Meta      *meta.Meta
	Guard     *syncer.Guard
	Engine    *syncer.Engine
	Monitor   *netmon.Monitor
	Store     *store.Store
	Pairer    Pairer
	BackupDir string
	Logger    *slog.Logger
}

// Server is the localhost gateway.
type Server struct {
	cache     *cache.Cache
	queue     *queue.Queue
	meta      *meta.Meta
	guard     *syncer.Guard
	engine    *syncer.Engine
	monitor   *netmon.Monitor
	store     *store.Store
	pairer    Pairer
	backupDir string
	logger    *slog.Logger
	events    *hub
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cache:     cfg.Cache,
		queue:     cfg.Queue,
		meta:      cfg.Meta,
		guard:     cfg.Guard,
		engine:    cfg.Engine,
		monitor:   cfg.Monitor,
		store:     cfg.Store,
		pairer:    cfg.Pairer,
		backupDir: cfg.BackupDir,
		logger:    cfg.Logger.With(slog.String("component", "gateway")),
		events:    newHub(),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/v1/health", s.handleHealth)

	r.Route("/v1/datasets", func(r chi.Router) {
		r.Get("/versions", s.handleDatasetVersions)
		r.Post("/{key}", s.handleCacheDataset)
		r.Post("/{key}/deletions", s.handleDeleteRecords)
	})

	r.Route("/v1/products", func(r chi.Router) {
		r.Get("/", s.handleListProducts)
		r.Get("/barcode/{code}", s.handleProductByBarcode)
		r.Get("/{id}", s.handleGetProduct)
	})

	r.Get("/v1/categories", s.handleListCategories)
	r.Get("/v1/modifier-sets", s.handleListModifierSets)
	r.Get("/v1/discounts", s.handleListDiscounts)
	r.Get("/v1/taxes", s.handleListTaxes)
	r.Get("/v1/users", s.handleListUsers)
	r.Post("/v1/users/verify-pin", s.handleVerifyPIN)
	r.Get("/v1/settings/{key}", s.handleGetSetting)
	r.Get("/v1/stocks", s.handleGetStock)

	r.Route("/v1/orders", func(r chi.Router) {
		r.Get("/", s.handleListOrders)
		r.Post("/", s.requirePairing(s.handleRecordOrder))
		r.Get("/{localID}", s.handleGetOrder)
		r.Post("/{localID}/payments", s.requirePairing(s.handleRecordPayment))
	})

	r.Post("/v1/approvals", s.requirePairing(s.handleRecordApproval))
	r.Post("/v1/inventory-adjustments", s.requirePairing(s.handleRecordInventory))

	r.Route("/v1/queue", func(r chi.Router) {
		r.Get("/operations", s.handleListOperations)
		r.Get("/stats", s.handleQueueStats)
		// Reconciliation tooling; not part of the normal sale flow.
		r.Post("/operations/{id}/resolve", s.handleResolveOperation)
	})

	r.Get("/v1/network/status", s.handleNetworkStatus)
	r.Post("/v1/network/hint", s.handleNetworkHint)

	r.Get("/v1/sync/status", s.handleSyncStatus)
	r.Post("/v1/sync/trigger", s.handleTriggerSync)

	r.Get("/v1/exposure", s.handleGetExposure)
	r.Post("/v1/exposure/reset", s.handleResetExposure)
	r.Post("/v1/limits/check", s.handleCheckLimit)

	r.Get("/v1/stats", s.handleCompleteStats)

	r.Route("/v1/pairing", func(r chi.Router) {
		r.Get("/", s.handleGetPairing)
		r.Post("/", s.handlePair)
		r.Delete("/", s.handleClearPairing)
		r.Get("/status", s.handlePairingStatus)
	})

	r.Post("/v1/maintenance/backup", s.handleBackup)
	r.Post("/v1/maintenance/vacuum", s.handleVacuum)
	r.Post("/v1/cache/clear", s.handleClearCache)

	r.Get("/events", s.handleEvents)

	return r
}

// Serve runs the listener until the context is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("gateway listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}

		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("gateway: %w", err)
	}
}

// requirePairing rejects mutations from an unpaired terminal.
func (s *Server) requirePairing(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paired, err := s.meta.IsPaired(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}

		if !paired {
			s.writeError(w, poserr.ErrNotPaired)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorEnvelope is the wire shape of every gateway failure.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var envelope errorEnvelope

	envelope.Error.Code = poserr.Code(err)
	envelope.Error.Message = err.Error()

	// Transport failures from the backend client carry its own sentinels;
	// translate them so the envelope speaks the gateway's codes.
	if envelope.Error.Code == "INTERNAL" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			envelope.Error.Code = "TIMEOUT"
		case errors.Is(err, backend.ErrUnreachable):
			envelope.Error.Code = "NETWORK_ERROR"
		case errors.Is(err, backend.ErrAuthInvalid):
			envelope.Error.Code = "AUTH_INVALID"
		}
	}

	var invalid errInvalid
	if errors.As(err, &invalid) {
		envelope.Error.Code = "INVALID"
	}

	status := statusFor(envelope.Error.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}

	s.writeJSON(w, status, envelope)
}

func statusFor(code string) int {
	switch code {
	case "NOT_INITIALIZED":
		return http.StatusServiceUnavailable
	case "NOT_FOUND":
		return http.StatusNotFound
	case "NOT_PAIRED", "AUTH_INVALID":
		return http.StatusConflict
	case "LIMIT_EXCEEDED":
		return http.StatusUnprocessableEntity
	case "CONFLICT":
		return http.StatusConflict
	case "DATASET_VERSION_REQUIRED", "INVALID":
		return http.StatusBadRequest
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "NETWORK_ERROR":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", slog.String("error", err.Error()))
	}
}

// errInvalid wraps request validation failures so they surface as 400s
// with an INVALID code instead of 500s.
type errInvalid struct{ msg string }

func (e errInvalid) Error() string { return e.msg }

func invalidf(format string, args ...any) error {
	return errInvalid{msg: fmt.Sprintf(format, args...)}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalidf("invalid request body: %v", err)
	}

	return nil
}
