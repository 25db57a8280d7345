package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tillworks/offline-pos/internal/cache"
	"github.com/tillworks/offline-pos/internal/poserr"
)

// cacheDatasetRequest mirrors one backend delta handed over by the UI
// process when it proxies pulls itself (kiosk installs without the sync
// loop enabled).
type cacheDatasetRequest struct {
	Rows         []json.RawMessage `json:"rows"`
	Version      string            `json:"version"`
	RecordCount  int               `json:"record_count"`
	DeletedCount int               `json:"deleted_count"`
}

func (s *Server) handleCacheDataset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req cacheDatasetRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	info := cache.VersionInfo{
		Version:      req.Version,
		RecordCount:  req.RecordCount,
		DeletedCount: req.DeletedCount,
	}

	if err := s.cache.UpsertDataset(r.Context(), key, req.Rows, info); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"dataset": key,
		"cached":  len(req.Rows),
		"version": req.Version,
	})
}

type deleteRecordsRequest struct {
	IDs          []string `json:"ids"`
	Version      string   `json:"version"`
	DeletedCount int      `json:"deleted_count"`
}

func (s *Server) handleDeleteRecords(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req deleteRecordsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	info := cache.VersionInfo{Version: req.Version, DeletedCount: req.DeletedCount}

	if err := s.cache.DeleteRecords(r.Context(), key, req.IDs, info); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"dataset": key,
		"deleted": len(req.IDs),
	})
}

func (s *Server) handleDatasetVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.cache.DatasetVersions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"datasets": versions})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := cache.ProductFilter{
		CategoryID: query.Get("category_id"),
		ActiveOnly: query.Get("active") == "true",
		PublicOnly: query.Get("public") == "true",
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, invalidf("bad limit %q", raw))
			return
		}

		filter.Limit = limit
	}

	products, err := s.cache.ListProducts(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.cache.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if p == nil {
		s.writeError(w, poserr.ErrNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProductByBarcode(w http.ResponseWriter, r *http.Request) {
	p, err := s.cache.GetProductByBarcode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if p == nil {
		s.writeError(w, poserr.ErrNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.cache.ListCategories(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (s *Server) handleListModifierSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.cache.ListModifierSets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"modifier_sets": sets})
}

func (s *Server) handleListDiscounts(w http.ResponseWriter, r *http.Request) {
	var activeAt int64

	if r.URL.Query().Get("active") == "true" {
		activeAt = time.Now().Unix()
	}

	discounts, err := s.cache.ListDiscounts(r.Context(), activeAt)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"discounts": discounts})
}

func (s *Server) handleListTaxes(w http.ResponseWriter, r *http.Request) {
	taxes, err := s.cache.ListTaxes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"taxes": taxes})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.cache.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	// PIN hashes stay inside the process.
	for _, u := range users {
		u.PINHash = ""
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleVerifyPIN(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}

	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.PIN == "" {
		s.writeError(w, invalidf("pin required"))
		return
	}

	u, err := s.cache.VerifyUserPIN(r.Context(), req.PIN)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if u == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"verified": false})
		return
	}

	u.PINHash = ""

	s.writeJSON(w, http.StatusOK, map[string]any{"verified": true, "user": u})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := s.cache.GetSetting(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	locationID := r.URL.Query().Get("location_id")

	if productID == "" || locationID == "" {
		s.writeError(w, invalidf("product_id and location_id required"))
		return
	}

	stock, err := s.cache.GetStock(r.Context(), productID, locationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if stock == nil {
		s.writeError(w, poserr.ErrNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, stock)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}
