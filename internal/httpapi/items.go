package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/dispatch"
	"github.com/mirrorkv/mirrorkv/internal/metrics"
	"github.com/mirrorkv/mirrorkv/internal/storage"
)

// putItemReq is the body of PUT /item/{key}.
type putItemReq struct {
	Value           json.RawMessage `json:"value"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	ExpectedVersion *int            `json:"expectedVersion,omitempty"`
}

// requireIdentity rejects requests that did not convey a user id.
func requireIdentity(w http.ResponseWriter, r *http.Request, needInstance bool) (Identity, bool) {
	id := IdentityFrom(r.Context())
	if id.UserID == "" {
		writeAppError(w, r, apperr.New(apperr.Validation, "X-User-Id header is required"))
		return id, false
	}
	if needInstance && id.InstanceID == "" {
		writeAppError(w, r, apperr.New(apperr.Validation, "X-Instance-Id header is required"))
		return id, false
	}
	return id, true
}

// GetItem handles GET /item/{key}.
func (s *Server) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, false)
	if !ok {
		return
	}
	metrics.SyncOps.WithLabelValues("get").Inc()

	item, err := s.Dispatcher.GetItem(r.Context(), dispatch.GetItemQuery{
		UserID: id.UserID,
		Key:    chi.URLParam(r, "key"),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if item == nil {
		writeAppError(w, r, apperr.New(apperr.NotFound, "item not found"))
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// PutItem handles PUT /item/{key}.
func (s *Server) PutItem(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, true)
	if !ok {
		return
	}
	metrics.SyncOps.WithLabelValues("set").Inc()

	var req putItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, r, apperr.New(apperr.Validation, "invalid JSON body"))
		return
	}

	res, err := s.Dispatcher.SetItem(r.Context(), dispatch.SetItemCmd{
		UserID:          id.UserID,
		InstanceID:      id.InstanceID,
		Key:             chi.URLParam(r, "key"),
		Value:           req.Value,
		Metadata:        req.Metadata,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if res.Conflict != nil {
		metrics.Conflicts.WithLabelValues(string(res.Conflict.Type)).Inc()
	}
	writeJSON(w, r, http.StatusOK, res)
}

// DeleteItem handles DELETE /item/{key}.
func (s *Server) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, true)
	if !ok {
		return
	}
	metrics.SyncOps.WithLabelValues("remove").Inc()

	err := s.Dispatcher.RemoveItem(r.Context(), dispatch.RemoveItemCmd{
		UserID:     id.UserID,
		InstanceID: id.InstanceID,
		Key:        chi.URLParam(r, "key"),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListItems handles GET /items?prefix=.
func (s *Server) ListItems(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, false)
	if !ok {
		return
	}
	metrics.SyncOps.WithLabelValues("getAll").Inc()

	items, err := s.Dispatcher.GetAllItems(r.Context(), dispatch.GetAllItemsQuery{
		UserID: id.UserID,
		Prefix: r.URL.Query().Get("prefix"),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// ListKeys handles GET /keys?prefix=.
func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, false)
	if !ok {
		return
	}
	metrics.SyncOps.WithLabelValues("getKeys").Inc()

	keys, err := s.Dispatcher.GetKeys(r.Context(), dispatch.GetKeysQuery{
		UserID: id.UserID,
		Prefix: r.URL.Query().Get("prefix"),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

// ClearStorage handles DELETE /clear.
func (s *Server) ClearStorage(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, true)
	if !ok {
		return
	}
	metrics.SyncOps.WithLabelValues("clear").Inc()

	if _, err := s.Dispatcher.ClearStorage(r.Context(), dispatch.ClearStorageCmd{
		UserID:     id.UserID,
		InstanceID: id.InstanceID,
	}); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StorageStats handles GET /stats.
func (s *Server) StorageStats(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, false)
	if !ok {
		return
	}
	stats, err := s.Repo.Stats(r.Context(), id.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// ExportItems handles GET /export.
func (s *Server) ExportItems(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, false)
	if !ok {
		return
	}
	items, err := s.Repo.Export(r.Context(), id.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// ImportItems handles POST /import. Imported records keep their
// original versions and timestamps.
func (s *Server) ImportItems(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, false)
	if !ok {
		return
	}

	var body struct {
		Items []storage.ExportedItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, r, apperr.New(apperr.Validation, "invalid JSON body"))
		return
	}
	// Imports are scoped to the caller regardless of what the dump says.
	for i := range body.Items {
		body.Items[i].UserID = id.UserID
	}

	written, err := s.Repo.Import(r.Context(), body.Items)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"imported": written})
}
