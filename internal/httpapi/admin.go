package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/js-owl/maas-back/internal/db"
	"github.com/js-owl/maas-back/internal/models"
)

// requireAdmin guards operator endpoints with the ADMIN_TOKEN bearer.
// The endpoints are disabled when no token is configured
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, http.StatusForbidden, "forbidden", "admin endpoints are disabled")
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	})
}

func idFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleFindDuplicates(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid order id")
		return
	}

	o, err := s.store.GetOrder(r.Context(), orderID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load order", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load order")
		return
	}

	deals, err := s.dups.FindDuplicates(r.Context(), orderID, o.RemoteDealID)
	if err != nil {
		s.logger.Error("Failed to list duplicate deals", "order_id", orderID, "error", err)
		writeError(w, http.StatusBadGateway, "crm_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":       orderID,
		"linked_deal_id": o.RemoteDealID,
		"count":          len(deals),
		"deals":          deals,
	})
}

func (s *Server) handleCleanupOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid order id")
		return
	}

	res, err := s.dups.CleanupDuplicates(r.Context(), orderID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		s.logger.Error("Duplicate cleanup failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusBadGateway, "crm_error", err.Error())
		return
	}
	s.logger.Info("Duplicate cleanup requested by operator", "order_id", orderID, "deleted", len(res.Deleted))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanupAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.dups.CleanupAll(r.Context())
	if err != nil {
		s.logger.Error("Bulk duplicate cleanup failed", "error", err)
		writeError(w, http.StatusBadGateway, "crm_error", err.Error())
		return
	}

	deleted := 0
	for _, res := range results {
		deleted += len(res.Deleted)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":  len(results),
		"deleted": deleted,
		"results": results,
	})
}

// handleEnqueue lets an operator force a resync of one entity. An update of
// an entity without a Sync Link is enqueued as a create
func (s *Server) handleEnqueue(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idFromPath(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid id")
			return
		}

		err := s.producer.EnqueueUpdate(r.Context(), kind, id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s source %d not found", kind, id))
			return
		}
		if err != nil {
			s.logger.Error("Manual resync failed", "kind", kind, "local_id", id, "error", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "sync could not be queued")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "kind": kind, "local_id": id})
	}
}
