package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bigbes/snapshot-gate/internal/auth"
	"github.com/bigbes/snapshot-gate/internal/bandwidth"
	"github.com/bigbes/snapshot-gate/internal/gate"
	"github.com/bigbes/snapshot-gate/internal/signer"
)

const (
	maxBodyBytes = 1 << 20
	// retryAfterSeconds is the hint sent with capacity refusals.
	retryAfterSeconds = 30
)

type downloadRequest struct {
	Path     string `json:"path"`
	ObjectID string `json:"object_id,omitempty"`
}

type downloadResponse struct {
	URL          string `json:"url"`
	Expires      int64  `json:"expires"`
	Tier         string `json:"tier"`
	Bandwidth    int64  `json:"bandwidth"`
	ConnectionID string `json:"connection_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	caller, err := s.resolver.Resolve(r)
	if err != nil {
		s.logger.Debug("httpapi: caller rejected", "err", err)
		switch {
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
			writeError(w, http.StatusUnauthorized, "invalid_token")
		case errors.Is(err, auth.ErrUnknownTier):
			writeError(w, http.StatusForbidden, "unknown_tier")
		default:
			writeError(w, http.StatusBadRequest, "unknown_client")
		}
		return
	}

	var req downloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	d, err := s.gate.Admit(gate.Request{Caller: caller, Path: req.Path, ObjectID: req.ObjectID})
	if err != nil {
		switch {
		case errors.Is(err, signer.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, "invalid_path")
		case errors.Is(err, gate.ErrUnknownTier):
			writeError(w, http.StatusForbidden, "unknown_tier")
		default:
			s.logger.Error("httpapi: admission failed", "user", caller.UserID, "path", req.Path, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	switch d.Outcome {
	case gate.RefusedQuota:
		writeError(w, http.StatusPaymentRequired, d.Outcome.String())
		return
	case gate.RefusedCapacity:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":          d.Outcome.String(),
			"queue_position": d.QueuePosition,
		})
		return
	}

	if caller.IsAnonymous() {
		country := ""
		if s.cfg.Geo != nil {
			country = s.cfg.Geo.LookupCountry(caller.ClientIP)
		}
		s.observer.ObserveAnonymous(country)
		s.logger.Debug("httpapi: anonymous download", "ip", caller.ClientIP.String(), "country", country)
	}

	writeJSON(w, http.StatusOK, downloadResponse{
		URL:          d.URL,
		Expires:      d.ExpiresAt,
		Tier:         d.Tier,
		Bandwidth:    d.AdvisoryBandwidth,
		ConnectionID: d.ConnectionID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBytes records transferred bytes. Unknown ids are accepted: reports
// may race with teardown.
func (s *Server) handleBytes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bytes int64 `json:"bytes"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.Bytes < 0 {
		writeError(w, http.StatusBadRequest, "negative_bytes")
		return
	}
	s.registry.UpdateConnection(r.PathValue("id"), req.Bytes)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.registry.EndConnection(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleUserConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	writeJSON(w, http.StatusOK, struct {
		UserID      string                 `json:"user_id"`
		Usage       int64                  `json:"usage"`
		Connections []bandwidth.Connection `json:"connections"`
	}{
		UserID:      userID,
		Usage:       s.registry.Usage(userID),
		Connections: s.registry.UserConnections(userID),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n := s.registry.ResetMonthlyUsage()
	s.observer.ObserveReset(n)
	if s.cfg.OnReset != nil {
		s.cfg.OnReset(s.now(), n)
	}
	s.logger.Info("httpapi: monthly usage reset", "users", n)
	writeJSON(w, http.StatusOK, map[string]int{"reset_users": n})
}
