package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"tickrelay/internal/protocol"
	"tickrelay/pkg/kite"
	"tickrelay/pkg/storage/cache"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Handler returns the relay's HTTP surface with permissive CORS.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws-status", s.handleStatus)
	mux.HandleFunc("POST /credentials", s.handleCredentials)
	mux.HandleFunc("GET /ticks/{token}", s.handleLatestTick)
	mux.HandleFunc("GET /ticks/{token}/history", s.handleTickHistory)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Kite-Version")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := s.Accept(conn)
	s.logger.Info("browser connected", zap.String("client", c.ID()), zap.String("remote", r.RemoteAddr))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Service) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid JSON body"})
		return
	}

	err := s.UpdateCredentials(r.Context(), req.APIKey, req.AccessToken)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, kite.ErrMissingCredentials):
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
	default:
		s.logger.Warn("upstream connect failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, protocol.ErrorResponse{Error: err.Error()})
	}
}

func (s *Service) handleLatestTick(w http.ResponseWriter, r *http.Request) {
	if s.latest == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "tick cache disabled"})
		return
	}
	token, ok := parseToken(w, r)
	if !ok {
		return
	}

	tick, err := s.latest.LatestTick(r.Context(), token)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Warn("latest tick lookup failed", zap.Int32("token", token), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "lookup failed"})
	default:
		writeJSON(w, http.StatusOK, tick)
	}
}

func (s *Service) handleTickHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "tick archive disabled"})
		return
	}
	token, ok := parseToken(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	records, err := s.history.LatestTicks(r.Context(), token, limit)
	if err != nil {
		s.logger.Warn("tick history lookup failed", zap.Int32("token", token), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func parseToken(w http.ResponseWriter, r *http.Request) (int32, bool) {
	n, err := strconv.ParseInt(r.PathValue("token"), 10, 32)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid instrument token"})
		return 0, false
	}
	return int32(n), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
