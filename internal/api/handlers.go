package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"syphon-executor/internal/strategy"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	maxBodyBytes   = 1 << 20
	zkpRejectedMsg = "Strategy failed initial ZKP check."
)

type createResponse struct {
	Status     string `json:"status"`
	StrategyID string `json:"strategy_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

type strategyView struct {
	StrategyID string    `json:"strategy_id"`
	UserID     string    `json:"user_id"`
	Type       string    `json:"strategy_type"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	TxHash     string    `json:"tx_hash,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Server) createStrategy(w http.ResponseWriter, r *http.Request) {
	var sub strategy.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !authorized(r.Context(), sub.UserID) {
		writeError(w, http.StatusForbidden, "token subject does not match user_id")
		return
	}
	if s.opts.Admission == nil || !s.opts.Admission.Verify(r.Context(), sub) {
		writeJSON(w, http.StatusBadRequest, createResponse{Status: "error", Message: zkpRejectedMsg})
		return
	}
	st := sub.NewStrategy(s.now())
	if err := s.opts.Store.Create(r.Context(), &st); err != nil {
		s.log.Error("create strategy failed", zap.String("user_id", st.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("An unexpected error occurred: %v", err))
		return
	}
	s.log.Info("strategy admitted",
		zap.String("strategy_id", st.ID),
		zap.String("user_id", st.UserID),
		zap.String("strategy_type", string(st.Type)),
	)
	writeJSON(w, http.StatusCreated, createResponse{Status: "success", StrategyID: st.ID})
}

func (s *Server) getStrategy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.opts.Store.GetByID(r.Context(), id)
	if errors.Is(err, strategy.ErrNotFound) {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	if err != nil {
		s.log.Error("load strategy failed", zap.String("strategy_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("An unexpected error occurred: %v", err))
		return
	}
	if !authorized(r.Context(), st.UserID) {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	writeJSON(w, http.StatusOK, strategyView{
		StrategyID: st.ID,
		UserID:     st.UserID,
		Type:       string(st.Type),
		Status:     string(st.Status),
		Attempts:   st.Attempts,
		TxHash:     st.TxHash,
		LastError:  st.LastError,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
	})
}

func (s *Server) livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.log.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
