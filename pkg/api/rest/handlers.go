package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.Stats())
}

// sendRequest is the payload for queueing a push.
type sendRequest struct {
	Tokens     []string               `json:"tokens"`
	Alert      string                 `json:"alert,omitempty"`
	Badge      int                    `json:"badge,omitempty"`
	Sound      string                 `json:"sound,omitempty"`
	Custom     map[string]interface{} `json:"custom,omitempty"`
	Expiration *time.Time             `json:"expiration,omitempty"`
	Priority   *uint8                 `json:"priority,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	priority := apns.PriorityImmediate
	if req.Priority != nil {
		priority = apns.Priority(*req.Priority)
	}
	var expiration time.Time
	if req.Expiration != nil {
		expiration = *req.Expiration
	}

	msg, err := s.manager.SendAps(req.Tokens, apns.Aps{
		Alert: req.Alert,
		Badge: req.Badge,
		Sound: req.Sound,
	}, req.Custom, expiration, priority)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"message_id":    msg.ID,
		"notifications": len(msg.Tokens),
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	store := s.manager.Journal()
	if store == nil {
		respondError(w, http.StatusNotFound, "journal disabled")
		return
	}

	rows, err := store.Failures(queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStaleDevices(w http.ResponseWriter, r *http.Request) {
	store := s.manager.Journal()
	if store == nil {
		respondError(w, http.StatusNotFound, "journal disabled")
		return
	}

	rows, err := store.StaleDevices(queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 100
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
