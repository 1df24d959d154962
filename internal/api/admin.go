package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"messagebus/internal/bus"
)

type publishRequest struct {
	Channel  string          `json:"channel"`
	Data     json.RawMessage `json:"data"`
	UserIDs  []int64         `json:"user_ids"`
	GroupIDs []int64         `json:"group_ids"`
	// SiteID is a pointer so that an explicit "" publishes single-tenant
	// rather than falling back to a default.
	SiteID            *string `json:"site_id"`
	MaxBacklogSize    int     `json:"max_backlog_size"`
	MaxBacklogAgeSecs int     `json:"max_backlog_age_seconds"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req publishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := s.bus.Publish(r.Context(), req.Channel, req.Data, bus.PublishOptions{
		UserIDs:        req.UserIDs,
		GroupIDs:       req.GroupIDs,
		SiteID:         req.SiteID,
		MaxBacklogSize: req.MaxBacklogSize,
		MaxBacklogAge:  time.Duration(req.MaxBacklogAgeSecs) * time.Second,
	})
	if err != nil {
		s.writeBusError(w, r, err)
		return
	}
	if id == 0 {
		writeJSON(w, http.StatusAccepted, map[string]any{"published": false, "off": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"published": true, "id": id})
}

func (s *Server) handleOff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	s.bus.Off()
	s.auditf(r, "bus_off", "publishing disabled")
	writeJSON(w, http.StatusOK, map[string]any{"off": true})
}

func (s *Server) handleOn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	s.bus.On()
	s.auditf(r, "bus_on", "publishing enabled")
	writeJSON(w, http.StatusOK, map[string]any{"off": false})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bus":     s.bus.Stats(),
		"clients": s.manager.Clients(),
	})
}
