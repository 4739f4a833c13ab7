package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pocketcmd/pocketcmd/internal/event"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// InputRequest is the body of POST /input.
type InputRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"clientId,omitempty"`
}

// PromptRequest is the body of POST /prompt/{correlationID}.
type PromptRequest struct {
	Text string `json:"text"`
}

// AgentInfo is one entry of GET /agents.
type AgentInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"agent":  s.active(),
	})
}

func (s *Server) postInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}
	if req.ClientID == "" {
		req.ClientID = "http:" + middleware.GetReqID(r.Context())
	}

	s.publish(w, event.AppInputEvent{InputText: req.Text, SourceClientID: req.ClientID})
}

func (s *Server) postPrompt(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")
	var req PromptRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.publish(w, event.PromptResponseEvent{CorrelationID: correlationID, ResponseText: req.Text})
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	active := s.active()
	agents := []AgentInfo{}
	if s.agents != nil {
		for _, def := range s.agents.List() {
			agents = append(agents, AgentInfo{
				Name:        def.Name,
				Type:        def.Type,
				Description: def.Description,
				Active:      def.Name == active,
			})
		}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) publish(w http.ResponseWriter, e event.Event) {
	err := s.bus.Publish(e)
	switch {
	case err == nil:
		writeAccepted(w)
	case errors.Is(err, event.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		s.log.Warn().Err(err).Str("kind", string(e.Kind())).Msg("Publish failed")
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
