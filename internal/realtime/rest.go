package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kjm1559/Clawbot/internal/pty"
	"github.com/kjm1559/Clawbot/internal/router"
	"github.com/kjm1559/Clawbot/internal/session"
)

type launchSessionRequest struct {
	Command []string `json:"command"`
	WorkDir string   `json:"workDir,omitempty"`
}

type sendInputRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type signalRequest struct {
	Signal string `json:"signal"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

func writeOpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrInvalidCommand),
		errors.Is(err, router.ErrAmbiguous),
		errors.Is(err, router.ErrNoRoute):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrMaxSessions):
		status = http.StatusTooManyRequests
	}
	writeJSONError(w, status, errorCode(err), err.Error())
}

func (s *Server) handleLaunchSession(w http.ResponseWriter, r *http.Request) {
	var req launchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_MESSAGE", "invalid request body")
		return
	}

	sess, err := s.ctrl.Launch(req.Command, req.WorkDir)
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ctrl.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Get(r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_MESSAGE", "invalid request body")
		return
	}
	if req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_MESSAGE", "text is required")
		return
	}

	if _, err := s.rt.Route(router.Message{
		Sender:    req.Sender,
		Text:      req.Text,
		SessionID: r.PathValue("id"),
	}); err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"sent"}`))
}

func (s *Server) handleSignalSession(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_MESSAGE", "invalid request body")
		return
	}

	if err := s.ctrl.Signal(r.PathValue("id"), pty.SignalKind(req.Signal)); err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"signalled"}`))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Cancel(r.PathValue("id")); err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"cancelled"}`))
}
