package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sophia-care/sophia/internal/models"
)

// scheduleRequest is the body of PUT /schedules/{userID}.
type scheduleRequest struct {
	Timezone string `json:"timezone"`
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeError(w, r, http.StatusBadRequest, "Invalid form body", err)
		return
	}
	if s.validator != nil && !s.validator.ValidateRequest(r, s.opts.TwilioWebhookURL) {
		slog.Warn("Server.twilioWebhookHandler: invalid Twilio signature")
		writeError(w, r, http.StatusForbidden, "Invalid signature", nil)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")
	if from == "" {
		writeError(w, r, http.StatusBadRequest, "Missing required field: From", nil)
		return
	}
	if strings.TrimSpace(body) == "" {
		slog.Debug("Server.twilioWebhookHandler: ignoring message without text", "messageSid", sid)
	} else if !s.opts.Inbound.HandleInbound(from, body, sid) {
		slog.Warn("Server.twilioWebhookHandler: inbound message not accepted", "messageSid", sid)
	}

	writeTwiMLAck(w)
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, err := s.sessions.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrEmptyUserID) {
			writeError(w, r, http.StatusBadRequest, err.Error(), err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "Failed to load session", err)
		return
	}
	if sess == nil {
		writeError(w, r, http.StatusNotFound, models.ErrSessionNotFound.Error(), nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	s.opts.Resetter.Reset(userID)
	slog.Info("Server.resetSessionHandler: session reset", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) putScheduleHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req scheduleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid JSON format", err)
		return
	}
	err := s.opts.Scheduler.Schedule(r.Context(), userID, req.Timezone)
	switch {
	case errors.Is(err, models.ErrInvalidTimezone), errors.Is(err, models.ErrEmptyUserID):
		writeError(w, r, http.StatusBadRequest, err.Error(), err)
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "Failed to schedule", err)
	default:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule registered", models.Schedule{UserID: userID, Timezone: req.Timezone}))
	}
}

func (s *Server) deleteScheduleHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := s.opts.Scheduler.Unschedule(r.Context(), userID)
	switch {
	case errors.Is(err, models.ErrScheduleNotFound):
		writeError(w, r, http.StatusNotFound, err.Error(), err)
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "Failed to remove schedule", err)
	default:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule removed", nil))
	}
}
