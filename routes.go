/*
Copyright © 2026 sbrin
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"
)

var validate = validator.New()

type roleSelectRequest struct {
	DeviceID string `json:"deviceId" validate:"required,min=8"`
	Role     Role   `json:"role" validate:"required,oneof=MALE FEMALE"`
}

type deviceRequest struct {
	DeviceID string `json:"deviceId" validate:"required,min=8"`
}

type sessionRequest struct {
	DeviceID  string `json:"deviceId" validate:"required,min=8"`
	SessionID string `json:"sessionId" validate:"required,min=8"`
}

type answerRequest struct {
	DeviceID  string `json:"deviceId" validate:"required,min=8"`
	SessionID string `json:"sessionId" validate:"required,min=8"`
	ChoiceID  string `json:"choiceId" validate:"required"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type queueJoinResponse struct {
	Status    searchStatus `json:"status"`
	SessionID string       `json:"sessionId,omitempty"`
}

type resumeResponse struct {
	Status    resumeStatus `json:"status"`
	SessionID string       `json:"sessionId,omitempty"`
	Step      *StepEvent   `json:"step,omitempty"`
}

func parseBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func apiError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeAPIError maps the protocol error taxonomy to HTTP responses.
// Anything outside the taxonomy is a logic fault and re-panics into the
// router's PanicHandler.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errSessionNotFound):
		apiError(w, http.StatusNotFound, "SESSION_NOT_FOUND")
	case errors.Is(err, errSessionNotReady):
		apiError(w, http.StatusConflict, "SESSION_NOT_READY")
	case errors.Is(err, errSessionNotActive):
		apiError(w, http.StatusConflict, "SESSION_NOT_ACTIVE")
	case errors.Is(err, errRoleRequired):
		apiError(w, http.StatusConflict, "ROLE_REQUIRED")
	case errors.Is(err, errInvalidChoice):
		apiError(w, http.StatusConflict, "INVALID_CHOICE")
	default:
		panic(err)
	}
}

func handleSelectRole(sessions *Sessions) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req roleSelectRequest
		if err := parseBody(r, &req); err != nil {
			apiError(w, http.StatusBadRequest, "INVALID_BODY")
			return
		}

		sessions.SelectRole(req.DeviceID, req.Role)
		writeJSON(w, http.StatusOK, statusResponse{Status: "OK"})
	}
}

func handleQueueJoin(sessions *Sessions) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req deviceRequest
		if err := parseBody(r, &req); err != nil {
			apiError(w, http.StatusBadRequest, "INVALID_BODY")
			return
		}

		result, err := sessions.JoinQueue(req.DeviceID)
		if err != nil {
			writeAPIError(w, err)
			return
		}

		resp := queueJoinResponse{Status: result.Status}
		if result.Session != nil {
			resp.SessionID = result.Session.ID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleQueueCancel(sessions *Sessions) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req deviceRequest
		if err := parseBody(r, &req); err != nil {
			apiError(w, http.StatusBadRequest, "INVALID_BODY")
			return
		}

		sessions.CancelQueue(req.DeviceID)
		writeJSON(w, http.StatusOK, statusResponse{Status: "OK"})
	}
}

func handleSessionStart(sessions *Sessions) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req sessionRequest
		if err := parseBody(r, &req); err != nil {
			apiError(w, http.StatusBadRequest, "INVALID_BODY")
			return
		}

		result, err := sessions.ConfirmStart(req.DeviceID, req.SessionID)
		if err != nil {
			writeAPIError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, statusResponse{Status: string(result.Status)})
	}
}

func handleSessionAnswer(sessions *Sessions) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req answerRequest
		if err := parseBody(r, &req); err != nil {
			apiError(w, http.StatusBadRequest, "INVALID_BODY")
			return
		}

		status, err := sessions.SubmitAnswer(req.DeviceID, req.SessionID, req.ChoiceID)
		if err != nil {
			writeAPIError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, statusResponse{Status: string(status)})
	}
}

func handleSessionEnd(sessions *Sessions) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req sessionRequest
		if err := parseBody(r, &req); err != nil {
			apiError(w, http.StatusBadRequest, "INVALID_BODY")
			return
		}

		status, err := sessions.EndSession(req.DeviceID, req.SessionID)
		if err != nil {
			writeAPIError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, statusResponse{Status: string(status)})
	}
}

func handleSessionResume(sessions *Sessions) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req deviceRequest
		if err := parseBody(r, &req); err != nil {
			apiError(w, http.StatusBadRequest, "INVALID_BODY")
			return
		}

		result, err := sessions.Resume(req.DeviceID)
		if err != nil {
			writeAPIError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, resumeResponse{
			Status:    result.Status,
			SessionID: result.SessionID,
			Step:      result.Step,
		})
	}
}

func registerAPIRoutes(cfg *Config, mux *httprouter.Router, sessions *Sessions, store *Store, hub *Hub) {
	mux.POST(cfg.prefix+"/role", handleSelectRole(sessions))
	mux.POST(cfg.prefix+"/queue/join", handleQueueJoin(sessions))
	mux.POST(cfg.prefix+"/queue/cancel", handleQueueCancel(sessions))
	mux.POST(cfg.prefix+"/session/start", handleSessionStart(sessions))
	mux.POST(cfg.prefix+"/session/step/answer", handleSessionAnswer(sessions))
	mux.POST(cfg.prefix+"/session/end", handleSessionEnd(sessions))
	mux.POST(cfg.prefix+"/session/resume", handleSessionResume(sessions))
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, store, hub))
}
