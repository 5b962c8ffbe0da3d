package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanpawarit/care-dialogue-scheduler/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	slotx "github.com/tanpawarit/care-dialogue-scheduler/agent/slot"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	scheduler Scheduler
	slots     SlotCatalog
	// Both buckets must have a token: a fresh conversation id per message
	// still drains the client's.
	conversations *keyedLimiter
	clients       *keyedLimiter
}

type chatRequest struct {
	Message        string                  `json:"message"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	PatientInfo    *contractx.PatientHints `json:"patient_info,omitempty"`
}

type clearRequest struct {
	ConversationID string `json:"conversation_id"`
}

type slotRequest struct {
	ID              string `json:"id,omitempty"`
	ProviderID      string `json:"provider_id,omitempty"`
	ProviderType    string `json:"provider_type"`
	ProviderName    string `json:"provider_name"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
	Summary         string `json:"summary,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type confirmErrorResponse struct {
	orchestrator.ConfirmResponse
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	event := zerolog.Ctx(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = zerolog.Ctx(r.Context()).Error()
	}
	event.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: contractx.Kind(err)})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch contractx.Kind(err) {
	case contractx.KindValidation:
		return http.StatusBadRequest
	case contractx.KindConflict:
		return http.StatusConflict
	case contractx.KindInvariant:
		return http.StatusUnprocessableEntity
	case contractx.KindBackend:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", contractx.ErrValidation, err)
	}
	return nil
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.slots != nil {
		body["slots"] = h.slots.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if !h.clients.Allow(clientKey(r)) || !h.conversations.Allow(conversationID) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many messages, slow down"})
		return
	}

	in := orchestrator.ChatRequest{ConversationID: conversationID, Message: req.Message}
	if req.PatientInfo != nil {
		in.Hints = *req.PatientInfo
	}
	resp, err := h.scheduler.HandleMessage(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) confirm(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ConfirmRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.scheduler.ConfirmBooking(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		zerolog.Ctx(r.Context()).Info().Err(err).Int("status", status).Msg("booking not confirmed")
		writeJSON(w, status, confirmErrorResponse{ConfirmResponse: resp, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) clear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.scheduler.ClearSession(r.Context(), req.ConversationID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": req.ConversationID, "cleared": true})
}

func (h *handlers) lastReply(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	turn, ok, err := h.scheduler.LastReply(r.Context(), conversationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no reply yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"reply":           turn.Text,
		"at":              turn.At,
	})
}

func (h *handlers) addSlot(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, r, err)
		return
	}
	slot, err := h.slots.Add(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("slot_id", slot.ID).Msg("slot added")
	writeJSON(w, http.StatusCreated, slot.Candidate(0))
}

func (req slotRequest) spec() (slotx.Spec, error) {
	pt := contractx.ParseProviderType(req.ProviderType)
	if pt == "" {
		return slotx.Spec{}, fmt.Errorf("%w: unknown provider type %q", contractx.ErrValidation, req.ProviderType)
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Start))
	if err != nil {
		return slotx.Spec{}, fmt.Errorf("%w: start must be RFC 3339: %v", contractx.ErrValidation, err)
	}
	if req.DurationMinutes <= 0 {
		return slotx.Spec{}, fmt.Errorf("%w: duration_minutes must be positive", contractx.ErrValidation)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = "slot_" + uuid.NewString()[:8]
	}
	return slotx.Spec{
		ID:           id,
		ProviderID:   strings.TrimSpace(req.ProviderID),
		ProviderType: pt,
		ProviderName: strings.TrimSpace(req.ProviderName),
		Start:        start,
		Duration:     time.Duration(req.DurationMinutes) * time.Minute,
		Summary:      strings.TrimSpace(req.Summary),
	}, nil
}
