package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

const (
	maxBodyBytes    = 1 << 20
	twilioSigHeader = "X-Twilio-Signature"
	emptyTwiML      = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

// DemoMessageRequest is the body of POST /tenants/{tenantID}/messages.
type DemoMessageRequest struct {
	Phone     string `json:"phone"`
	Text      string `json:"message_text"`
	MessageID string `json:"message_id,omitempty"`
}

// DemoMessageResult is returned by the demo ingress.
type DemoMessageResult struct {
	Decision    models.FlowLockDecision `json:"decision"`
	Reply       string                  `json:"reply"`
	ResponseKey string                  `json:"response_key"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "ok"}))
}

// twilioWebhookHandler accepts Twilio WhatsApp webhooks. The reply is queued in the outbox, so the
// TwiML response is always empty.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid form body"))
		return
	}
	if !s.validTwilioSignature(r) {
		slog.Warn("Server.twilioWebhookHandler: signature rejected", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusForbidden, models.Error("invalid twilio signature"))
		return
	}

	ev, err := messaging.ParseTwilioWebhook(r.PostForm, s.cfg.Clock())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ev.TenantID, err = s.resolver.Resolve(r, ev); err != nil {
		s.writeError(w, err)
		return
	}
	decision, err := s.dispatcher.HandleInbound(r.Context(), ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	slog.Debug("Server.twilioWebhookHandler: handled", "tenant", ev.TenantID, "phone", ev.Phone, "key", decision.ResponseKey)

	writeTwiML(w)
}

func (s *Server) validTwilioSignature(r *http.Request) bool {
	if s.cfg.Validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.cfg.Validator.Valid(s.cfg.PublicURL+r.URL.RequestURI(), params, r.Header.Get(twilioSigHeader))
}

// demoMessageHandler decides a message synchronously and returns the decision with the rendered
// reply. Nothing is sent over WhatsApp.
func (s *Server) demoMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req DemoMessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}

	phone, err := messaging.CanonicalizePhone(req.Phone)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", models.ErrInvalidEvent, err))
		return
	}
	ev := models.InboundEvent{
		Phone:      phone,
		Text:       strings.TrimSpace(req.Text),
		MessageID:  req.MessageID,
		Source:     models.SourceDemo,
		ReceivedAt: s.cfg.Clock(),
	}
	tenant, err := s.resolver.Resolve(r, ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if route := chi.URLParam(r, "tenantID"); tenant != route {
		s.writeError(w, fmt.Errorf("%w: token does not belong to %q", models.ErrUnknownTenant, route))
		return
	}
	ev.TenantID = tenant

	decision, err := s.engine.HandleMessage(r.Context(), ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	reply, key, err := s.renderer.Render(r.Context(), decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(DemoMessageResult{
		Decision:    decision,
		Reply:       reply,
		ResponseKey: key,
	}))
}

func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenantID")
	phone, err := messaging.CanonicalizePhone(chi.URLParam(r, "phone"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", models.ErrInvalidEvent, err))
		return
	}
	c, err := s.engine.Conversation(r.Context(), tenant, phone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidEvent):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrUnknownTenant):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	default:
		slog.Error("Server.writeError: request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("internal server error"))
	}
}
