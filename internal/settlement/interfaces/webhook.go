// Package interfaces holds the HTTP surface and exports of the settlement engine.
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"settlement-engine/internal/observability/metrics"
	settlement "settlement-engine/internal/settlement/domain"
)

// Gateway webhook event names.
const (
	EventPayoutProcessed = "payout.processed"
	EventPayoutFailed    = "payout.failed"
	EventPayoutReversed  = "payout.reversed"
	EventPayoutRejected  = "payout.rejected"

	webhookActor = "gateway-webhook"
)

// PayoutEvents applies gateway confirmations to settlements.
type PayoutEvents interface {
	CompleteByPayoutID(ctx context.Context, payoutID, reference, actor string) (*settlement.Settlement, error)
	FailByPayoutID(ctx context.Context, payoutID, reference, reason, actor string) (*settlement.Settlement, error)
}

// WebhookHandler receives payout status events.
type WebhookHandler struct {
	events PayoutEvents
	logger logrus.FieldLogger
}

// NewWebhookHandler constructs the handler.
func NewWebhookHandler(events PayoutEvents, logger logrus.FieldLogger) *WebhookHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookHandler{events: events, logger: logger}
}

// NewRouter mounts the webhook receiver, health and metrics endpoints.
func NewRouter(handler *WebhookHandler, verifier *SignatureVerifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.With(verifier.Wrap).Post("/webhooks/payouts", handler.HandlePayoutEvent)
	return r
}

// HandlePayoutEvent maps a payout event onto a settlement transition.
func (h *WebhookHandler) HandlePayoutEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body error")
		return
	}
	if !gjson.ValidBytes(body) {
		metrics.IncWebhookEvent("invalid", metrics.ResultError)
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	parsed := gjson.ParseBytes(body)
	event := parsed.Get("event").String()
	payout := parsed.Get("payload.payout")
	payoutID := payout.Get("id").String()
	reference := payout.Get("reference").String()
	log := h.logger.WithFields(logrus.Fields{
		"event":      event,
		"payout_id":  payoutID,
		"reference":  reference,
		"request_id": middleware.GetReqID(r.Context()),
	})

	var s *settlement.Settlement
	switch event {
	case EventPayoutProcessed:
		if payoutID == "" {
			metrics.IncWebhookEvent(event, metrics.ResultError)
			writeError(w, http.StatusBadRequest, "payout id required")
			return
		}
		s, err = h.events.CompleteByPayoutID(r.Context(), payoutID, reference, webhookActor)
	case EventPayoutFailed, EventPayoutReversed, EventPayoutRejected:
		if payoutID == "" {
			metrics.IncWebhookEvent(event, metrics.ResultError)
			writeError(w, http.StatusBadRequest, "payout id required")
			return
		}
		reason := payout.Get("failure_reason").String()
		if reason == "" {
			reason = "gateway event " + event
		}
		s, err = h.events.FailByPayoutID(r.Context(), payoutID, reference, reason, webhookActor)
	default:
		metrics.IncWebhookEvent(event, "ignored")
		log.Debug("ignoring webhook event")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	if err != nil {
		status := statusFor(err)
		metrics.IncWebhookEvent(event, metrics.ResultError)
		log.WithError(err).WithField("status", status).Warn("webhook event not applied")
		writeError(w, status, err.Error())
		return
	}
	metrics.IncWebhookEvent(event, metrics.ResultSuccess)
	log.WithFields(logrus.Fields{"settlement_id": s.ID, "settlement_status": s.Status}).Info("webhook event applied")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":            "ok",
		"settlement_id":     s.ID,
		"settlement_status": string(s.Status),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrStateTransition):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
