// Command fake_gateway is a local stand-in for the payout gateway.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"settlement-engine/internal/payoutgw"
	"settlement-engine/internal/settlement/interfaces"
)

type settings struct {
	Addr          string        `env:"FAKE_GW_ADDR,default=:18090"`
	SigningSecret string        `env:"FAKE_GW_SIGNING_SECRET,default=dev-gateway-secret"`
	WebhookURL    string        `env:"FAKE_GW_WEBHOOK_URL"`
	WebhookSecret string        `env:"FAKE_GW_WEBHOOK_SECRET,default=dev-webhook-secret"`
	Latency       time.Duration `env:"FAKE_GW_LATENCY,default=0s"`
	FailRate      float64       `env:"FAKE_GW_FAIL_RATE,default=0"`
	RejectRate    float64       `env:"FAKE_GW_REJECT_RATE,default=0"`
	// AutoSettle posts payout.processed this long after creation; zero disables it.
	AutoSettle time.Duration `env:"FAKE_GW_AUTO_SETTLE,default=0s"`
}

type payout struct {
	ID        string `json:"id"`
	FundingID string `json:"funding_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Mode      string `json:"mode"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type fakeGateway struct {
	cfg    settings
	logger *logrus.Logger
	client *http.Client

	seq int64

	mu          sync.Mutex
	payees      map[string]string
	byKey       map[string]*payout
	byID        map[string]*payout
	byReference map[string]*payout
}

func main() {
	logger := logrus.New()
	var cfg settings
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		logger.WithError(err).Fatal("decode env")
	}

	gw := &fakeGateway{
		cfg:         cfg,
		logger:      logger,
		client:      &http.Client{Timeout: 5 * time.Second},
		payees:      make(map[string]string),
		byKey:       make(map[string]*payout),
		byID:        make(map[string]*payout),
		byReference: make(map[string]*payout),
	}

	logger.WithField("addr", cfg.Addr).Info("fake payout gateway listening")
	if err := http.ListenAndServe(cfg.Addr, gw.routes()); err != nil {
		logger.WithError(err).Fatal("listen")
	}
}

func (g *fakeGateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(r chi.Router) {
		r.Use(g.authenticate)
		r.Post("/v1/payees", g.handlePayee)
		r.Post("/v1/funding_destinations", g.handleFunding)
		r.Post("/v1/payouts", g.handleCreatePayout)
		r.Get("/v1/payouts", g.handleFindPayouts)
	})
	r.Post("/admin/payouts/{id}/{event}", g.handleAdminEvent)
	return r
}

func (g *fakeGateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := payoutgw.ParseServiceToken(token, []byte(g.cfg.SigningSecret)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if g.cfg.Latency > 0 {
			time.Sleep(g.cfg.Latency)
		}
		next.ServeHTTP(w, r)
	})
}

func (g *fakeGateway) handlePayee(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string `json:"name"`
		ReferenceID string `json:"reference_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ReferenceID == "" {
		writeError(w, http.StatusBadRequest, "reference_id required")
		return
	}
	g.mu.Lock()
	id, ok := g.payees[payload.ReferenceID]
	if !ok {
		id = g.nextID("payee")
		g.payees[payload.ReferenceID] = id
	}
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (g *fakeGateway) handleFunding(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PayeeID string `json:"payee_id"`
		Method  string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.PayeeID == "" {
		writeError(w, http.StatusBadRequest, "payee_id required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": g.nextID("fund")})
}

func (g *fakeGateway) handleCreatePayout(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(payoutgw.IdempotencyHeader)
	if key == "" {
		writeError(w, http.StatusBadRequest, "idempotency header required")
		return
	}
	var req payout
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	g.mu.Lock()
	if existing, ok := g.byKey[key]; ok {
		p := *existing
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, p)
		return
	}
	g.mu.Unlock()

	roll := rand.Float64()
	switch {
	case roll < g.cfg.FailRate:
		writeError(w, http.StatusServiceUnavailable, "gateway busy")
		return
	case roll < g.cfg.FailRate+g.cfg.RejectRate:
		writeError(w, http.StatusUnprocessableEntity, "beneficiary account invalid")
		return
	}

	p := &payout{
		ID:        g.nextID("pout"),
		FundingID: req.FundingID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Mode:      req.Mode,
		Reference: req.Reference,
		Status:    "queued",
	}
	g.mu.Lock()
	g.byKey[key] = p
	g.byID[p.ID] = p
	if p.Reference != "" {
		g.byReference[p.Reference] = p
	}
	out := *p
	g.mu.Unlock()

	if g.cfg.AutoSettle > 0 {
		time.AfterFunc(g.cfg.AutoSettle, func() {
			if err := g.settle(context.Background(), out.ID, "processed", ""); err != nil {
				g.logger.WithError(err).WithField("payout_id", out.ID).Warn("auto settle failed")
			}
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *fakeGateway) handleFindPayouts(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	items := []payout{}
	g.mu.Lock()
	if p, ok := g.byReference[reference]; ok {
		items = append(items, *p)
	}
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleAdminEvent moves a payout to processed, failed or reversed and
// delivers the matching webhook.
func (g *fakeGateway) handleAdminEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event := chi.URLParam(r, "event")
	switch event {
	case "processed", "failed", "reversed", "rejected":
	default:
		writeError(w, http.StatusBadRequest, "unknown event "+event)
		return
	}
	if err := g.settle(r.Context(), id, event, r.URL.Query().Get("reason")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": event})
}

func (g *fakeGateway) settle(ctx context.Context, id, status, reason string) error {
	g.mu.Lock()
	p, ok := g.byID[id]
	if ok {
		p.Status = status
	}
	var snapshot payout
	if ok {
		snapshot = *p
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("payout %s not found", id)
	}
	if g.cfg.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"event": "payout." + status,
		"payload": map[string]any{
			"payout": map[string]any{
				"id":             snapshot.ID,
				"reference":      snapshot.Reference,
				"status":         snapshot.Status,
				"amount":         snapshot.Amount,
				"failure_reason": reason,
			},
		},
	})
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(interfaces.TimestampHeader, ts)
	req.Header.Set(interfaces.SignatureHeader, interfaces.Sign([]byte(g.cfg.WebhookSecret), ts, body))
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	g.logger.WithFields(logrus.Fields{"payout_id": id, "event": status, "status": resp.StatusCode}).Info("webhook delivered")
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (g *fakeGateway) nextID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, atomic.AddInt64(&g.seq, 1))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
