package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const alertEvent = "settlement.needs_attention"

// WebhookNotifier posts alerts as JSON to an ops webhook. The top-level text
// field renders in Slack-style incoming webhooks; the rest is for tooling.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

type alertPayload struct {
	Event      string          `json:"event"`
	Text       string          `json:"text"`
	Settlement alertSettlement `json:"settlement"`
	Action     alertAction     `json:"action"`
	SentAt     time.Time       `json:"sent_at"`
}

type alertSettlement struct {
	ID             string `json:"id"`
	RestaurantID   string `json:"restaurant_id"`
	Week           string `json:"week"`
	NetAmount      string `json:"net_amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type alertAction struct {
	Reason      string `json:"reason"`
	Recommended string `json:"recommended"`
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Notify posts msg. Any non-2xx answer is an error carrying the start of the body.
func (n *WebhookNotifier) Notify(ctx context.Context, msg AlertMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	if msg.SettlementID == "" {
		return errors.New("webhook notifier: alert without settlement id")
	}
	body, err := json.Marshal(newAlertPayload(msg, n.now().UTC()))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook notifier: settlement %s: %w", msg.SettlementID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook notifier: settlement %s: http %d: %s", msg.SettlementID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func newAlertPayload(msg AlertMessage, at time.Time) alertPayload {
	return alertPayload{
		Event: alertEvent,
		Text:  summary(msg),
		Settlement: alertSettlement{
			ID:             msg.SettlementID,
			RestaurantID:   msg.RestaurantID,
			Week:           msg.Week,
			NetAmount:      msg.NetAmount,
			Currency:       msg.Currency,
			IdempotencyKey: msg.IdempotencyKey,
		},
		Action: alertAction{
			Reason:      msg.Reason,
			Recommended: msg.RecommendedAction,
		},
		SentAt: at,
	}
}

// summary is one line, e.g. "rest-a 2025-W02 (900.00 INR) needs attention: gateway timeout".
func summary(msg AlertMessage) string {
	who := msg.SettlementID
	if msg.RestaurantID != "" {
		who = strings.TrimSpace(msg.RestaurantID + " " + msg.Week)
	}
	if msg.NetAmount != "" {
		who += fmt.Sprintf(" (%s %s)", msg.NetAmount, msg.Currency)
	}
	if msg.Reason == "" {
		return who + " needs attention"
	}
	return who + " needs attention: " + msg.Reason
}
