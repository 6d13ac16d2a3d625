// Package payoutgw is the REST client for the payout gateway.
package payoutgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"settlement-engine/internal/observability/metrics"
	settlement "settlement-engine/internal/settlement/domain"
)

// IdempotencyHeader carries the attempt token on payout creation.
const IdempotencyHeader = "X-Payout-Idempotency"

const (
	defaultTimeout = 15 * time.Second
	defaultRegion  = "IN"
	maxErrorBody   = 4 << 10
)

var tracer = otel.Tracer("settlement-engine/payoutgw")

// Config holds gateway connection settings.
type Config struct {
	BaseURL       string
	ClientID      string
	SigningSecret string
	Timeout       time.Duration
	// RequestsPerSecond limits outgoing calls; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	PhoneRegion       string
}

// Client is the payout gateway REST client.
type Client struct {
	baseURL  string
	clientID string
	secret   []byte
	region   string
	client   *http.Client
	limiter  *rate.Limiter

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient constructs a gateway client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("payoutgw: empty base url")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("payoutgw: base url: %w", err)
	}
	if cfg.ClientID == "" || cfg.SigningSecret == "" {
		return nil, errors.New("payoutgw: client id and signing secret required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = defaultRegion
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		secret:   []byte(cfg.SigningSecret),
		region:   cfg.PhoneRegion,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
	}, nil
}

type payeePayload struct {
	Name        string `json:"name" validate:"required,max=100"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Phone       string `json:"phone,omitempty" validate:"omitempty,e164"`
	ReferenceID string `json:"reference_id" validate:"required"`
}

type bankAccountPayload struct {
	Name          string `json:"name" validate:"required,max=120"`
	AccountNumber string `json:"account_number" validate:"required,numeric,min=6,max=20"`
	IFSC          string `json:"ifsc" validate:"required,len=11,alphanum"`
}

type vpaPayload struct {
	Address string `json:"address" validate:"required,contains=@"`
}

type fundingPayload struct {
	PayeeID     string              `json:"payee_id" validate:"required"`
	Method      string              `json:"method" validate:"required,oneof=bank_account vpa"`
	BankAccount *bankAccountPayload `json:"bank_account,omitempty" validate:"required_if=Method bank_account"`
	VPA         *vpaPayload         `json:"vpa,omitempty" validate:"required_if=Method vpa"`
}

type payoutPayload struct {
	FundingID string `json:"funding_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Currency  string `json:"currency" validate:"required,len=3"`
	Mode      string `json:"mode" validate:"required,oneof=IMPS NEFT RTGS UPI"`
	Narration string `json:"narration,omitempty" validate:"max=30"`
	Reference string `json:"reference" validate:"required,max=40"`
}

type idResponse struct {
	ID string `json:"id"`
}

type payoutResponse struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type payoutListResponse struct {
	Items []payoutResponse `json:"items"`
}

// CreatePayee registers a restaurant and returns the gateway payee id.
func (c *Client) CreatePayee(ctx context.Context, req settlement.PayeeRequest) (string, error) {
	phone, err := NormalizePhone(req.Phone, c.region)
	if err != nil {
		return "", err
	}
	payload := payeePayload{
		Name:        strings.TrimSpace(req.Name),
		Email:       strings.TrimSpace(req.Email),
		Phone:       phone,
		ReferenceID: req.RestaurantID,
	}
	if err := validatePayload("payee", payload); err != nil {
		return "", err
	}
	var resp idResponse
	if err := c.doJSON(ctx, "create_payee", http.MethodPost, "/v1/payees", payload, nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: payee created without id", settlement.ErrGatewayAmbiguous)
	}
	return resp.ID, nil
}

// CreateFundingDestination registers a bank account or VPA for a payee.
func (c *Client) CreateFundingDestination(ctx context.Context, req settlement.FundingRequest) (string, error) {
	payload := fundingPayload{PayeeID: req.PayeeID, Method: string(req.Method)}
	switch req.Method {
	case settlement.MethodBankAccount:
		payload.BankAccount = &bankAccountPayload{
			Name:          strings.TrimSpace(req.AccountHolder),
			AccountNumber: strings.TrimSpace(req.AccountNumber),
			IFSC:          strings.ToUpper(strings.TrimSpace(req.IFSC)),
		}
	case settlement.MethodVPA:
		payload.VPA = &vpaPayload{Address: strings.TrimSpace(req.VPA)}
	}
	if err := validatePayload("funding destination", payload); err != nil {
		return "", err
	}
	var resp idResponse
	if err := c.doJSON(ctx, "create_funding", http.MethodPost, "/v1/funding_destinations", payload, nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: funding destination created without id", settlement.ErrGatewayAmbiguous)
	}
	return resp.ID, nil
}

// CreatePayout requests a payout. The idempotency key travels in IdempotencyHeader.
func (c *Client) CreatePayout(ctx context.Context, req settlement.PayoutRequest) (settlement.PayoutResult, error) {
	payload := payoutPayload{
		FundingID: req.FundingID,
		Amount:    req.AmountMinor,
		Currency:  req.Currency,
		Mode:      string(req.Mode),
		Narration: req.Narration,
		Reference: req.Reference,
	}
	if err := validatePayload("payout", payload); err != nil {
		return settlement.PayoutResult{}, err
	}
	if req.IdempotencyKey == "" {
		return settlement.PayoutResult{}, fmt.Errorf("%w: payout: idempotency key required", settlement.ErrValidation)
	}
	headers := map[string]string{IdempotencyHeader: req.IdempotencyKey}
	var resp payoutResponse
	if err := c.doJSON(ctx, "create_payout", http.MethodPost, "/v1/payouts", payload, headers, &resp); err != nil {
		return settlement.PayoutResult{}, err
	}
	return settlement.PayoutResult{PayoutID: resp.ID, Reference: resp.Reference, Status: resp.Status}, nil
}

// FindPayoutByReference looks up a payout by the reference sent on creation.
func (c *Client) FindPayoutByReference(ctx context.Context, reference string) (*settlement.PayoutResult, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: empty reference", settlement.ErrValidation)
	}
	var resp payoutListResponse
	err := c.doJSON(ctx, "find_payout", http.MethodGet, "/v1/payouts?reference="+url.QueryEscape(reference), nil, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: payout with reference %s", settlement.ErrNotFound, reference)
	}
	if err != nil {
		return nil, err
	}
	for _, item := range resp.Items {
		if item.Reference == reference && item.ID != "" {
			return &settlement.PayoutResult{PayoutID: item.ID, Reference: item.Reference, Status: item.Status}, nil
		}
	}
	return nil, fmt.Errorf("%w: payout with reference %s", settlement.ErrNotFound, reference)
}

var errNotFound = errors.New("payoutgw: not found")

func (c *Client) doJSON(ctx context.Context, op, method, path string, body any, headers map[string]string, out any) (err error) {
	ctx, span := tracer.Start(ctx, "payoutgw."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("payoutgw.path", path)))
	started := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil && !errors.Is(err, errNotFound) {
			result = resultLabel(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObserveGatewayRequest(op, result, time.Since(started))
		span.End()
	}()

	// Nothing has been sent while waiting on the limiter, so a retry is safe.
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", settlement.ErrGatewayUnavailable, err)
	}

	reqBody := bytes.NewReader(nil)
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	token, err := c.bearer()
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", settlement.ErrGatewayAmbiguous, method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_, keyed := headers[IdempotencyHeader]
		return classifyStatus(method, path, resp.StatusCode, raw, keyed)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: undecodable response: %v", settlement.ErrGatewayAmbiguous, method, path, err)
	}
	return nil
}

// classifyStatus maps a non-2xx response to a gateway error class. On a keyed
// request only 503 means nothing was created; any other 5xx may come from a
// proxy that gave up while the gateway carried on.
func classifyStatus(method, path string, status int, body []byte, keyed bool) error {
	msg := errorMessage(body)
	switch {
	case status == http.StatusNotFound && method == http.MethodGet:
		return errNotFound
	case keyed && status >= 500 && status != http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s %s: http %d: %s", settlement.ErrGatewayAmbiguous, method, path, status, msg)
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: %s %s: http %d: %s", settlement.ErrGatewayUnavailable, method, path, status, msg)
	default:
		return fmt.Errorf("%w: %s %s: http %d: %s", settlement.ErrGatewayRejected, method, path, status, msg)
	}
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"error.description", "error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return strings.TrimSpace(string(body))
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, settlement.ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, settlement.ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, settlement.ErrGatewayAmbiguous):
		return "ambiguous"
	}
	return metrics.ResultError
}

func (c *Client) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.token != "" && now.Before(c.tokenExp.Add(-time.Minute)) {
		return c.token, nil
	}
	token, exp, err := SignServiceToken(c.clientID, c.secret, now, tokenTTL)
	if err != nil {
		return "", err
	}
	c.token, c.tokenExp = token, exp
	return token, nil
}
