package interfaces

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Webhook signature headers.
const (
	TimestampHeader = "X-Payout-Timestamp"
	SignatureHeader = "X-Payout-Signature"

	maxWebhookBody = 1 << 20
)

// SignatureVerifier checks gateway webhook signatures.
type SignatureVerifier struct {
	Secret  []byte
	MaxSkew time.Duration
	now     func() time.Time
}

// NewSignatureVerifier constructs the verifier.
func NewSignatureVerifier(secret []byte, maxSkew time.Duration) *SignatureVerifier {
	return &SignatureVerifier{Secret: secret, MaxSkew: maxSkew, now: time.Now}
}

// Wrap rejects requests whose signature does not match the body.
func (v *SignatureVerifier) Wrap(next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(v.Secret) == 0 {
			writeError(w, http.StatusUnauthorized, "webhook signing not configured")
			return
		}
		timestamp := strings.TrimSpace(r.Header.Get(TimestampHeader))
		signature := strings.TrimSpace(r.Header.Get(SignatureHeader))
		if timestamp == "" || signature == "" {
			writeError(w, http.StatusUnauthorized, "missing webhook signature")
			return
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid webhook timestamp")
			return
		}
		now := time.Now
		if v.now != nil {
			now = v.now
		}
		skew := now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if v.MaxSkew > 0 && skew > v.MaxSkew {
			writeError(w, http.StatusUnauthorized, "webhook signature expired")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body error")
			return
		}
		_ = r.Body.Close()

		expected := Sign(v.Secret, timestamp, body)
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			writeError(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign returns the hex HMAC-SHA256 of timestamp + "\n" + body.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
