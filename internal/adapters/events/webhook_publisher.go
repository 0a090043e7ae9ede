package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
)

const (
	defaultWebhookTimeout = 10 * time.Second

	HeaderEvent     = "X-Tokengate-Event"
	HeaderTopic     = "X-Tokengate-Topic"
	HeaderDelivery  = "X-Tokengate-Delivery"
	HeaderTokenID   = "X-Tokengate-Token-Id"
	HeaderSignature = "X-Tokengate-Signature"
)

var (
	ErrSignatureMalformed = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
)

// WebhookPublisher POSTs token lifecycle events to a receiver. The delivery
// id is the event id, so a retried delivery can be deduplicated. Receivers
// check X-Tokengate-Signature with VerifySignature.
type WebhookPublisher struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

// NewWebhookPublisher returns a publisher for url. A non-positive timeout
// uses defaultWebhookTimeout.
func NewWebhookPublisher(url, secret string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookPublisher{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Publish sends one event. Statuses a retry cannot change (4xx other than
// 408 and 429) are reported as domain.ErrDeliveryRejected.
func (p *WebhookPublisher) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", domain.ErrDeliveryRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.EventType)
	req.Header.Set(HeaderTopic, topic)
	req.Header.Set(HeaderDelivery, event.EventID)
	req.Header.Set(HeaderTokenID, event.AggregateID)
	req.Header.Set(HeaderSignature, signatureHeader(p.secret, p.now().Unix(), body))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("webhook returned status %d", code)
	default:
		return fmt.Errorf("%w: webhook returned status %d", domain.ErrDeliveryRejected, code)
	}
}

// signatureHeader formats "t=<unix>,v1=<hex hmac>" over "<unix>.<body>".
func signatureHeader(secret []byte, ts int64, body []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + sign(secret, ts, body)
}

func sign(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a X-Tokengate-Signature header against body. A
// timestamp further than tolerance from now is rejected.
func VerifySignature(secret []byte, header string, body []byte, tolerance time.Duration, now time.Time) error {
	var (
		ts  int64
		sig string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureMalformed
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrSignatureMalformed
			}
			ts = n
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return ErrSignatureMalformed
	}

	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return ErrSignatureExpired
	}
	if !hmac.Equal([]byte(sig), []byte(sign(secret, ts, body))) {
		return ErrSignatureMismatch
	}
	return nil
}
