package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/breaker"
	"github.com/ignite/invoice-relay/internal/pkg/httpretry"
)

// BreakerName identifies this dependency in the breaker registry.
const BreakerName = "chat"

const defaultTimeout = 30 * time.Second

// ErrPermanent marks a webhook rejection retrying cannot fix. The notifier
// drops the message instead of cycling it toward the poison queue.
var ErrPermanent = errors.New("chat: permanently rejected")

// IsPermanent reports whether err is a non-retryable webhook rejection.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Poster delivers envelopes to the configured chat webhook.
type Poster struct {
	webhookURL string
	http       httpretry.HTTPDoer
	breakers   *breaker.Registry
}

// NewPoster builds a poster from config.
func NewPoster(cfg config.ChatConfig, breakers *breaker.Registry) *Poster {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Poster{
		webhookURL: cfg.WebhookURL,
		http:       httpretry.NewRetryClient(&http.Client{Timeout: timeout}, httpretry.DefaultMaxRetries),
		breakers:   breakers,
	}
}

// Post sends one envelope. Any 2xx is success. 4xx other than 429 wraps
// ErrPermanent; 429, 5xx, and transport failures are transient, count
// against the breaker, and propagate so the dequeue count advances.
// An unconfigured webhook is permanent: retrying cannot conjure a URL.
func (p *Poster) Post(ctx context.Context, env Envelope) error {
	if p.webhookURL == "" {
		return fmt.Errorf("%w: no webhook configured", ErrPermanent)
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode chat envelope: %w", err)
	}
	if len(data) >= MaxPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes over cap", ErrPermanent, len(data))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var (
		status   int
		respBody []byte
	)
	err = p.breakers.Do(BreakerName, func() error {
		resp, err := p.http.Do(req)
		if err != nil {
			return fmt.Errorf("post chat webhook: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
		status = resp.StatusCode
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return fmt.Errorf("chat webhook failed: status %d: %s", status, bytes.TrimSpace(respBody))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if status >= 200 && status < 300 {
		return nil
	}
	return fmt.Errorf("%w: status %d: %s", ErrPermanent, status, bytes.TrimSpace(respBody))
}
