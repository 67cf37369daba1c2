// Package graph is the mail-provider REST client: message fetch, attachment
// download, outbound sendMail, and change-notification subscriptions.
// Authentication is OAuth2 client credentials; every call runs through the
// shared retry client and the "graph" circuit breaker.
package graph

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/breaker"
	"github.com/ignite/invoice-relay/internal/pkg/httpretry"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// BreakerName identifies this dependency in the breaker registry.
	BreakerName = "graph"

	tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultScope   = "https://graph.microsoft.com/.default"

	defaultTimeout = 30 * time.Second
	maxErrBody     = 512
)

var (
	// ErrMessageNotFound means the referenced mail no longer exists; callers
	// treat it as a permanent skip rather than a retryable failure.
	ErrMessageNotFound = errors.New("graph: message not found")

	// ErrSubscriptionNotFound is returned on renew when the provider has
	// already dropped the subscription; the manager recreates instead.
	ErrSubscriptionNotFound = errors.New("graph: subscription not found")

	// ErrNoPDFAttachment means the message carries no PDF attachment.
	ErrNoPDFAttachment = errors.New("graph: no pdf attachment")
)

// Client talks to the mail provider. Safe for concurrent use.
type Client struct {
	baseURL  string
	http     httpretry.HTTPDoer
	tokens   oauth2.TokenSource
	breakers *breaker.Registry
}

// NewClient builds a provider client from config. The token source caches
// tokens and refreshes them on expiry.
func NewClient(cfg config.GraphConfig, breakers *breaker.Registry) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLFormat, cfg.TenantID),
		Scopes:       []string{defaultScope},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})

	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		http:     httpretry.NewRetryClient(&http.Client{Timeout: timeout}, httpretry.DefaultMaxRetries),
		tokens:   cc.TokenSource(tokenCtx),
		breakers: breakers,
	}
}

// do executes one API call under the breaker and returns the response body
// and status. path may be a path relative to the base URL or an absolute URL
// (continuation links come back absolute). Transport errors and 5xx count as
// breaker failures; 4xx statuses are caller-level signals and do not.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal %s %s request: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := path
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		url = c.baseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build %s %s request: %w", method, path, err)
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, 0, fmt.Errorf("graph token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var (
		respBody []byte
		status   int
	)
	err = c.breakers.Do(BreakerName, func() error {
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("graph %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("graph %s %s: read response: %w", method, path, err)
		}
		status = resp.StatusCode
		if status >= http.StatusInternalServerError {
			return statusError(method+" "+path, status, respBody)
		}
		return nil
	})
	if err != nil {
		return nil, status, err
	}
	return respBody, status, nil
}

func statusError(op string, status int, body []byte) error {
	b := bytes.TrimSpace(body)
	if len(b) > maxErrBody {
		b = b[:maxErrBody]
	}
	return fmt.Errorf("graph %s failed: status %d: %s", op, status, b)
}
