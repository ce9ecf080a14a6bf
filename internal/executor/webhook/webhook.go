// Package webhook implements an executor handler that delivers a task to an
// HTTP endpoint. Endpoints may be protected with OAuth2 client credentials.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/cloudauth"
	"github.com/eugener/courier/internal/telemetry"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 64 << 10
)

// OAuthConfig holds client-credentials settings for an endpoint.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config describes a webhook endpoint.
type Config struct {
	URL     string
	Timeout time.Duration
	OAuth   *OAuthConfig      // optional client-credentials auth
	Auth    *cloudauth.Config // optional header, GCP, or AWS auth
	Breaker BreakerConfig     // zero value uses DefaultBreakerConfig
}

// Error is a non-2xx response, or a 2xx response reporting an error in its body.
type Error struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("webhook %s: HTTP %d: %s", e.URL, e.StatusCode, e.Message)
}

// Handler posts tasks to a single endpoint.
type Handler struct {
	url     string
	client  *http.Client
	breaker *breaker
	tracer  trace.Tracer
}

// New creates a handler for cfg using base for outbound connections.
// When cfg.OAuth is set, tokens are fetched through base as well and cached
// until they expire.
func New(ctx context.Context, cfg Config, base http.RoundTripper) (*Handler, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	bcfg := cfg.Breaker
	if bcfg == (BreakerConfig{}) {
		bcfg = DefaultBreakerConfig()
	}

	rt := base
	if cfg.Auth != nil {
		var err error
		if rt, err = cloudauth.Wrap(ctx, base, *cfg.Auth); err != nil {
			return nil, fmt.Errorf("webhook %s: %w", cfg.URL, err)
		}
	}

	client := &http.Client{Transport: rt}
	if cfg.OAuth != nil {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		client = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, client))
	}
	client.Timeout = timeout

	return &Handler{
		url:     cfg.URL,
		client:  client,
		breaker: newBreaker(bcfg),
		tracer:  telemetry.Tracer("courier/webhook"),
	}, nil
}

type payload struct {
	ID       string          `json:"id"`
	Task     string          `json:"task"`
	Args     json.RawMessage `json:"args,omitempty"`
	Hostname string          `json:"hostname,omitempty"`
}

// Handle delivers t. It satisfies executor.Handler. While the endpoint's
// breaker is open, Handle fails with ErrCircuitOpen without sending.
func (h *Handler) Handle(ctx context.Context, t *courier.Task) error {
	ctx, span := h.tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("courier.task.id", t.ID),
			attribute.String("courier.task.name", t.Name),
			attribute.String("url.full", h.url),
		),
	)
	defer span.End()

	var err error
	if h.breaker.allow() {
		err = h.deliver(ctx, t)
		h.breaker.record(err)
	} else {
		err = fmt.Errorf("%w: %s", ErrCircuitOpen, h.url)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (h *Handler) deliver(ctx context.Context, t *courier.Task) error {
	body, err := json.Marshal(payload{ID: t.ID, Task: t.Name, Args: t.Args, Hostname: t.Hostname})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Id", t.ID)
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{URL: h.url, StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if msg := bodyError(respBody); msg != "" {
		return &Error{URL: h.url, StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}

// bodyError extracts an error reported by a 2xx response, accepting either
// {"error": "msg"} or {"error": {"message": "msg"}}.
func bodyError(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	e := gjson.GetBytes(body, "error")
	switch {
	case !e.Exists() || e.Type == gjson.Null || e.Type == gjson.False:
		return ""
	case e.IsObject():
		if m := e.Get("message"); m.Exists() {
			return m.String()
		}
		return e.Raw
	default:
		return e.String()
	}
}

func errorMessage(body []byte) string {
	if msg := bodyError(body); msg != "" {
		return msg
	}
	return string(body)
}
