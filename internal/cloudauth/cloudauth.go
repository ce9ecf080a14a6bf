// Package cloudauth provides http.RoundTripper decorators that authenticate
// webhook deliveries: static header keys, GCP OAuth access tokens, and AWS
// SigV4 signatures for endpoints hosted behind cloud IAM.
package cloudauth

import (
	"context"
	"fmt"
	"net/http"
)

// Auth types accepted by Config.Type.
const (
	TypeHeader   = "header"
	TypeGCPOAuth = "gcp_oauth"
	TypeAWSSigV4 = "aws_sigv4"
)

// Config selects and parameterizes an authentication scheme.
type Config struct {
	Type string

	// header
	Key    string
	Header string // defaults to Authorization
	Prefix string // defaults to "Bearer " when Header is Authorization

	// gcp_oauth
	Scopes []string

	// aws_sigv4
	Region  string
	Service string
}

// Wrap decorates base according to cfg. Credentials for gcp_oauth and
// aws_sigv4 are discovered from the environment once, at wrap time.
func Wrap(ctx context.Context, base http.RoundTripper, cfg Config) (http.RoundTripper, error) {
	switch cfg.Type {
	case TypeHeader:
		if cfg.Key == "" {
			return nil, fmt.Errorf("cloudauth: header auth requires a key")
		}
		header, prefix := cfg.Header, cfg.Prefix
		if header == "" {
			header = "Authorization"
			if prefix == "" {
				prefix = "Bearer "
			}
		}
		return &APIKeyTransport{Key: cfg.Key, HeaderName: header, Prefix: prefix, Base: base}, nil
	case TypeGCPOAuth:
		scopes := cfg.Scopes
		if len(scopes) == 0 {
			scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}
		}
		return NewGCPOAuthTransport(ctx, base, scopes...)
	case TypeAWSSigV4:
		if cfg.Region == "" || cfg.Service == "" {
			return nil, fmt.Errorf("cloudauth: aws_sigv4 requires region and service")
		}
		return NewAWSSigV4TransportFromEnv(ctx, base, cfg.Region, cfg.Service)
	default:
		return nil, fmt.Errorf("cloudauth: unknown auth type %q", cfg.Type)
	}
}

// APIKeyTransport is an http.RoundTripper that injects a static key header on
// every outbound request. Prefix is prepended to Key (e.g. "Bearer ").
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return baseOrDefault(t.Base).RoundTrip(r2)
}

func baseOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}
