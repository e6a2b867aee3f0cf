// Package forward attaches broker credentials to outbound requests made on
// behalf of an authenticated caller.
package forward

import (
	"context"
	"log/slog"
	"net/http"
)

// Mode selects which credential is placed on outbound requests.
type Mode string

const (
	// ModePassthrough forwards the inbound broker token unchanged.
	ModePassthrough Mode = "passthrough"
	// ModeUpstream extracts and forwards the embedded upstream provider
	// token instead.
	ModeUpstream Mode = "upstream"
)

type contextKey struct{}

// WithInboundToken stores the caller's bearer token on the context so the
// Transport can pick it up when the outbound request is made.
func WithInboundToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKey{}, token)
}

// InboundToken returns the bearer token stored by WithInboundToken, or "".
func InboundToken(ctx context.Context) string {
	token, _ := ctx.Value(contextKey{}).(string)
	return token
}

// TokenExtractor recovers the embedded upstream credential from a broker
// access token.
type TokenExtractor interface {
	ExtractUpstreamToken(accessToken string) (string, error)
}

// Transport is an http.RoundTripper that injects an Authorization header on
// outbound requests. An absent inbound credential is not an error: the
// request simply goes out unauthenticated and the receiving service decides
// what that means.
type Transport struct {
	Base      http.RoundTripper
	Mode      Mode
	Extractor TokenExtractor
	Logger    *slog.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil) in the given mode.
// extractor is only consulted in ModeUpstream.
func NewTransport(base http.RoundTripper, mode Mode, extractor TokenExtractor, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{Base: base, Mode: mode, Extractor: extractor, Logger: logger}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	credential := t.outboundCredential(req.Context())
	if credential == "" {
		return base.RoundTrip(req)
	}

	// RoundTrippers must not mutate the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+credential)
	return base.RoundTrip(out)
}

func (t *Transport) outboundCredential(ctx context.Context) string {
	inbound := InboundToken(ctx)
	if inbound == "" {
		return ""
	}
	if t.Mode != ModeUpstream {
		return inbound
	}
	if t.Extractor == nil {
		t.Logger.Warn("upstream forwarding requested without an extractor")
		return ""
	}
	upstream, err := t.Extractor.ExtractUpstreamToken(inbound)
	if err != nil || upstream == "" {
		t.Logger.Warn("no upstream token available for forwarding", "error", err)
		return ""
	}
	return upstream
}
