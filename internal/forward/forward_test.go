package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExtractor struct {
	upstream string
	err      error
}

func (f *fakeExtractor) ExtractUpstreamToken(string) (string, error) {
	return f.upstream, f.err
}

func doWithTransport(t *testing.T, tr *Transport, ctx context.Context) string {
	t.Helper()
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	return sawAuth
}

func TestPassthroughForwardsInboundToken(t *testing.T) {
	tr := NewTransport(nil, ModePassthrough, nil, testLogger())
	ctx := WithInboundToken(context.Background(), "broker-token")
	assert.Equal(t, "Bearer broker-token", doWithTransport(t, tr, ctx))
}

func TestUpstreamModeForwardsExtractedToken(t *testing.T) {
	tr := NewTransport(nil, ModeUpstream, &fakeExtractor{upstream: "upstream-token"}, testLogger())
	ctx := WithInboundToken(context.Background(), "broker-token")
	assert.Equal(t, "Bearer upstream-token", doWithTransport(t, tr, ctx))
}

func TestAbsentCredentialSendsNoHeader(t *testing.T) {
	tr := NewTransport(nil, ModePassthrough, nil, testLogger())
	assert.Empty(t, doWithTransport(t, tr, context.Background()))
}

func TestExtractionFailureSendsNoHeader(t *testing.T) {
	tr := NewTransport(nil, ModeUpstream, &fakeExtractor{err: errors.New("no upstream token")}, testLogger())
	ctx := WithInboundToken(context.Background(), "broker-token")
	assert.Empty(t, doWithTransport(t, tr, ctx))
}

func TestUpstreamModeWithoutExtractorSendsNoHeader(t *testing.T) {
	tr := NewTransport(nil, ModeUpstream, nil, testLogger())
	ctx := WithInboundToken(context.Background(), "broker-token")
	assert.Empty(t, doWithTransport(t, tr, ctx))
}

func TestRoundTripDoesNotMutateCallerRequest(t *testing.T) {
	tr := NewTransport(nil, ModePassthrough, nil, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx := WithInboundToken(context.Background(), "broker-token")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestInboundTokenHelpers(t *testing.T) {
	assert.Empty(t, InboundToken(context.Background()))
	ctx := WithInboundToken(context.Background(), "abc")
	assert.Equal(t, "abc", InboundToken(ctx))
}
