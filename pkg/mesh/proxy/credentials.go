package proxy

import (
	"context"
	"net/http"
	"sync"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/token"
)

// CredentialBinder builds the outgoing header set for one proxy instance.
//
// The headers include the delegation token, which is issued at most once per
// proxy regardless of how many concurrent calls race on the first request.
// Failed issuance downgrades to calling without a token; upstreams that
// require one reject the call themselves.
type CredentialBinder struct {
	conn   *mesh.Connection
	reqctx *mesh.RequestContext
	issuer token.Issuer

	once    sync.Once
	headers http.Header
}

// NewCredentialBinder returns a binder for one proxy. issuer may be nil when
// delegation tokens are disabled.
func NewCredentialBinder(conn *mesh.Connection, reqctx *mesh.RequestContext, issuer token.Issuer) *CredentialBinder {
	return &CredentialBinder{conn: conn, reqctx: reqctx, issuer: issuer}
}

// Ensure returns the headers for upstream requests, building them on first
// use. Concurrent callers share one issuance.
func (b *CredentialBinder) Ensure(ctx context.Context) http.Header {
	b.once.Do(func() {
		h := make(http.Header)
		if b.conn.Token != "" {
			h.Set("Authorization", "Bearer "+b.conn.Token)
		}
		if b.reqctx.CallerConnectionID != "" {
			h.Set("x-caller-id", b.reqctx.CallerConnectionID)
		}
		if b.issuer != nil && b.reqctx.Identity != nil {
			signed, err := b.issuer.Issue(ctx, b.reqctx.Identity, b.conn, b.reqctx.BaseURL)
			if err != nil {
				logger.Warnf("[proxy] delegation token issuance failed for connection %s: %v", b.conn.ID, err)
			} else {
				h.Set("x-mesh-token", signed)
			}
		}
		// Connection-declared headers merge last and win.
		for k, v := range b.conn.Headers {
			h.Set(k, v)
		}
		b.headers = h
	})
	return b.headers
}

// headerRoundTripper injects the binder's headers into every upstream
// request. Already-set request headers are left alone.
type headerRoundTripper struct {
	base   http.RoundTripper
	binder *CredentialBinder
}

// RoundTrip implements http.RoundTripper.
func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	headers := t.binder.Ensure(req.Context())
	clone := req.Clone(req.Context())
	for k, vs := range headers {
		if clone.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			clone.Header.Add(k, v)
		}
	}
	return t.base.RoundTrip(clone)
}
