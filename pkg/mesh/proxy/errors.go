package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/meshgate/meshgate/pkg/mesh"
)

var authErrorPatterns = []string{
	"401",
	"403",
	"unauthorized",
	"unauthenticated",
	"forbidden",
	"authentication failed",
	"access denied",
}

// isAuthShaped reports whether an error from the MCP SDK or the HTTP stack
// looks like an upstream credential rejection. The SDK surfaces HTTP statuses
// as formatted strings, so pattern matching is the only handle we have.
func isAuthShaped(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range authErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// wrapUpstreamError classifies an upstream failure into the domain error
// taxonomy so callers can branch with errors.Is.
func wrapUpstreamError(err error, connectionID, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s on connection %s: %v", mesh.ErrAborted, operation, connectionID, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s on connection %s timed out: %v", mesh.ErrTransport, operation, connectionID, err)
	}
	if isAuthShaped(err) {
		return fmt.Errorf("%w: %s on connection %s: %v", mesh.ErrUpstreamAuth, operation, connectionID, err)
	}
	return fmt.Errorf("%w: %s on connection %s: %v", mesh.ErrTransport, operation, connectionID, err)
}
