package mesh

import (
	"errors"
	"fmt"
	"net/http"
)

// Common domain errors used across mesh subpackages.
// These should be checked with errors.Is().
var (
	// ErrConnectionNotFound indicates the connection does not exist.
	// Cross-tenant access is also surfaced as this error so that existence
	// is not leaked across tenants.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionInactive indicates the connection exists but is disabled.
	ErrConnectionInactive = errors.New("connection is not active")

	// ErrVirtualMCPNotFound indicates the virtual MCP does not exist.
	ErrVirtualMCPNotFound = errors.New("virtual MCP not found")

	// ErrVirtualMCPInactive indicates the virtual MCP exists but is disabled.
	ErrVirtualMCPInactive = errors.New("virtual MCP is not active")

	// ErrTenantNotFound indicates no tenant matched the supplied slug.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrToolNotFound indicates the requested tool is not in the aggregated view.
	ErrToolNotFound = errors.New("tool not found")

	// ErrResourceNotFound indicates the requested resource URI has no route.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrPromptNotFound indicates the requested prompt has no route.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrUnauthorized indicates no caller identity was presented.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an identity is present but lacks permission.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamAuth indicates the upstream rejected the gateway's credentials.
	ErrUpstreamAuth = errors.New("upstream authentication failed")

	// ErrTransport indicates an I/O or decode failure talking to an upstream.
	ErrTransport = errors.New("upstream transport error")

	// ErrAborted indicates the client cancelled the request.
	ErrAborted = errors.New("request aborted")
)

// UpstreamError reports a non-OK response from an upstream MCP server.
type UpstreamError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Message)
}

// Unwrap lets errors.Is(err, ErrUpstreamAuth) match auth-shaped statuses.
func (e *UpstreamError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUpstreamAuth
	}
	return nil
}

// NewUpstreamError builds an UpstreamError from a status and message.
func NewUpstreamError(status int, message string) *UpstreamError {
	return &UpstreamError{Status: status, Message: message}
}
