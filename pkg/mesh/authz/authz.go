// Package authz implements grant-based authorization for tool calls.
//
// An AccessControl instance is built per tool call and discarded afterwards.
// It starts ungranted; the first passing check grants it, and further checks
// become no-ops for the lifetime of the instance.
package authz

import (
	"context"
	"fmt"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/mesh"
)

// DeniedError is a forbidden outcome whose message is suitable for showing
// to the caller verbatim. It matches mesh.ErrForbidden under errors.Is.
type DeniedError struct {
	Reason string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return e.Reason
}

// Unwrap marks the error as forbidden.
func (*DeniedError) Unwrap() error {
	return mesh.ErrForbidden
}

// AccessControl authorizes access to resources on one connection.
//
// Not safe for concurrent use; each tool call gets its own instance.
type AccessControl struct {
	identity     *auth.Identity
	evaluator    mesh.PermissionEvaluator
	connectionID string
	toolName     string
	granted      bool
}

// New builds an AccessControl for the given caller and connection. Either
// identity or evaluator may be nil; Check then fails accordingly.
func New(identity *auth.Identity, evaluator mesh.PermissionEvaluator, connectionID string) *AccessControl {
	return &AccessControl{
		identity:     identity,
		evaluator:    evaluator,
		connectionID: connectionID,
	}
}

// Grant unconditionally marks the instance as granted.
func (a *AccessControl) Grant() {
	a.granted = true
}

// Granted reports whether a previous check passed or Grant was called.
func (a *AccessControl) Granted() bool {
	return a.granted
}

// SetTool records a default resource used when Check is called with no
// arguments.
func (a *AccessControl) SetTool(name string) {
	a.toolName = name
}

// Check authorizes access to the given resources with OR semantics: the check
// passes if any one resource is permitted. With no resources it falls back to
// the tool name set via SetTool.
//
// Admin and owner roles pass without consulting the evaluator. A missing
// identity yields mesh.ErrUnauthorized; a present identity without permission
// yields mesh.ErrForbidden.
func (a *AccessControl) Check(ctx context.Context, resources ...string) error {
	if a.granted {
		return nil
	}
	if a.identity == nil && a.evaluator == nil {
		return mesh.ErrUnauthorized
	}
	if a.identity != nil && a.identity.HasElevatedRole() {
		a.granted = true
		return nil
	}

	if len(resources) == 0 {
		if a.toolName == "" {
			return &DeniedError{Reason: "No resources specified"}
		}
		resources = []string{a.toolName}
	}

	if a.evaluator == nil {
		return a.deny(resources)
	}
	results, err := a.evaluator.HasPermission(ctx, map[string][]string{a.connectionID: resources})
	if err != nil {
		return fmt.Errorf("evaluating permissions: %w", err)
	}
	for _, resource := range resources {
		if results[a.connectionID+mesh.ScopeSeparator+resource] {
			a.granted = true
			return nil
		}
	}
	return a.deny(resources)
}

func (a *AccessControl) deny(resources []string) error {
	if a.identity == nil {
		return mesh.ErrUnauthorized
	}
	return &DeniedError{Reason: fmt.Sprintf("Access denied to: %s", resources[0])}
}
