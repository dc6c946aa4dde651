// Package auth provides caller identity types and context propagation.
package auth

import (
	"encoding/json"
	"fmt"
)

// IdentityKind describes how the caller authenticated.
type IdentityKind string

const (
	// KindUserSession is an interactive user session carrying a tenant role.
	KindUserSession IdentityKind = "user_session"

	// KindAPIKey is a machine credential resolved to a user ID.
	KindAPIKey IdentityKind = "api_key"
)

// Roles that bypass per-tool permission checks.
const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the unique identifier for the principal (user id).
	Subject string

	// Kind records the credential type used to authenticate.
	Kind IdentityKind

	// Role is the caller's role within the tenant (user sessions only).
	Role string

	// Name is the human-readable name, if known.
	Name string

	// Email is the email address, if known.
	Email string

	// Claims contains additional claims from the auth token.
	Claims map[string]any

	// Token is the original authentication token (for pass-through scenarios).
	// This is redacted in String() and MarshalJSON() to prevent leakage.
	Token string

	// Metadata stores additional identity information.
	Metadata map[string]string
}

// HasElevatedRole reports whether the identity carries a role that bypasses
// per-tool permission checks.
func (i *Identity) HasElevatedRole() bool {
	if i == nil {
		return false
	}
	return i.Role == RoleAdmin || i.Role == RoleOwner
}

// String returns a representation of the Identity with sensitive fields redacted.
// This prevents accidental token leakage when the Identity is logged or printed.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, Kind:%q}", i.Subject, i.Kind)
}

// MarshalJSON implements json.Marshaler to redact sensitive fields during
// JSON serialization, preventing token leakage in structured logs.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type safeIdentity struct {
		Subject  string            `json:"subject"`
		Kind     IdentityKind      `json:"kind"`
		Role     string            `json:"role,omitempty"`
		Name     string            `json:"name,omitempty"`
		Email    string            `json:"email,omitempty"`
		Claims   map[string]any    `json:"claims,omitempty"`
		Token    string            `json:"token,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safeIdentity{
		Subject:  i.Subject,
		Kind:     i.Kind,
		Role:     i.Role,
		Name:     i.Name,
		Email:    i.Email,
		Claims:   i.Claims,
		Token:    token,
		Metadata: i.Metadata,
	})
}
