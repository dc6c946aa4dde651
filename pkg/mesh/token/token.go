// Package token issues short-lived delegation tokens for upstream calls.
//
// When the gateway invokes an upstream connection on behalf of a user it
// forwards a signed token describing who is calling, which connection the call
// flows through, and which scoped permissions the connection's configuration
// grants. Upstreams validate the signature with the shared signing key.
package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/mesh"
)

// DefaultTTL bounds delegation token lifetime. Tokens are minted per
// connection attachment, so a short lifetime is enough.
const DefaultTTL = 5 * time.Minute

// Issuer mints delegation tokens.
type Issuer interface {
	// Issue returns a signed token for identity calling through conn.
	Issue(ctx context.Context, identity *auth.Identity, conn *mesh.Connection, meshURL string) (string, error)
}

// HMACIssuer signs delegation tokens with HS256.
type HMACIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewHMACIssuer returns an issuer signing with the given key. A zero ttl
// falls back to DefaultTTL.
func NewHMACIssuer(key []byte, ttl time.Duration) *HMACIssuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HMACIssuer{key: key, ttl: ttl, now: time.Now}
}

// Issue implements Issuer.
func (i *HMACIssuer) Issue(_ context.Context, identity *auth.Identity, conn *mesh.Connection, meshURL string) (string, error) {
	if identity == nil {
		return "", mesh.ErrUnauthorized
	}

	now := i.now()
	claims := jwt.MapClaims{
		"sub": identity.Subject,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
		"user": map[string]any{
			"id": identity.Subject,
		},
		"metadata": map[string]any{
			"state":          conn.ConfigurationState,
			"meshUrl":        meshURL,
			"connectionId":   conn.ID,
			"organizationId": conn.TenantID,
		},
		"permissions": DerivePermissions(conn.ConfigurationState, conn.ConfigurationScopes),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("signing delegation token: %w", err)
	}
	return signed, nil
}

// DerivePermissions maps configuration state values to the scopes granted on
// them.
//
// Scopes are declared as "KEY::SCOPE" pairs. For every key whose configured
// state value is a string, that value is granted all scopes declared for the
// key. Declarations without the separator or for keys whose state value is
// not a string are ignored.
func DerivePermissions(state map[string]any, scopes []string) map[string][]string {
	perms := make(map[string][]string)
	for _, declared := range scopes {
		key, scope, ok := strings.Cut(declared, mesh.ScopeSeparator)
		if !ok {
			continue
		}
		value, ok := state[key].(string)
		if !ok {
			continue
		}
		perms[value] = append(perms[value], scope)
	}
	return perms
}
