package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/logger"
)

// authenticate resolves the caller identity from a bearer JWT or an API key
// and stores it on the request context. Anonymous requests pass through; the
// authorization layer rejects them when a tool check runs.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity := s.identify(r); identity != nil {
			r = r.WithContext(auth.WithIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) identify(r *http.Request) *auth.Identity {
	if header := r.Header.Get("Authorization"); len(s.cfg.AuthSecret) > 0 && strings.HasPrefix(header, "Bearer ") {
		raw := strings.TrimPrefix(header, "Bearer ")
		identity, err := parseBearer(raw, s.cfg.AuthSecret)
		if err != nil {
			logger.Debugf("[gateway] rejecting bearer token: %v", err)
		} else {
			return identity
		}
	}

	if key := r.Header.Get(headerAPIKey); key != "" && s.deps.APIKeys != nil {
		identity, err := s.deps.APIKeys.ResolveAPIKey(r.Context(), key)
		if err != nil {
			logger.Debugf("[gateway] rejecting API key: %v", err)
			return nil
		}
		identity.Kind = auth.KindAPIKey
		return identity
	}

	return nil
}

// parseBearer validates an HS256 session JWT and maps its claims onto an
// identity.
func parseBearer(raw string, secret []byte) (*auth.Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token has no subject")
	}

	identity := &auth.Identity{
		Subject: sub,
		Kind:    auth.KindUserSession,
		Claims:  claims,
		Token:   raw,
	}
	if role, ok := claims["role"].(string); ok {
		identity.Role = role
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}
