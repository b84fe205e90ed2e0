package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type authInfoKey struct{}

// AuthInfo is the authenticated caller attached to the request context.
type AuthInfo struct {
	ClientID string
	Scopes   map[string]struct{}
}

func (ai *AuthInfo) HasScope(scope string) bool {
	_, ok := ai.Scopes[scope]
	return ok
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	ai, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return ai, ok
}

// ErrorFunc writes an auth failure. Injected so the API can reply in its
// uniform error envelope.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, status int, code string)

type JWTValidator struct {
	KeySet *KeySet
	Issuer string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet == nil || v.KeySet.PublicKey() == nil {
		return nil, errors.New("missing keyset")
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.KeySet.PublicKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && claims.Issuer != v.Issuer {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

// Authenticate validates the bearer token and stores the caller in the
// request context.
func Authenticate(v *JWTValidator, onError ErrorFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := v.Validate(strings.TrimSpace(authz[len("Bearer "):]))
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			scopes := map[string]struct{}{}
			for _, s := range claims.Scopes {
				scopes[s] = struct{}{}
			}

			ai := &AuthInfo{ClientID: claims.ClientID, Scopes: scopes}
			ctx := context.WithValue(r.Context(), authInfoKey{}, ai)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScopes rejects callers missing any of the required scopes.
func RequireScopes(onError ErrorFunc, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			for _, s := range required {
				if !ai.HasScope(s) {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
