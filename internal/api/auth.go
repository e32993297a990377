package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clinicflow/appointment-scheduling/internal/appointment"
)

const actorKey contextKey = "actor"

// Claims is the bearer token payload. The subject is the user id.
type Claims struct {
	Role      string `json:"role"`
	Superuser bool   `json:"superuser,omitempty"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing bearer token")

// IssueToken signs an HS256 token for actor, valid for ttl.
func IssueToken(secret []byte, actor appointment.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:      string(actor.Role),
		Superuser: actor.Superuser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies raw and returns the actor it names.
func ParseToken(secret []byte, raw string) (appointment.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return appointment.Actor{}, fmt.Errorf("parse token: %w", err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return appointment.Actor{}, fmt.Errorf("token subject: %w", err)
	}

	return appointment.Actor{
		ID:        id,
		Role:      appointment.Role(claims.Role),
		Superuser: claims.Superuser,
	}, nil
}

// AuthMiddleware resolves the request's actor from the Authorization header.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "", err.Error())
				return
			}

			actor, err := ParseToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "", "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}

// ActorFromContext returns the actor set by AuthMiddleware.
func ActorFromContext(ctx context.Context) (appointment.Actor, bool) {
	a, ok := ctx.Value(actorKey).(appointment.Actor)
	return a, ok
}
