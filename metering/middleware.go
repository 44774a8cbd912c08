// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey int

const (
	accountKey contextKey = iota
	requestIDKey
)

const (
	requestIDHeader = "X-Request-ID"
	jwtCookie       = "JWT"
)

func accountFrom(ctx context.Context) string {
	id, _ := ctx.Value(accountKey).(string)
	return id
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID propagates X-Request-ID, minting one when the caller did not.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// authenticate resolves the account from an HS256 token and makes sure the
// account exists in the ledger.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := s.verifyToken(bearerToken(r))
		if err != nil {
			s.log.Warn("", requestIDFrom(r.Context()), "authentication failed", map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			writeError(w, http.StatusUnauthorized, errUnauthorized, "authentication credentials were not provided or are invalid")
			return
		}

		if _, ok := s.provisioned.Load(accountID); !ok {
			if err := s.deps.Accounts.OpenAccount(r.Context(), accountID); err != nil {
				s.log.ErrorWithCode(accountID, requestIDFrom(r.Context()), "failed to provision account", "ACCOUNT_PROVISION_FAILED", err, nil)
				writeError(w, http.StatusInternalServerError, errInternal, "failed to load account")
				return
			}
			s.provisioned.Store(accountID, struct{}{})
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, accountID)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(jwtCookie); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) verifyToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("missing token")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.deps.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	for _, key := range []string{"username", "sub"} {
		if v := getClaimString(claims, key); v != "" {
			return v, nil
		}
	}
	return "", errors.New("token has no subject")
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
