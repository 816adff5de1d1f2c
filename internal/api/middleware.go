/**
 * @description
 * Authentication and request logging middleware for the enrollment API.
 * Operator tokens are HS256 JWTs issued by the admin backend and must carry
 * an operator or admin role.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 * - github.com/sirupsen/logrus: access logs.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

// OperatorContextKey holds the authenticated operator's subject.
const OperatorContextKey = contextKey("operator")

var operatorRoles = map[string]bool{"operator": true, "admin": true}

// OperatorAuthMiddleware validates operator JWTs and injects the subject into context.
func OperatorAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				writeError(w, http.StatusServiceUnavailable, "operator authentication is not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			role, _ := claims["role"].(string)
			if !operatorRoles[strings.ToLower(role)] {
				writeError(w, http.StatusForbidden, "operator role required")
				return
			}
			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				writeError(w, http.StatusUnauthorized, "Subject not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the operator subject set by OperatorAuthMiddleware.
func OperatorFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(OperatorContextKey).(string)
	return subject, ok
}

// RequestLogger writes one structured line per request.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	logger = logger.WithField("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request completed")
				return
			}
			entry.Info("request completed")
		})
	}
}
