package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type contextKey struct{ name string }

var accountIDKey = &contextKey{"accountID"}

var blacklist *redis.Client

// InitAuthMiddleware wires the optional Redis client used to check the
// token blacklist. A nil client disables blacklist checks.
func InitAuthMiddleware(rdb *redis.Client) {
	blacklist = rdb
}

// AccountID returns the authenticated account id stored in the request
// context by AuthMiddleware.
func AccountID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(accountIDKey).(int64)
	return id, ok
}

// WithAccountID returns a context carrying the authenticated account id.
func WithAccountID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// AuthMiddleware validates the Bearer token and puts the account id into
// the request context.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := parts[1]

		if blacklist != nil {
			key := fmt.Sprintf("blacklist:%s", token)
			if exists, err := blacklist.Exists(r.Context(), key).Result(); err == nil && exists > 0 {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
		}

		accountID, err := validateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
	})
}

func validateToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return 0, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("invalid claims")
	}

	// Numeric JSON claims decode as float64.
	accountID, ok := claims["account_id"].(float64)
	if !ok {
		return 0, errors.New("missing account_id claim")
	}
	return int64(accountID), nil
}
