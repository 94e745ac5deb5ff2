package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/database"
	apierrors "github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/errors"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/pkg/response"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
	}
}

// RateLimit returns a rate limiting middleware using Redis.
func RateLimit(redis *database.Redis, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getRealIP(r)
			key := fmt.Sprintf("ratelimit:%s", clientID)

			ctx := r.Context()
			windowDuration := time.Minute

			// Increment counter and get current value
			count, err := redis.IncrWithExpire(ctx, key, windowDuration)
			if err != nil {
				// On Redis error, allow the request
				next.ServeHTTP(w, r)
				return
			}

			limit := cfg.RequestsPerMinute
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(windowDuration).Unix(), 10))

			if int(count) > limit+cfg.BurstSize {
				w.Header().Set("Retry-After", strconv.Itoa(60))
				response.Error(w, apierrors.ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getRealIP extracts the real client IP, considering proxies.
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	return r.RemoteAddr
}
