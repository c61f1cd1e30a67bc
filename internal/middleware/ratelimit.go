package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/database"
	"github.com/aiserve/gpuorchestrator/internal/metrics"
)

// RateLimiter enforces a per-user fixed window in Redis, shared across
// orchestrator replicas.
type RateLimiter struct {
	redis *database.RedisClient
}

func NewRateLimiter(redis *database.RedisClient) *RateLimiter {
	return &RateLimiter{redis: redis}
}

func (rl *RateLimiter) Limit(requestsPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := GetUserID(r.Context())
			if userID == uuid.Nil {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%d", userID.String(), time.Now().Unix()/60)
			ctx := r.Context()

			count, err := rl.redis.Increment(ctx, key)
			if err != nil {
				// Redis being down should not take the API with it
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				rl.redis.Expire(ctx, key, 60*time.Second)
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix()+60, 10))

			if count > int64(requestsPerMinute) {
				metrics.GetMetrics().RecordRateLimitBlock()
				w.Header().Set("X-RateLimit-Remaining", "0")
				respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(requestsPerMinute)-count, 10))
			next.ServeHTTP(w, r)
		})
	}
}
