package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/internal/ratelimit"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// AdminCallerPrefix namespaces admin clients in the rate limiter's key space
const AdminCallerPrefix = "admin:"

// AdmissionMiddleware admits each request through limiter, keyed by client address
func AdmissionMiddleware(limiter ratelimit.Limiter, policy ratelimit.Policy, log *logger.Logger) func(http.Handler) http.Handler {
	log = log.RateLimiterLogger()
	limit := strconv.Itoa(policy.MaxRequests)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := AdminCallerPrefix + ClientIP(r)

			admitted, err := limiter.Admit(caller, policy.MaxRequests, policy.Window)
			if err != nil {
				log.WithError(err).Error("Admission check failed")
				writeError(w, r, err, http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.RemainingQuota(caller)))

			if !admitted {
				log.WithFields(map[string]interface{}{
					"caller": caller,
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(policy.Window.Round(time.Second).Seconds())))
				writeError(w, r, tgerrors.NewRateLimitError(caller, policy.MaxRequests), http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP address from the request
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, r *http.Request, err error, fallbackStatus int) {
	status := fallbackStatus
	if tgerrors.IsTrafficError(err) {
		status = tgerrors.GetHTTPStatusCode(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      err.Error(),
		"code":       tgerrors.GetErrorCode(err),
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"request_id": RequestID(r.Context()),
	})
}
