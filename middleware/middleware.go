package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/rs/cors"

	"pricewatch/logger"
)

// Paths that skip authentication, rate limiting and access logging.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RateLimitMiddleware limits each client to rps requests per second. Clients
// are keyed by API key when one is sent, otherwise by remote IP.
func RateLimitMiddleware(rps float64) func(http.Handler) http.Handler {
	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rps <= 0 || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key := extractAPIKey(r)
			if key == "" {
				key = clientIP(r)
			}
			if httpErr := tollbooth.LimitByKeys(lmt, []string{key}); httpErr != nil {
				w.Header().Set("Retry-After", "1")
				writeError(w, httpErr.StatusCode, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware rejects requests without one of keys. An empty key list
// disables the check.
func APIKeyMiddleware(keys []string) func(http.Handler) http.Handler {
	valid := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			valid = append(valid, []byte(k))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(valid) == 0 || publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "API key required")
				return
			}
			if !isValidAPIKey(valid, apiKey) {
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isValidAPIKey(valid [][]byte, apiKey string) bool {
	candidate := []byte(apiKey)
	ok := 0
	for _, k := range valid {
		ok |= subtle.ConstantTimeCompare(k, candidate)
	}
	return ok == 1
}

// extractAPIKey extracts the API key from the request
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		if strings.HasPrefix(auth, "ApiKey ") {
			return strings.TrimPrefix(auth, "ApiKey ")
		}
	}
	return r.Header.Get("X-API-Key")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LoggingMiddleware logs every API request with its status and duration.
func LoggingMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			if publicPaths[r.URL.Path] {
				return
			}
			fields := []logger.Field{
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", wrapped.statusCode),
				logger.Duration("duration", time.Since(start)),
				logger.String("client", clientIP(r)),
			}
			if wrapped.statusCode >= http.StatusInternalServerError {
				log.Error("API request failed", fields...)
				return
			}
			log.Info("API request", fields...)
		})
	}
}

// CORS wraps h with the allowed origins.
func CORS(allowedOrigins []string, h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
	}).Handler(h)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
