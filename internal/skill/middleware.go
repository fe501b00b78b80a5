package skill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"audioskill/internal/certstore"
	"audioskill/internal/platform/logger"
	"audioskill/internal/platform/metrics"
	"audioskill/internal/ratelimit"
	"audioskill/internal/sigverify"
)

// MaxRequestBody is the ceiling on inbound authenticated request bodies.
// Larger bodies are rejected with 413 before any parsing.
const MaxRequestBody = 10 << 10

type contextKey string

const rawBodyKey contextKey = "rawBody"

// rawBodyFromContext returns the exact wire bytes captured by CaptureBody.
func rawBodyFromContext(ctx context.Context) []byte {
	b, _ := ctx.Value(rawBodyKey).([]byte)
	return b
}

// CaptureBody reads the request body once, enforcing the size ceiling, and
// stores the exact raw bytes in the request context. Signature verification
// must run over these bytes, not a re-serialized form, so they are captured
// a single time and shared by the verifier and the handler.
func CaptureBody(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					log.Info("request body over ceiling",
						slog.String("client", logger.ClientHash(logger.ClientKey(r))))
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					return
				}
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			ctx := context.WithValue(r.Context(), rawBodyKey, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit returns middleware admitting at most limit requests per window
// per client for the given endpoint class. Denials respond 429 with a
// Retry-After hint. The limiter is best-effort and process-local; it fails
// open rather than blocking traffic.
func RateLimit(l *ratelimit.Limiter, class string, limit int, window time.Duration, log *slog.Logger, m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := logger.ClientKey(r)
			if !l.Allow(client, class, limit, window) {
				retryAfter := int(l.RetryAfter(window).Seconds()) + 1
				log.Warn("rate limited",
					slog.String("class", class),
					slog.String("client", logger.ClientHash(client)))
				if m != nil {
					m.IncRateLimited()
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// VerifySignature returns middleware that authenticates the request with the
// given verifier against the raw body captured by CaptureBody. Failures are
// terminal for the request and map to a specific status; nothing is retried
// server-side. The outcome log carries the failure kind and a hashed client
// identifier, never key material, signatures, or bodies.
func VerifySignature(v *sigverify.Verifier, log *slog.Logger, m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := rawBodyFromContext(r.Context())
			err := v.Verify(r.Header, body)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			status := http.StatusBadRequest
			switch {
			case errors.Is(err, sigverify.ErrMissingHeaders),
				errors.Is(err, certstore.ErrInvalidCertURL),
				errors.Is(err, certstore.ErrCertFetch),
				errors.Is(err, sigverify.ErrCertParse):
				status = http.StatusBadRequest
			case errors.Is(err, sigverify.ErrSignatureInvalid),
				errors.Is(err, sigverify.ErrTimestampExpired):
				status = http.StatusUnauthorized
			case errors.Is(err, sigverify.ErrAppIDMismatch):
				status = http.StatusForbidden
			}

			log.Info("request rejected",
				slog.String("reason", err.Error()),
				slog.Int("status", status),
				slog.String("client", logger.ClientHash(logger.ClientKey(r))))
			if m != nil {
				m.IncAuthFailures()
			}
			w.WriteHeader(status)
		})
	}
}
