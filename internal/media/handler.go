package media

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"audioskill/internal/platform/logger"
	"audioskill/internal/platform/metrics"
	"audioskill/internal/streamtoken"
)

// TokenVerifier validates stream tokens. *streamtoken.Service satisfies this.
type TokenVerifier interface {
	Verify(token, expectedIssuer string) (*streamtoken.Payload, bool)
}

// Handler serves media bytes from an upstream blob store to devices holding
// a valid stream token. The token is the only credential; there is no shared
// session between the skill endpoint and this one.
type Handler struct {
	tokens       TokenVerifier
	issuerID     string
	upstreamBase string
	client       *http.Client
	retries      int
	retryBackoff time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the upstream client; tests inject one serving fixtures.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithRetry sets the upstream retry count and base backoff. Backoff grows
// linearly per attempt.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(h *Handler) {
		h.retries = retries
		h.retryBackoff = backoff
	}
}

// NewHandler returns a media Handler fetching from upstreamBase. Metrics may
// be nil to disable metric recording.
func NewHandler(tokens TokenVerifier, issuerID, upstreamBase string, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		tokens:       tokens,
		issuerID:     issuerID,
		upstreamBase: upstreamBase,
		client:       &http.Client{Timeout: 30 * time.Second},
		retries:      2,
		retryBackoff: 500 * time.Millisecond,
		log:          log,
		metrics:      m,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeMedia handles GET /media/{resource_id}?token=... A missing token is
// 401; an invalid, expired, mistyped, or mismatched one is 403. The token's
// resource binding must match the requested path segment, so a token minted
// for one resource cannot fetch another.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resource_id")
	if resourceID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	payload, ok := h.tokens.Verify(token, h.issuerID)
	if !ok || payload.ResourceID != resourceID {
		h.log.Info("stream token rejected",
			slog.String("resource", resourceID),
			slog.String("client", logger.ClientHash(logger.ClientKey(r))))
		if h.metrics != nil {
			h.metrics.IncTokensRejected()
		}
		w.WriteHeader(http.StatusForbidden)
		return
	}

	resp, err := h.fetch(r, resourceID)
	if err != nil {
		h.log.Error("upstream media unavailable",
			slog.String("resource", resourceID),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, header := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.Debug("media copy interrupted",
			slog.String("resource", resourceID),
			slog.String("error", err.Error()))
	}
}

// fetch retrieves the resource from the upstream store with bounded retries
// and linearly increasing backoff, passing Range requests through. After the
// retries are exhausted the failure is terminal for the request.
func (h *Handler) fetch(r *http.Request, resourceID string) (*http.Response, error) {
	target := h.upstreamBase + "/" + url.PathEscape(resourceID)

	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * h.retryBackoff)
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if rng := r.Header.Get("Range"); rng != "" {
			req.Header.Set("Range", rng)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
