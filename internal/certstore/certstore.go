package certstore

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidCertURL is returned when a certificate URL fails validation
	// before any fetch occurs.
	ErrInvalidCertURL = errors.New("invalid certificate url")

	// ErrCertFetch is returned when the certificate cannot be retrieved from
	// its source after the bounded retries are exhausted.
	ErrCertFetch = errors.New("certificate fetch failed")
)

const (
	pemCertMarker = "-----BEGIN CERTIFICATE-----"

	// maxCertBody bounds how much of a certificate response is read.
	maxCertBody = 1 << 20
)

// Cache is the storage abstraction for fetched certificates.
// Implementations can be in-memory or remote; the Store uses Cache for all
// reads and writes.
type Cache interface {
	Get(url string) (pem []byte, ok bool)
	Set(url string, pem []byte)
}

// MemoryCache is an in-memory TTL cache of certificate bodies.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	pem       []byte
	fetchedAt time.Time
}

// NewMemoryCache returns an empty cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// Get implements Cache.Get. Entries past their TTL are treated as misses.
func (c *MemoryCache) Get(url string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[url]
	if !ok || c.now().Sub(e.fetchedAt) > c.ttl {
		return nil, false
	}
	return e.pem, true
}

// Set implements Cache.Set. Re-setting a URL overwrites with a fresh TTL.
func (c *MemoryCache) Set(url string, pem []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = memoryEntry{pem: pem, fetchedAt: c.now()}
}

// Store fetches signing certificates by URL, validating the URL shape and
// caching bodies so repeated verifications do not refetch.
type Store struct {
	client       *http.Client
	cache        Cache
	allowedHosts []string
	pathPrefix   string
	retries      int
	retryBackoff time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the HTTP client used for fetches. Tests inject a client
// whose transport serves fixtures.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithRetry sets the fetch retry count and base backoff. Backoff grows
// linearly: backoff, 2*backoff, ...
func WithRetry(retries int, backoff time.Duration) Option {
	return func(s *Store) {
		s.retries = retries
		s.retryBackoff = backoff
	}
}

// New returns a Store that accepts certificate URLs whose host matches
// allowedHosts (exact match, or suffix match for entries beginning with ".")
// and whose path starts with pathPrefix.
func New(cache Cache, allowedHosts []string, pathPrefix string, opts ...Option) *Store {
	s := &Store{
		client:       &http.Client{Timeout: 10 * time.Second},
		cache:        cache,
		allowedHosts: allowedHosts,
		pathPrefix:   pathPrefix,
		retries:      2,
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks the certificate URL shape without fetching: HTTPS scheme,
// allow-listed host, path under the required prefix, and port unspecified or
// 443. Any violation returns ErrInvalidCertURL.
func (s *Store) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidCertURL, u.Scheme)
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("%w: port %q", ErrInvalidCertURL, port)
	}
	host := strings.ToLower(u.Hostname())
	if !s.hostAllowed(host) {
		return fmt.Errorf("%w: host %q", ErrInvalidCertURL, host)
	}
	if !strings.HasPrefix(u.Path, s.pathPrefix) {
		return fmt.Errorf("%w: path %q", ErrInvalidCertURL, u.Path)
	}
	return nil
}

func (s *Store) hostAllowed(host string) bool {
	for _, allowed := range s.allowedHosts {
		allowed = strings.ToLower(allowed)
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// Get returns the PEM body for the certificate at rawURL. The URL is
// validated first; a cache hit within TTL returns without any network call.
// On a miss the body is fetched with bounded retries, checked for a PEM
// certificate marker, cached, and returned.
func (s *Store) Get(rawURL string) ([]byte, error) {
	if err := s.Validate(rawURL); err != nil {
		return nil, err
	}

	if pem, ok := s.cache.Get(rawURL); ok {
		return pem, nil
	}

	body, err := s.fetch(rawURL)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(string(body), pemCertMarker) {
		return nil, fmt.Errorf("%w: response is not a PEM certificate", ErrCertFetch)
	}

	s.cache.Set(rawURL, body)
	return body, nil
}

func (s *Store) fetch(rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * s.retryBackoff)
		}

		resp, err := s.client.Get(rawURL)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBody))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrCertFetch, lastErr)
}
