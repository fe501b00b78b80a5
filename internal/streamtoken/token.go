package streamtoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType is the type tag carried in every stream token payload. Tokens
// with any other tag are rejected, so tokens minted for other purposes can
// never authorize media access.
const TokenType = "stream"

// Payload is the verified content of a stream token.
type Payload struct {
	ResourceID string
	IssuerID   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// claims is the wire shape: registered claims plus the type tag. subject
// doubles as the resource id.
type claims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Service issues and verifies compact HMAC-SHA256 stream tokens. Tokens are
// stateless bearer credentials with no revocation list, so their TTL must be
// kept short relative to the resource's practical lifetime.
type Service struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service signing with the given shared secret.
func New(secret []byte, opts ...Option) *Service {
	s := &Service{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a token binding resourceID and issuerID for ttl.
func (s *Service) Issue(resourceID, issuerID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("issue stream token: non-positive ttl %v", ttl)
	}
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TokenType: TokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   resourceID,
			Issuer:    issuerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("issue stream token: %w", err)
	}
	return signed, nil
}

// Verify recomputes the token signature and checks expiry, the type tag, and
// the issuer claim against expectedIssuer. It returns (nil, false) on every
// failure so callers can respond "unauthorized" uniformly without branching
// on the failure subtype.
func (s *Service) Verify(token, expectedIssuer string) (*Payload, bool) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, false
	}

	if c.TokenType != TokenType {
		return nil, false
	}
	if expectedIssuer != "" && c.Issuer != expectedIssuer {
		return nil, false
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return nil, false
	}

	return &Payload{
		ResourceID: c.Subject,
		IssuerID:   c.Issuer,
		IssuedAt:   c.IssuedAt.Time,
		ExpiresAt:  c.ExpiresAt.Time,
	}, true
}
