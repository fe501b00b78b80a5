package sigverify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Header names carrying the certificate source and the request signature.
const (
	HeaderCertURL   = "SignatureCertChainUrl"
	HeaderSignature = "Signature"
)

// MaxTimestampSkew is the widest accepted difference between the server clock
// and the timestamp embedded in a request body. Exactly this skew is still
// accepted; one millisecond more is rejected.
const MaxTimestampSkew = 150_000 * time.Millisecond

var (
	// ErrMissingHeaders is returned when the certificate URL or signature
	// header is absent.
	ErrMissingHeaders = errors.New("missing signature headers")

	// ErrSignatureInvalid is returned when the signature does not verify
	// against the raw request body.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrTimestampExpired is returned when the body timestamp falls outside
	// the accepted skew window.
	ErrTimestampExpired = errors.New("request timestamp outside accepted window")

	// ErrAppIDMismatch is returned when the application id embedded in the
	// body does not match the configured expected id.
	ErrAppIDMismatch = errors.New("application id mismatch")
)

// CertSource yields certificate PEM bodies by URL. *certstore.Store
// satisfies this.
type CertSource interface {
	Get(url string) ([]byte, error)
}

// Verifier authenticates inbound requests: it verifies an RSA signature over
// the exact raw body bytes using the public key of a fetched certificate,
// then checks the body's timestamp window and application id.
type Verifier struct {
	certs         CertSource
	expectedAppID string
	now           func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New returns a Verifier backed by the given certificate source. If
// expectedAppID is empty the application id check is skipped.
func New(certs CertSource, expectedAppID string, opts ...Option) *Verifier {
	v := &Verifier{certs: certs, expectedAppID: expectedAppID, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// requestEnvelope is the minimal body shape the verifier needs: the embedded
// timestamp and the application id, which may appear under the session or the
// system context depending on request type.
type requestEnvelope struct {
	Session struct {
		Application struct {
			ApplicationID string `json:"applicationId"`
		} `json:"application"`
	} `json:"session"`
	Context struct {
		System struct {
			Application struct {
				ApplicationID string `json:"applicationId"`
			} `json:"application"`
		} `json:"System"`
	} `json:"context"`
	Request struct {
		Timestamp string `json:"timestamp"`
	} `json:"request"`
}

// Verify authenticates a request. rawBody must be the exact bytes received on
// the wire; verifying a re-serialized form of parsed fields would break
// legitimate signatures, since re-serialization is not byte-identical.
//
// Failures map to the sentinel errors of this package and of certstore; the
// body is parsed only after the signature checks out.
func (v *Verifier) Verify(headers http.Header, rawBody []byte) error {
	certURL := headers.Get(HeaderCertURL)
	sigB64 := headers.Get(HeaderSignature)
	if certURL == "" || sigB64 == "" {
		return ErrMissingHeaders
	}

	pemBody, err := v.certs.Get(certURL)
	if err != nil {
		return err
	}

	pub, err := publicKeyFromPEM(pemBody)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrSignatureInvalid)
	}

	digest := sha256.Sum256(rawBody)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}

	var env requestEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return fmt.Errorf("parse request body: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, env.Request.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: unparsable timestamp %q", ErrTimestampExpired, env.Request.Timestamp)
	}
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return ErrTimestampExpired
	}

	if v.expectedAppID != "" {
		appID := env.Context.System.Application.ApplicationID
		if appID == "" {
			appID = env.Session.Application.ApplicationID
		}
		if appID != v.expectedAppID {
			return ErrAppIDMismatch
		}
	}

	return nil
}

// publicKeyFromPEM decodes the first PEM block, walks the DER for the
// SubjectPublicKeyInfo, and imports it as an RSA public key.
func publicKeyFromPEM(pemBody []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBody)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrCertParse)
	}

	spki, err := extractSPKI(block.Bytes)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertParse, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrCertParse)
	}
	return pub, nil
}
