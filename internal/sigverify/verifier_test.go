package sigverify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCerts serves a fixed PEM body for any URL, standing in for the
// certificate store.
type fakeCerts struct {
	pem []byte
	err error
}

func (f *fakeCerts) Get(url string) ([]byte, error) {
	return f.pem, f.err
}

// newTestKeyAndCert generates an RSA key and a self-signed certificate for
// it, returned as PEM. The production path never parses certificates with
// crypto/x509; tests use it only to build realistic DER fixtures.
func newTestKeyAndCert(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "echo-api.amazon.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func requestBody(timestamp time.Time, appID string) []byte {
	return []byte(fmt.Sprintf(`{"version":"1.0","session":{"application":{"applicationId":%q}},"context":{"System":{"application":{"applicationId":%q},"device":{"deviceId":"dev-1"}}},"request":{"type":"LaunchRequest","requestId":"req-1","timestamp":%q}}`,
		appID, appID, timestamp.Format(time.RFC3339Nano)))
}

func signBody(t *testing.T, key *rsa.PrivateKey, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func signedHeaders(t *testing.T, key *rsa.PrivateKey, body []byte) http.Header {
	t.Helper()
	h := http.Header{}
	h.Set(HeaderCertURL, "https://s3.amazonaws.com/echo.api/cert.pem")
	h.Set(HeaderSignature, signBody(t, key, body))
	return h
}

func TestVerify_Success(t *testing.T) {
	key, certPEM := newTestKeyAndCert(t)
	now := time.Now()
	v := New(&fakeCerts{pem: certPEM}, "app-1", WithClock(func() time.Time { return now }))

	body := requestBody(now, "app-1")
	require.NoError(t, v.Verify(signedHeaders(t, key, body), body))
}

func TestVerify_SingleByteTamper(t *testing.T) {
	key, certPEM := newTestKeyAndCert(t)
	now := time.Now()
	v := New(&fakeCerts{pem: certPEM}, "app-1", WithClock(func() time.Time { return now }))

	body := requestBody(now, "app-1")
	headers := signedHeaders(t, key, body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)/2] ^= 0x01

	err := v.Verify(headers, tampered)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_MissingHeaders(t *testing.T) {
	_, certPEM := newTestKeyAndCert(t)
	v := New(&fakeCerts{pem: certPEM}, "")

	err := v.Verify(http.Header{}, []byte("{}"))
	require.ErrorIs(t, err, ErrMissingHeaders)

	h := http.Header{}
	h.Set(HeaderCertURL, "https://s3.amazonaws.com/echo.api/cert.pem")
	require.ErrorIs(t, v.Verify(h, []byte("{}")), ErrMissingHeaders)
}

func TestVerify_TimestampBoundary(t *testing.T) {
	key, certPEM := newTestKeyAndCert(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := New(&fakeCerts{pem: certPEM}, "", WithClock(func() time.Time { return now }))

	// Exactly the maximum skew is still accepted.
	body := requestBody(now.Add(-150_000*time.Millisecond), "app-1")
	require.NoError(t, v.Verify(signedHeaders(t, key, body), body))

	// One millisecond beyond is rejected.
	body = requestBody(now.Add(-150_001*time.Millisecond), "app-1")
	err := v.Verify(signedHeaders(t, key, body), body)
	require.ErrorIs(t, err, ErrTimestampExpired)

	// Future skew is bounded the same way.
	body = requestBody(now.Add(150_001*time.Millisecond), "app-1")
	require.ErrorIs(t, v.Verify(signedHeaders(t, key, body), body), ErrTimestampExpired)
}

func TestVerify_AppIDMismatch(t *testing.T) {
	key, certPEM := newTestKeyAndCert(t)
	now := time.Now()
	v := New(&fakeCerts{pem: certPEM}, "expected-app", WithClock(func() time.Time { return now }))

	body := requestBody(now, "other-app")
	err := v.Verify(signedHeaders(t, key, body), body)
	require.ErrorIs(t, err, ErrAppIDMismatch)
}

func TestVerify_AppIDCheckSkippedWhenUnconfigured(t *testing.T) {
	key, certPEM := newTestKeyAndCert(t)
	now := time.Now()
	v := New(&fakeCerts{pem: certPEM}, "", WithClock(func() time.Time { return now }))

	body := requestBody(now, "whatever")
	require.NoError(t, v.Verify(signedHeaders(t, key, body), body))
}

func TestVerify_CertSourceErrorPropagates(t *testing.T) {
	now := time.Now()
	srcErr := fmt.Errorf("cert unavailable")
	v := New(&fakeCerts{err: srcErr}, "", WithClock(func() time.Time { return now }))

	h := http.Header{}
	h.Set(HeaderCertURL, "https://s3.amazonaws.com/echo.api/cert.pem")
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString([]byte("sig")))
	require.ErrorIs(t, v.Verify(h, []byte("{}")), srcErr)
}

func TestVerify_GarbageSignature(t *testing.T) {
	_, certPEM := newTestKeyAndCert(t)
	now := time.Now()
	v := New(&fakeCerts{pem: certPEM}, "", WithClock(func() time.Time { return now }))

	body := requestBody(now, "app-1")
	h := http.Header{}
	h.Set(HeaderCertURL, "https://s3.amazonaws.com/echo.api/cert.pem")
	h.Set(HeaderSignature, "!!!not-base64!!!")
	require.ErrorIs(t, v.Verify(h, body), ErrSignatureInvalid)

	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(make([]byte, 256)))
	require.ErrorIs(t, v.Verify(h, body), ErrSignatureInvalid)
}

func TestPublicKeyFromPEM_NoPEMBlock(t *testing.T) {
	_, err := publicKeyFromPEM([]byte("this is not pem"))
	require.ErrorIs(t, err, ErrCertParse)
}
