package sigverify

import (
	"errors"
	"fmt"
)

// ErrCertParse is returned when the DER certificate does not have the
// expected structure.
var ErrCertParse = errors.New("certificate parse failed")

// ASN.1 DER tags for the fields the walker expects.
const (
	tagInteger         = 0x02
	tagSequence        = 0x30
	tagExplicitVersion = 0xA0 // [0] EXPLICIT, context-specific constructed
)

// element is a single decoded ASN.1 (tag, length, value) triple. raw holds
// the full encoding including the tag and length octets, content only the
// value octets.
type element struct {
	tag     byte
	content []byte
	raw     []byte
}

// parseElement decodes the first element of der and returns it along with the
// remaining bytes. Only definite lengths are supported; DER forbids
// indefinite lengths so that is not a limitation.
func parseElement(der []byte) (element, []byte, error) {
	if len(der) < 2 {
		return element{}, nil, fmt.Errorf("%w: truncated element", ErrCertParse)
	}

	tag := der[0]
	lenByte := der[1]
	headerLen := 2
	contentLen := 0

	if lenByte < 0x80 {
		contentLen = int(lenByte)
	} else {
		// Long form: low bits give the number of length octets.
		n := int(lenByte & 0x7F)
		if n == 0 || n > 4 {
			return element{}, nil, fmt.Errorf("%w: unsupported length form", ErrCertParse)
		}
		if len(der) < 2+n {
			return element{}, nil, fmt.Errorf("%w: truncated length", ErrCertParse)
		}
		for i := 0; i < n; i++ {
			contentLen = contentLen<<8 | int(der[2+i])
		}
		headerLen = 2 + n
	}

	if contentLen < 0 || len(der) < headerLen+contentLen {
		return element{}, nil, fmt.Errorf("%w: content exceeds input", ErrCertParse)
	}

	return element{
		tag:     tag,
		content: der[headerLen : headerLen+contentLen],
		raw:     der[:headerLen+contentLen],
	}, der[headerLen+contentLen:], nil
}

// extractSPKI walks a DER-encoded X.509 certificate and returns the
// SubjectPublicKeyInfo SEQUENCE verbatim (tag and length octets included),
// suitable for importing as a PKIX public key.
//
// The walk is deliberately minimal: it follows the one fixed shape of a
// certificate (Certificate → TBSCertificate → version?, serialNumber,
// signature, issuer, validity, subject, subjectPublicKeyInfo) and fails on
// any structural mismatch. It performs no chain validation, no expiry check,
// and no subject checking; callers rely on certificate-URL allow-listing
// instead.
func extractSPKI(der []byte) ([]byte, error) {
	cert, _, err := parseElement(der)
	if err != nil {
		return nil, err
	}
	if cert.tag != tagSequence {
		return nil, fmt.Errorf("%w: certificate is not a SEQUENCE", ErrCertParse)
	}

	tbs, _, err := parseElement(cert.content)
	if err != nil {
		return nil, err
	}
	if tbs.tag != tagSequence {
		return nil, fmt.Errorf("%w: tbsCertificate is not a SEQUENCE", ErrCertParse)
	}

	rest := tbs.content

	// Optional [0] EXPLICIT version.
	first, afterFirst, err := parseElement(rest)
	if err != nil {
		return nil, err
	}
	if first.tag == tagExplicitVersion {
		rest = afterFirst
		first, afterFirst, err = parseElement(rest)
		if err != nil {
			return nil, err
		}
	}

	// serialNumber.
	if first.tag != tagInteger {
		return nil, fmt.Errorf("%w: expected serial number INTEGER, got tag 0x%02X", ErrCertParse, first.tag)
	}
	rest = afterFirst

	// signature, issuer, validity, subject: four SEQUENCEs to skip.
	for _, field := range []string{"signature algorithm", "issuer", "validity", "subject"} {
		var el element
		el, rest, err = parseElement(rest)
		if err != nil {
			return nil, err
		}
		if el.tag != tagSequence {
			return nil, fmt.Errorf("%w: expected %s SEQUENCE, got tag 0x%02X", ErrCertParse, field, el.tag)
		}
	}

	spki, _, err := parseElement(rest)
	if err != nil {
		return nil, err
	}
	if spki.tag != tagSequence {
		return nil, fmt.Errorf("%w: subjectPublicKeyInfo is not a SEQUENCE", ErrCertParse)
	}

	return spki.raw, nil
}
