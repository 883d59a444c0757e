package cmp

import (
	"crypto/x509"
	"encoding/asn1"

	"github.com/mpeylo/cmpossl-go/kerr"
)

// parseCertificateRaw parses a CMPCertificate (an asn1.RawValue carrying a
// full Certificate TLV, per RFC 4210's "CMPCertificate ::= Certificate")
// into an *x509.Certificate.
func parseCertificateRaw(raw asn1.RawValue) (*x509.Certificate, error) {
	der := raw.FullBytes
	if der == nil {
		var err error
		der, err = asn1.Marshal(raw)
		if err != nil {
			return nil, err
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindInvalidInput, "parse certificate")
	}
	return cert, nil
}

// certToRawValue encodes an *x509.Certificate back to a CMPCertificate
// RawValue for embedding in extraCerts/certOrEncCert.
func certToRawValue(cert *x509.Certificate) asn1.RawValue {
	var rv asn1.RawValue
	asn1.Unmarshal(cert.Raw, &rv) //nolint:errcheck // cert.Raw is already valid DER
	return rv
}

func containsCert(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if bytesEqual(c.Raw, cert.Raw) {
			return true
		}
	}
	return false
}

// bestEffortChain builds the client certificate's chain up to (but
// excluding) the trust anchor, by issuer/subject name matching against
// untrusted, ignoring signature/validity failures entirely — spec §4.6's
// add_extraCerts rule calls for "best-effort... ignoring chain-validation
// failures", so this deliberately does not call (*x509.Certificate).Verify.
func bestEffortChain(leaf *x509.Certificate, untrusted []*x509.Certificate) []*x509.Certificate {
	var chain []*x509.Certificate
	cur := leaf
	seen := map[string]bool{string(leaf.Raw): true}
	for i := 0; i < len(untrusted)+1; i++ {
		if bytesEqual(cur.RawIssuer, cur.RawSubject) {
			break // self-signed: this is (or would be) the anchor, exclude it
		}
		next := findBySubject(untrusted, cur.RawIssuer)
		if next == nil || seen[string(next.Raw)] {
			break
		}
		if bytesEqual(next.RawIssuer, next.RawSubject) {
			break // next is the anchor itself; stop before including it
		}
		chain = append(chain, next)
		seen[string(next.Raw)] = true
		cur = next
	}
	return chain
}

func findBySubject(certs []*x509.Certificate, rawSubject []byte) *x509.Certificate {
	for _, c := range certs {
		if bytesEqual(c.RawSubject, rawSubject) {
			return c
		}
	}
	return nil
}

func dedupeCerts(certs []*x509.Certificate) []*x509.Certificate {
	var out []*x509.Certificate
	for _, c := range certs {
		if !containsCert(out, c) {
			out = append(out, c)
		}
	}
	return out
}
