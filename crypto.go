package cmp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"hash"

	"github.com/mpeylo/cmpossl-go/kerr"
)

// Well-known digest/MAC/signature OIDs this facade understands. Unsupported
// algorithms fail with KindUnsupportedAlgorithm / KindAlgorithmNotSupported
// rather than silently falling back.
var (
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	oidHMACSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}
	oidHMACSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}

	oidPasswordBasedMAC = asn1.ObjectIdentifier{1, 2, 840, 113533, 7, 66, 13}

	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	oidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
)

// digestByOID maps a digest AlgorithmIdentifier OID to a constructor and
// crypto.Hash identity.
func digestByOID(oid asn1.ObjectIdentifier) (func() hash.Hash, crypto.Hash, error) {
	switch {
	case oid.Equal(oidSHA1):
		return sha1.New, crypto.SHA1, nil
	case oid.Equal(oidSHA256):
		return sha256.New, crypto.SHA256, nil
	case oid.Equal(oidSHA384):
		return sha512.New384, crypto.SHA384, nil
	case oid.Equal(oidSHA512):
		return sha512.New, crypto.SHA512, nil
	default:
		return nil, 0, kerr.New(kerr.KindUnsupportedAlgorithm, "unsupported digest OID %v", oid)
	}
}

// hashSum computes the digest of data under alg.
func hashSum(alg pkix.AlgorithmIdentifier, data []byte) ([]byte, error) {
	newHash, _, err := digestByOID(alg.Algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write(data)
	return h.Sum(nil), nil
}

// hmacSum computes the MAC tag of data under key using alg.
func hmacSum(alg pkix.AlgorithmIdentifier, key, data []byte) ([]byte, error) {
	var newHash func() hash.Hash
	switch {
	case alg.Algorithm.Equal(oidHMACSHA1):
		newHash = sha1.New
	case alg.Algorithm.Equal(oidHMACSHA256):
		newHash = sha256.New
	default:
		return nil, kerr.New(kerr.KindUnsupportedAlgorithm, "unsupported MAC OID %v", alg.Algorithm)
	}
	mac := hmac.New(newHash, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// constantTimeEqual is the facade's CRYPTO_memcmp equivalent (spec §4.3.2).
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// csprng returns n cryptographically random bytes (spec §4.2).
func csprng(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, kerr.Wrap(err, kerr.KindRngFailure, "read %d random bytes", n)
	}
	return b, nil
}

// pubKeyAlg names the public-key algorithm half of a signature OID.
type pubKeyAlg int

const (
	pubKeyRSA pubKeyAlg = iota
	pubKeyECDSA
)

// sigIDLookup maps a protection/signature AlgorithmIdentifier OID to the
// (digest, public-key algorithm) pair it names, per spec §4.2.
func sigIDLookup(oid asn1.ObjectIdentifier) (crypto.Hash, pubKeyAlg, error) {
	switch {
	case oid.Equal(oidSHA256WithRSA):
		return crypto.SHA256, pubKeyRSA, nil
	case oid.Equal(oidSHA384WithRSA):
		return crypto.SHA384, pubKeyRSA, nil
	case oid.Equal(oidSHA512WithRSA):
		return crypto.SHA512, pubKeyRSA, nil
	case oid.Equal(oidECDSAWithSHA256):
		return crypto.SHA256, pubKeyECDSA, nil
	case oid.Equal(oidECDSAWithSHA384):
		return crypto.SHA384, pubKeyECDSA, nil
	default:
		return 0, 0, kerr.New(kerr.KindAlgorithmNotSupported, "unsupported signature OID %v", oid)
	}
}

// sigOIDForKey is the inverse lookup used when building an outgoing
// signature-protected message or a POPOSigningKey: given a private key and
// a requested digest, produce the matching AlgorithmIdentifier.
func sigOIDForKey(key crypto.Signer, digest crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		switch digest {
		case crypto.SHA256:
			return pkix.AlgorithmIdentifier{Algorithm: oidSHA256WithRSA}, nil
		case crypto.SHA384:
			return pkix.AlgorithmIdentifier{Algorithm: oidSHA384WithRSA}, nil
		case crypto.SHA512:
			return pkix.AlgorithmIdentifier{Algorithm: oidSHA512WithRSA}, nil
		}
	case *ecdsa.PublicKey:
		switch digest {
		case crypto.SHA256:
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA256}, nil
		case crypto.SHA384:
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA384}, nil
		}
	}
	return pkix.AlgorithmIdentifier{}, kerr.New(kerr.KindUnsupportedAlgorithm, "no signature OID for key type %T / digest %v", key.Public(), digest)
}

// signDigest signs the digest of data with key under the given crypto.Hash.
func signDigest(key crypto.Signer, digest crypto.Hash, data []byte) ([]byte, error) {
	newHash, _, err := hashForCryptoHash(digest)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write(data)
	sum := h.Sum(nil)
	sig, err := key.Sign(rand.Reader, sum, digest)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindBadKey, "sign")
	}
	return sig, nil
}

// verifySignature verifies sig over data under pub using the (digest,
// pk-alg) pair resolved from protectionAlg (spec §4.3.2).
func verifySignature(pub interface{}, digest crypto.Hash, alg pubKeyAlg, data, sig []byte) error {
	newHash, _, err := hashForCryptoHash(digest)
	if err != nil {
		return err
	}
	h := newHash()
	h.Write(data)
	sum := h.Sum(nil)

	switch alg {
	case pubKeyRSA:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return kerr.New(kerr.KindWrongAlgorithmOID, "certificate key is not RSA")
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, digest, sum, sig); err != nil {
			return kerr.Wrap(err, kerr.KindSignatureVerifyFailed, "rsa verify")
		}
		return nil
	case pubKeyECDSA:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return kerr.New(kerr.KindWrongAlgorithmOID, "certificate key is not ECDSA")
		}
		if !ecdsa.VerifyASN1(ecPub, sum, sig) {
			return kerr.New(kerr.KindSignatureVerifyFailed, "ecdsa verify")
		}
		return nil
	default:
		return kerr.New(kerr.KindAlgorithmNotSupported, "unknown public key algorithm")
	}
}

func hashForCryptoHash(h crypto.Hash) (func() hash.Hash, crypto.Hash, error) {
	switch h {
	case crypto.SHA256:
		return sha256.New, crypto.SHA256, nil
	case crypto.SHA384:
		return sha512.New384, crypto.SHA384, nil
	case crypto.SHA512:
		return sha512.New, crypto.SHA512, nil
	case crypto.SHA1:
		return sha1.New, crypto.SHA1, nil
	default:
		return nil, 0, kerr.New(kerr.KindUnsupportedAlgorithm, "unsupported crypto.Hash %v", h)
	}
}

// subjectKeyID computes an RFC 5280 §4.2.1.2 method-1 Subject Key
// Identifier (SHA-1 over the subject public key's BIT STRING content),
// replacing the teacher's sibling-package cryptoutil.GenerateSubjectKeyID
// helper (see DESIGN.md dropped-dependencies note).
func subjectKeyID(pub interface{}) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindBadKey, "marshal public key")
	}
	var spki PublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, kerr.Wrap(err, kerr.KindBadKey, "unmarshal SubjectPublicKeyInfo")
	}
	sum := sha1.Sum(spki.PublicKey.RightAlign())
	return sum[:], nil
}
