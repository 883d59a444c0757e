package cmp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"

	"github.com/go-kit/kit/log/level"
	"github.com/mpeylo/cmpossl-go/kerr"
)

// certRepOutcome is the result of classifying one IP/CP/KUP body (spec
// §4.7). Waiting means the driver must invoke the polling subroutine and
// re-enter classification on whatever response follows.
type certRepOutcome struct {
	Waiting   bool
	CertReqID int64
	Cert      *x509.Certificate
	Status    PKIStatusInfo
}

// unlearnedCertReqID marks a P10CR transaction whose certReqId has not yet
// been learned from the server's response (spec §4.7 step 2).
const unlearnedCertReqID = -1

var (
	oidAES128CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

// classifyCertResponse implements spec §4.7 steps 1-2 and 4-7 for a single
// IP/CP/KUP body (the extraCerts half of step 6 is done by
// absorbExtraCerts when the response is received). Step 3 (waiting -> poll
// -> re-enter) and steps 8-10 (certConf callback, certConf/pkiconf
// handshake, CertificateNotAccepted) live in driver.go, which calls this
// function once per received cert_response body.
func classifyCertResponse(ctx *Context, body PKIBody, forKUR bool) (*certRepOutcome, error) {
	rep, ok := body.Content.(CertRepMessage)
	if !ok {
		return nil, kerr.New(kerr.KindUnexpectedBodyType, "cert_response: body has no decoded CertRepMessage")
	}
	if len(rep.Response) != 1 {
		return nil, kerr.New(kerr.KindMultipleResponsesNotSupported, "cert_response carries %d CertResponse entries, want 1", len(rep.Response))
	}
	resp := rep.Response[0]

	if ctx.CertReqID == unlearnedCertReqID {
		ctx.CertReqID = resp.CertReqID.Int64()
	} else if resp.CertReqID.Int64() != ctx.CertReqID {
		return nil, kerr.New(kerr.KindWrongCertID, "certReqId %d does not match outstanding request %d", resp.CertReqID.Int64(), ctx.CertReqID)
	}

	ctx.LastPKIStatus = &resp.Status

	if resp.Status.Status == StatusWaiting {
		return &certRepOutcome{Waiting: true, CertReqID: ctx.CertReqID, Status: resp.Status}, nil
	}

	absorbCaPubs(ctx, rep.CaPubs)

	switch resp.Status.Status {
	case StatusRejection:
		return nil, kerr.New(kerr.KindRequestRejected, "request rejected: %s", resp.Status.Pretty()).WithDetail(resp.Status.Pretty())
	case StatusKeyUpdateWarning:
		if !forKUR {
			return nil, kerr.New(kerr.KindUnexpectedStatus, "keyUpdateWarning is only valid for a KUR response")
		}
	case StatusAccepted, StatusGrantedWithMods, StatusRevocationWarning, StatusRevocationNotification:
		// cert extraction proceeds below
	default:
		return nil, kerr.New(kerr.KindUnexpectedStatus, "unexpected PKIStatus %v", resp.Status.Status)
	}

	if resp.CertifiedKeyPair == nil {
		return nil, kerr.New(kerr.KindUnexpectedStatus, "status %v carries no certifiedKeyPair", resp.Status.Status)
	}

	cert, err := extractCertOrEncCert(ctx, resp.CertifiedKeyPair.CertOrEncCert)
	if err != nil {
		return nil, err
	}

	if err := verifyNewKeyMatch(ctx, cert); err != nil {
		return nil, err
	}

	return &certRepOutcome{CertReqID: ctx.CertReqID, Cert: cert, Status: resp.Status}, nil
}

// peekCandidateCert best-effort extracts the new certificate carried by an
// IP body without the side effects of classifyCertResponse (certReqId
// learning, LastPKIStatus), so the verify step that runs before
// classification can feed it to the 3GPP TS 33.310 trust-anchor exception
// (spec §4.3.3 step 3b). Returns nil on any decode failure.
func peekCandidateCert(ctx *Context, body PKIBody) *x509.Certificate {
	rep, ok := body.Content.(CertRepMessage)
	if !ok || len(rep.Response) != 1 || rep.Response[0].CertifiedKeyPair == nil {
		return nil
	}
	cert, err := extractCertOrEncCert(ctx, rep.Response[0].CertifiedKeyPair.CertOrEncCert)
	if err != nil {
		return nil
	}
	return cert
}

// extractCertOrEncCert implements spec §4.7 step 5's certificate/encryptedCert
// split, including indirect-POP decryption.
func extractCertOrEncCert(ctx *Context, coe CertOrEncCert) (*x509.Certificate, error) {
	if coe.Certificate.FullBytes != nil || len(coe.Certificate.Bytes) != 0 {
		return parseCertificateRaw(coe.Certificate)
	}
	if coe.EncryptedCert != nil {
		return decryptIndirectPOP(ctx, coe.EncryptedCert)
	}
	return nil, kerr.New(kerr.KindUnexpectedStatus, "certifiedKeyPair carries neither certificate nor encryptedCert")
}

// decryptIndirectPOP implements spec §4.7 step 5's indirect-POP path:
// decrypt encSymmKey with the recipient's private key, recover the IV from
// symmAlg.parameters, decrypt encValue, and DER-decode the result as a
// Certificate.
func decryptIndirectPOP(ctx *Context, ev *EncryptedValue) (*x509.Certificate, error) {
	key := ctx.NewClKey
	if key == nil {
		key = ctx.ClKey
	}
	if key == nil {
		return nil, kerr.New(kerr.KindMissingInput, "indirect POP requires a decryption-capable private key")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, kerr.New(kerr.KindUnsupportedAlgorithm, "indirect POP key transport only supports RSA")
	}
	symmKey, err := rsa.DecryptPKCS1v15(nil, rsaKey, ev.EncSymmKey.RightAlign())
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindBadKey, "decrypt encSymmKey")
	}

	block, err := newAESBlock(ev.SymmAlg.Algorithm, symmKey)
	if err != nil {
		return nil, err
	}
	var params asn1.RawValue
	if _, err := asn1.Unmarshal(ev.SymmAlg.Parameters.FullBytes, &params); err != nil {
		return nil, kerr.Wrap(err, kerr.KindInvalidInput, "unmarshal symmAlg parameters (IV)")
	}
	iv := params.Bytes
	if len(iv) != block.BlockSize() {
		return nil, kerr.New(kerr.KindInvalidInput, "symmAlg IV length %d != block size %d", len(iv), block.BlockSize())
	}

	ct := ev.EncValue.RightAlign()
	if len(ct)%block.BlockSize() != 0 {
		return nil, kerr.New(kerr.KindInvalidInput, "encValue length %d is not a multiple of the block size", len(ct))
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	cert, err := x509.ParseCertificate(plain)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindInvalidInput, "parse decrypted Certificate")
	}
	return cert, nil
}

func newAESBlock(oid asn1.ObjectIdentifier, key []byte) (cipher.Block, error) {
	switch {
	case oid.Equal(oidAES128CBC), oid.Equal(oidAES192CBC), oid.Equal(oidAES256CBC):
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, kerr.Wrap(err, kerr.KindBadKey, "build AES cipher from recovered symmetric key")
		}
		return block, nil
	default:
		return nil, kerr.New(kerr.KindUnsupportedAlgorithm, "unsupported symmetric algorithm OID %v", oid)
	}
}

// verifyNewKeyMatch implements spec §4.7 step 7.
func verifyNewKeyMatch(ctx *Context, cert *x509.Certificate) error {
	want := ctx.NewClKey
	if want == nil {
		want = ctx.ClKey
	}
	if want == nil {
		return nil
	}
	wantDER, err := x509.MarshalPKIXPublicKey(want.Public())
	if err != nil {
		return kerr.Wrap(err, kerr.KindBadKey, "marshal expected public key")
	}
	gotDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return kerr.Wrap(err, kerr.KindBadKey, "marshal issued certificate's public key")
	}
	if !bytesEqual(wantDER, gotDER) {
		return kerr.New(kerr.KindIncorrectData, "issued certificate's public key does not match the requested key")
	}
	return nil
}

// absorbCaPubs implements spec §4.7 step 6's caPubs half: PBM-protected
// responses trust caPubs directly into the trust store; otherwise they are
// only recorded informationally on the Context.
func absorbCaPubs(ctx *Context, caPubs []asn1.RawValue) {
	if len(caPubs) == 0 {
		return
	}
	usingPBM := len(ctx.SecretValue) > 0
	for _, raw := range caPubs {
		cert, err := parseCertificateRaw(raw)
		if err != nil {
			level.Warn(ctx.Logger).Log("msg", "caPubs entry failed to parse", "err", err)
			continue
		}
		ctx.CaPubs = append(ctx.CaPubs, cert)
		if usingPBM && ctx.TrustStore != nil {
			ctx.TrustStore.AddCert(cert)
		}
	}
}
