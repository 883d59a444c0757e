package cmp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"github.com/mpeylo/cmpossl-go/kerr"
)

// newRequestBody builds the body for ir/cr/kur/p10cr (spec §4.6). For
// P10CR, csr is required and is cloned (not moved) into the body; for the
// others csr is optional and, when present, seeds the CertTemplate's
// public key and extensions (spec §4.5).
func newRequestBody(ctx *Context, bodyType int, csr *x509.CertificateRequest) (PKIBody, error) {
	switch bodyType {
	case BodyP10CR:
		if csr == nil {
			return PKIBody{}, kerr.New(kerr.KindMissingInput, "p10cr requires a PKCS#10 CSR")
		}
		clone := append([]byte{}, csr.Raw...)
		return PKIBody{Type: BodyP10CR, Content: clone}, nil
	case BodyIR, BodyCR, BodyKUR:
		msg, err := buildCertReqMsg(ctx, 0, csr, bodyType == BodyKUR)
		if err != nil {
			return PKIBody{}, err
		}
		return PKIBody{Type: bodyType, Content: CertReqMessages{msg}}, nil
	default:
		return PKIBody{}, kerr.New(kerr.KindInvalidParameter, "not a request body type: %d", bodyType)
	}
}

// newRRBody builds an RR body from ctx.OldClCert (spec §4.6).
func newRRBody(ctx *Context) (PKIBody, error) {
	if ctx.OldClCert == nil {
		return PKIBody{}, kerr.New(kerr.KindMissingInput, "RR requires oldClCert")
	}
	tmpl := CertTemplate{}
	rdn := mustMarshalRDN(ctx.OldClCert.Issuer)
	tmpl.Issuer = wrapExplicit(3, rdn)
	tmpl.Serial = ctx.OldClCert.SerialNumber

	details := RevDetails{CertDetails: tmpl}
	if ctx.RevocationReason != CRLReasonNone {
		reasonDER, err := asn1.Marshal(asn1.Enumerated(ctx.RevocationReason))
		if err != nil {
			return PKIBody{}, err
		}
		details.CrlEntryDetails = append(details.CrlEntryDetails, pkix.Extension{Id: oidCRLReason, Critical: false, Value: reasonDER})
	}
	return PKIBody{Type: BodyRR, Content: RevReqContent{details}}, nil
}

var oidCRLReason = asn1.ObjectIdentifier{2, 5, 29, 21}

// newCertConfBody builds a CERTCONF body for newClCert (spec §4.6). If
// failInfo != 0, the statusInfo carries a rejection instead of an
// acceptance (used when the caller's certConf callback overrides it).
func newCertConfBody(ctx *Context, newCert *x509.Certificate, failInfo uint32, reason string) (PKIBody, error) {
	sum, err := certHash(newCert)
	if err != nil {
		return PKIBody{}, err
	}

	status := &PKIStatusInfo{Status: StatusAccepted}
	if failInfo != 0 {
		bits := make([]byte, 4)
		for i := 0; i < 26; i++ {
			if failInfo&(1<<uint(i)) != 0 {
				bits[i/8] |= 1 << uint(7-i%8)
			}
		}
		status = &PKIStatusInfo{
			Status:   StatusRejection,
			FailInfo: asn1.BitString{Bytes: bits, BitLength: 26},
		}
		if reason != "" {
			status.StatusString = PKIFreeText{reason}
		}
	}

	cs := CertStatus{CertHash: sum, CertReqID: big.NewInt(0), StatusInfo: status}
	return PKIBody{Type: BodyCERTCONF, Content: CertConfirmContent{cs}}, nil
}

// certHash computes digest(sigid(newClCert).digest, DER(newClCert)) per
// spec §4.6. It falls back to SHA-256 when the certificate's own signature
// algorithm digest cannot be resolved (e.g. an unsupported algorithm),
// matching the "best available digest" intent without hard-failing the
// confirmation step.
func certHash(cert *x509.Certificate) ([]byte, error) {
	oid := certSignatureOID(cert)
	if digest, _, err := sigIDLookup(oid); err == nil {
		if newHash, _, err2 := hashForCryptoHash(digest); err2 == nil {
			h := newHash()
			h.Write(cert.Raw)
			return h.Sum(nil), nil
		}
	}
	sum, err := hashSum(pkix.AlgorithmIdentifier{Algorithm: oidSHA256}, cert.Raw)
	if err != nil {
		return nil, err
	}
	return sum, nil
}

func certSignatureOID(cert *x509.Certificate) asn1.ObjectIdentifier {
	// x509.Certificate exposes SignatureAlgorithm as a Go constant, not an
	// OID; re-derive the OID via our own table by matching on the stdlib
	// constant name space is unnecessary here because Go's x509 package
	// does not export the raw AlgorithmIdentifier. We reconstruct the OID
	// from the well-known constants we already support.
	switch cert.SignatureAlgorithm.String() {
	case "SHA256-RSA":
		return oidSHA256WithRSA
	case "SHA384-RSA":
		return oidSHA384WithRSA
	case "SHA512-RSA":
		return oidSHA512WithRSA
	case "ECDSA-SHA256":
		return oidECDSAWithSHA256
	case "ECDSA-SHA384":
		return oidECDSAWithSHA384
	default:
		return oidSHA256WithRSA
	}
}

// newPollReqBody builds a POLLREQ body (spec §4.6).
func newPollReqBody(certReqID int64) PKIBody {
	return PKIBody{Type: BodyPOLLREQ, Content: PollReqContent{{CertReqID: big.NewInt(certReqID)}}}
}

// newGenMsgBody / newGenRepBody carry a configured ITAV stack (spec §4.6).
func newGenMsgBody(itavs []InfoTypeAndValue) PKIBody {
	return PKIBody{Type: BodyGENM, Content: GenMsgContent(itavs)}
}

func newGenRepBody(itavs []InfoTypeAndValue) PKIBody {
	return PKIBody{Type: BodyGENP, Content: GenRepContent(itavs)}
}

// newErrorBody wraps a PKIStatusInfo plus optional error code/text (spec §4.6).
func newErrorBody(status PKIStatusInfo, errorCode *int64, text string) PKIBody {
	content := ErrorMsgContent{PKIStatusInfo: status}
	if errorCode != nil {
		content.ErrorCode = big.NewInt(*errorCode)
	}
	if text != "" {
		content.ErrorDetails = PKIFreeText{text}
	}
	return PKIBody{Type: BodyERROR, Content: content}
}

// generalInfoFor returns the generalInfo items to attach to an outgoing
// request header (spec §4.6: implicitConfirm).
func generalInfoFor(ctx *Context) []InfoTypeAndValue {
	if !ctx.ImplicitConfirm {
		return nil
	}
	return []InfoTypeAndValue{{InfoType: oidITImplicitConfirm, InfoValue: asn1.RawValue{Tag: asn1.TagNull}}}
}

// senderKID computes the senderKID the message factory installs when
// protecting an outgoing message: referenceValue under PBM, or the client
// certificate's Subject Key Identifier under signature (spec §4.6).
func senderKID(ctx *Context, usingPBM bool) []byte {
	if usingPBM {
		return ctx.ReferenceValue
	}
	if ctx.ClCert != nil && len(ctx.ClCert.SubjectKeyId) > 0 {
		return ctx.ClCert.SubjectKeyId
	}
	return nil
}

// addExtraCerts populates outgoing extraCerts per spec §4.6: client cert,
// then its best-effort chain, then configured extraCertsOut, deduplicated;
// omitted entirely if empty.
func addExtraCerts(ctx *Context) []asn1.RawValue {
	var certs []*x509.Certificate
	if ctx.ClCert != nil {
		certs = append(certs, ctx.ClCert)
		certs = append(certs, bestEffortChain(ctx.ClCert, ctx.UntrustedCerts)...)
	}
	certs = append(certs, ctx.ExtraCertsOut...)
	certs = dedupeCerts(certs)
	if len(certs) == 0 {
		return nil
	}
	out := make([]asn1.RawValue, len(certs))
	for i, c := range certs {
		out[i] = certToRawValue(c)
	}
	return out
}

// buildProtectedMessage assembles header+body, installs protectionAlg and
// senderKID, computes protection (unless unprotectedSend), and attaches
// extraCerts — the common tail of every message-factory function (spec
// §4.6).
func buildProtectedMessage(ctx *Context, body PKIBody) (*PKIMessage, error) {
	header, err := buildHeader(ctx, generalInfoFor(ctx))
	if err != nil {
		return nil, err
	}

	usingPBM := len(ctx.SecretValue) > 0

	if !ctx.UnprotectedSend {
		if usingPBM {
			alg, err := protectionAlgForPBM(ctx)
			if err != nil {
				return nil, err
			}
			header.ProtectionAlg = alg
		} else {
			if ctx.ClKey == nil {
				return nil, kerr.New(kerr.KindMissingInput, "no PBM secret and no client key: cannot protect message")
			}
			alg, err := sigOIDForKey(ctx.ClKey, ctx.Digest)
			if err != nil {
				return nil, err
			}
			header.ProtectionAlg = alg
		}
		header.SenderKID = senderKID(ctx, usingPBM)

		protection, err := protect(ctx, header, body)
		if err != nil {
			return nil, err
		}
		return &PKIMessage{Header: header, Body: body, Protection: protection, ExtraCerts: addExtraCerts(ctx)}, nil
	}

	return &PKIMessage{Header: header, Body: body, ExtraCerts: addExtraCerts(ctx)}, nil
}
