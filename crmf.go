package cmp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/mpeylo/cmpossl-go/kerr"
)

// referenceCert is ctx.oldClCert ?: ctx.clCert, the template used by
// buildCertTemplate (spec §4.5).
func referenceCert(ctx *Context) *x509.Certificate {
	if ctx.OldClCert != nil {
		return ctx.OldClCert
	}
	return ctx.ClCert
}

// buildCertTemplate populates a CertTemplate per the rules of spec §4.5.
// forKUR selects the KUR-specific subject-copy and OldCertId-control rules.
// csr is optional; when present it contributes the publicKey/extensions
// fallback described at spec §4.5 for the "PKCS#10 CSR" reference input.
func buildCertTemplate(ctx *Context, csr *x509.CertificateRequest, forKUR bool) (CertTemplate, []AttributeTypeAndValue, error) {
	var tmpl CertTemplate
	var controls []AttributeTypeAndValue
	ref := referenceCert(ctx)

	// publicKey: new key's SPKI, else the CSR's SPKI, else existing key's SPKI.
	var pubKey interface{}
	switch {
	case ctx.NewClKey != nil:
		pubKey = ctx.NewClKey.Public()
	case csr != nil:
		pubKey = csr.PublicKey
	case ctx.ClKey != nil:
		pubKey = ctx.ClKey.Public()
	}
	var skiExt *pkix.Extension
	if pubKey != nil {
		spkiDER, err := x509.MarshalPKIXPublicKey(pubKey)
		if err != nil {
			return tmpl, nil, kerr.Wrap(err, kerr.KindBadKey, "marshal public key")
		}
		var spki PublicKeyInfo
		if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
			return tmpl, nil, kerr.Wrap(err, kerr.KindBadKey, "unmarshal SubjectPublicKeyInfo")
		}
		tmpl.PublicKey = &spki

		if ski, err := subjectKeyID(pubKey); err == nil {
			if skiValue, err := asn1.Marshal(ski); err == nil {
				skiExt = &pkix.Extension{Id: oidSubjectKeyIdentifier, Value: skiValue}
			}
		}
	}

	// subject
	var subject pkix.Name
	haveSubject := false
	switch {
	case len(ctx.SubjectName.String()) > 0:
		subject = ctx.SubjectName
		haveSubject = true
	case forKUR && ref != nil:
		subject = ref.Subject
		haveSubject = true
	case !forKUR && ref != nil && len(ctx.SubjectAltNames) == 0:
		subject = ref.Subject
		haveSubject = true
	}
	if haveSubject {
		rdn, err := asn1.Marshal(subject.ToRDNSequence())
		if err != nil {
			return tmpl, nil, err
		}
		tmpl.Subject = wrapExplicit(5, rdn)
	}

	// issuer
	var issuer *pkix.Name
	switch {
	case len(ctx.Issuer.String()) > 0:
		issuer = &ctx.Issuer
	case ref != nil:
		issuer = &ref.Issuer
	}
	if issuer != nil {
		rdn, err := asn1.Marshal(issuer.ToRDNSequence())
		if err != nil {
			return tmpl, nil, err
		}
		tmpl.Issuer = wrapExplicit(3, rdn)
	}

	// validity
	if ctx.Days > 0 {
		now := time.Now()
		tmpl.Validity = &OptionalValidity{
			NotBefore: now,
			NotAfter:  now.Add(time.Duration(ctx.Days) * 24 * time.Hour),
		}
	}

	// extensions: start from the CSR's own extensions (if any), then apply
	// caller-supplied overrides on OID collision (delete then append).
	var exts []pkix.Extension
	if csr != nil {
		exts = mergeExtensions(exts, csr.Extensions)
	}
	exts = mergeExtensions(exts, ctx.ReqExtensions)
	if skiExt != nil {
		exts = mergeExtensions(exts, []pkix.Extension{*skiExt})
	}

	if len(ctx.SubjectAltNames) > 0 {
		sanDER, err := marshalSANExtension(ctx.SubjectAltNames)
		if err != nil {
			return tmpl, nil, err
		}
		critical := ctx.SetSubjectAltNameCritical || !haveSubject
		exts = mergeExtensions(exts, []pkix.Extension{{Id: oidSubjectAltName, Critical: critical, Value: sanDER}})
	} else if !ctx.SubjectAltNameNoDefault && ref != nil {
		if sanExt := findExtension(ref.Extensions, oidSubjectAltName); sanExt != nil {
			exts = mergeExtensions(exts, []pkix.Extension{*sanExt})
		}
	}

	if len(ctx.Policies) > 0 {
		polDER, err := marshalPoliciesExtension(ctx.Policies)
		if err != nil {
			return tmpl, nil, err
		}
		exts = mergeExtensions(exts, []pkix.Extension{{Id: oidCertificatePolicies, Critical: ctx.SetPoliciesCritical, Value: polDER}})
	}
	tmpl.Extensions = exts

	if forKUR && ref != nil {
		oldCertID := CertID{Issuer: wrapExplicit(4, mustMarshalRDN(ref.Issuer)), SerialNumber: ref.SerialNumber}
		der, err := asn1.Marshal(oldCertID)
		if err != nil {
			return tmpl, nil, err
		}
		controls = append(controls, AttributeTypeAndValue{Type: oidRegCtrlOldCertID, Value: asn1.RawValue{FullBytes: der}})
	}

	return tmpl, controls, nil
}

func mustMarshalRDN(name pkix.Name) []byte {
	der, _ := asn1.Marshal(name.ToRDNSequence())
	return der
}

var (
	oidSubjectAltName       = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidCertificatePolicies  = asn1.ObjectIdentifier{2, 5, 29, 32}
	oidSubjectKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 14}
)

func findExtension(exts []pkix.Extension, oid asn1.ObjectIdentifier) *pkix.Extension {
	for i := range exts {
		if exts[i].Id.Equal(oid) {
			return &exts[i]
		}
	}
	return nil
}

// mergeExtensions merges incoming into base, deleting all existing
// same-OID entries from base before appending each incoming entry (spec
// §4.5 extension merge rule).
func mergeExtensions(base, incoming []pkix.Extension) []pkix.Extension {
	for _, add := range incoming {
		filtered := base[:0:0]
		for _, e := range base {
			if !e.Id.Equal(add.Id) {
				filtered = append(filtered, e)
			}
		}
		base = append(filtered, add)
	}
	return base
}

func marshalSANExtension(names []string) ([]byte, error) {
	var rawValues []asn1.RawValue
	for _, n := range names {
		rawValues = append(rawValues, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, Bytes: []byte(n)}) // dNSName
	}
	return asn1.Marshal(rawValues)
}

func marshalPoliciesExtension(oids []asn1.ObjectIdentifier) ([]byte, error) {
	type policyInformation struct {
		PolicyIdentifier asn1.ObjectIdentifier
	}
	var policies []policyInformation
	for _, o := range oids {
		policies = append(policies, policyInformation{PolicyIdentifier: o})
	}
	return asn1.Marshal(policies)
}

// buildPOPO constructs the POPO choice selected by ctx.PopoMethod (spec
// §4.5). certReq is the already-built CertRequest the POPOSigningKey
// signature (when selected) is computed over.
func buildPOPO(ctx *Context, certReq CertRequest) (POPO, error) {
	switch ctx.PopoMethod {
	case PopoRAVerified:
		return POPO{Choice: POPORAVerified, RAVerified: true}, nil
	case PopoSignature:
		key := ctx.ClKey
		if ctx.NewClKey != nil {
			key = ctx.NewClKey
		}
		if key == nil {
			return POPO{}, kerr.New(kerr.KindMissingInput, "POPO signature requires a signing key")
		}
		alg, err := sigOIDForKey(key, ctx.Digest)
		if err != nil {
			return POPO{}, err
		}
		der, err := asn1.Marshal(certReq)
		if err != nil {
			return POPO{}, err
		}
		sig, err := signDigest(key, ctx.Digest, der)
		if err != nil {
			return POPO{}, err
		}
		return POPO{Choice: POPOSignature, Signature: &POPOSigningKey{
			Algorithm: alg,
			Signature: asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
		}}, nil
	case PopoKeyEnc:
		return POPO{Choice: POPOKeyEncipher, KeyEncipher: &POPOPrivKey{Choice: 0}}, nil
	case PopoKeyAgree:
		return POPO{Choice: POPOKeyAgreement, KeyAgreement: &POPOPrivKey{Choice: 0}}, nil
	default:
		return POPO{}, kerr.New(kerr.KindInvalidParameter, "unknown POPO method %d", ctx.PopoMethod)
	}
}

// buildCertReqMsg assembles a full CertReqMsg (CertRequest + POPO), used by
// ir/cr/kur message construction (spec §4.6). csr is optional; see
// buildCertTemplate.
func buildCertReqMsg(ctx *Context, certReqID int64, csr *x509.CertificateRequest, forKUR bool) (CertReqMsg, error) {
	tmpl, controls, err := buildCertTemplate(ctx, csr, forKUR)
	if err != nil {
		return CertReqMsg{}, err
	}
	certReq := CertRequest{CertReqID: big.NewInt(certReqID), CertTemplate: tmpl, Controls: controls}
	popo, err := buildPOPO(ctx, certReq)
	if err != nil {
		return CertReqMsg{}, err
	}
	popoRaw, err := marshalPOPO(popo)
	if err != nil {
		return CertReqMsg{}, err
	}
	return CertReqMsg{CertReq: certReq, Popo: popoRaw}, nil
}
