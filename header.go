package cmp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/mpeylo/cmpossl-go/kerr"
)

// directoryNameRawValue encodes name as a GeneralName directoryName choice
// (RFC 5280 §4.2.1.6, tag [4] EXPLICIT), the only GeneralName alternative
// this client produces for sender/recipient.
func directoryNameRawValue(name pkix.Name) (asn1.RawValue, error) {
	der, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return asn1.RawValue{}, err
	}
	return wrapExplicit(4, der), nil
}

// nullDN is the GeneralName directoryName holding an empty RDNSequence,
// used when the sender identity is not yet known (spec GLOSSARY: NULL-DN).
func nullDN() asn1.RawValue {
	rv, _ := directoryNameRawValue(pkix.Name{})
	return rv
}

// parseGeneralNameDN decodes a directoryName GeneralName back to a pkix.Name.
func parseGeneralNameDN(raw asn1.RawValue) (pkix.Name, error) {
	if raw.Class != asn1.ClassContextSpecific || raw.Tag != 4 {
		return pkix.Name{}, kerr.New(kerr.KindInvalidInput, "GeneralName alternative %d/%d not supported (directoryName only)", raw.Class, raw.Tag)
	}
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(raw.Bytes, &rdn); err != nil {
		return pkix.Name{}, kerr.Wrap(err, kerr.KindInvalidInput, "unmarshal RDNSequence")
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, nil
}

// buildSenderName resolves the sender GeneralName: client-cert subject, or
// configured subject, or NULL-DN (spec §4.4 builder).
func buildSenderName(ctx *Context) (asn1.RawValue, error) {
	switch {
	case ctx.ClCert != nil:
		return directoryNameRawValue(ctx.ClCert.Subject), nil
	case len(ctx.SubjectName.String()) > 0:
		return directoryNameRawValue(ctx.SubjectName), nil
	default:
		return nullDN(), nil
	}
}

// buildRecipientName resolves the recipient GeneralName: server-cert
// subject, configured recipient, issuer-of-oldCert, issuer-of-clientCert,
// or NULL-DN, in that order (spec §4.4 builder).
func buildRecipientName(ctx *Context) (asn1.RawValue, error) {
	switch {
	case ctx.SrvCert != nil:
		return directoryNameRawValue(ctx.SrvCert.Subject), nil
	case len(ctx.Recipient.String()) > 0:
		return directoryNameRawValue(ctx.Recipient), nil
	case ctx.OldClCert != nil:
		return directoryNameRawValue(ctx.OldClCert.Issuer), nil
	case ctx.ClCert != nil:
		return directoryNameRawValue(ctx.ClCert.Issuer), nil
	default:
		return nullDN(), nil
	}
}

// buildHeader fills a PKIHeader per spec §4.4. It caches the fresh
// senderNonce on ctx for matching against the next reply, and reuses or
// mints the transactionID.
func buildHeader(ctx *Context, generalInfo []InfoTypeAndValue) (PKIHeader, error) {
	sender, err := buildSenderName(ctx)
	if err != nil {
		return PKIHeader{}, err
	}
	recipient, err := buildRecipientName(ctx)
	if err != nil {
		return PKIHeader{}, err
	}

	if len(ctx.TransactionID) == 0 {
		tid, err := csprng(16)
		if err != nil {
			return PKIHeader{}, err
		}
		ctx.TransactionID = tid
	}

	senderNonce, err := csprng(16)
	if err != nil {
		return PKIHeader{}, err
	}
	ctx.SenderNonce = senderNonce

	h := PKIHeader{
		PVNO:          pkiVersion2,
		Sender:        sender,
		Recipient:     recipient,
		MessageTime:   time.Now(),
		SenderKID:     nil,
		RecipKID:      nil,
		TransactionID: ctx.TransactionID,
		SenderNonce:   senderNonce,
		RecipNonce:    ctx.RecipNonce,
		GeneralInfo:   generalInfo,
	}
	return h, nil
}

// checkHeader validates an inbound header per spec §4.4 receiver rules,
// learning transactionID/recipNonce state on success.
func checkHeader(ctx *Context, h PKIHeader) error {
	if h.PVNO != pkiVersion2 {
		return kerr.New(kerr.KindUnexpectedPVNO, "pvno %d != 2", h.PVNO)
	}
	if len(ctx.TransactionID) > 0 && !bytesEqual(ctx.TransactionID, h.TransactionID) {
		return kerr.New(kerr.KindTransactionIDUnmatched, "transactionID mismatch")
	}
	if len(ctx.SenderNonce) > 0 && !bytesEqual(ctx.SenderNonce, h.RecipNonce) {
		return kerr.New(kerr.KindRecipNonceUnmatched, "recipNonce does not match last senderNonce")
	}

	if len(ctx.TransactionID) == 0 {
		ctx.TransactionID = h.TransactionID
	}
	ctx.RecipNonce = h.SenderNonce
	return nil
}

// absorbExtraCerts prepends the first ten entries of msg.extraCerts
// (deduplicated) to the untrusted pool, and records them verbatim on
// ctx.ExtraCertsIn for caller inspection (spec §4.4, §4.7 step 6).
func absorbExtraCerts(ctx *Context, extraCerts []asn1.RawValue) {
	n := len(extraCerts)
	if n > 10 {
		level.Warn(ctx.Logger).Log("msg", "extraCerts exceeds 10 entries", "count", n)
		n = 10
	}
	for i := 0; i < n; i++ {
		cert, err := parseCertificateRaw(extraCerts[i])
		if err != nil {
			continue
		}
		ctx.ExtraCertsIn = append(ctx.ExtraCertsIn, cert)
		if !containsCert(ctx.UntrustedCerts, cert) {
			ctx.UntrustedCerts = append([]*x509.Certificate{cert}, ctx.UntrustedCerts...)
		}
	}
}
