package cmp

import (
	"encoding/asn1"

	"github.com/mpeylo/cmpossl-go/kerr"
	"github.com/pkg/errors"
)

// wireMessage is the literal DER shape of PKIMessage (spec §4.1): header is
// an ordinary SEQUENCE, but body/protection/extraCerts need hand-rolled
// (un)wrapping since encoding/asn1 cannot dispatch a CHOICE or a
// context-IMPLICIT SEQUENCE OF by reflection alone.
type wireMessage struct {
	Header     PKIHeader
	Body       asn1.RawValue
	Protection asn1.BitString  `asn1:"explicit,tag:0,optional"`
	ExtraCerts []asn1.RawValue `asn1:"explicit,tag:1,optional"`
}

// EncodeMessage DER-encodes a PKIMessage in full (header, body, protection,
// extraCerts).
func EncodeMessage(m *PKIMessage) ([]byte, error) {
	body, err := encodeBody(m.Body)
	if err != nil {
		return nil, errors.Wrap(err, "cmp: encode body")
	}
	w := wireMessage{
		Header:     m.Header,
		Body:       body,
		Protection: m.Protection,
		ExtraCerts: m.ExtraCerts,
	}
	der, err := asn1.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "cmp: marshal PKIMessage")
	}
	return der, nil
}

// DecodeMessage DER-decodes a PKIMessage. The body type is read from the
// body's context tag and dispatched to the matching content struct;
// not-yet-implemented body types are kept only as Raw.
func DecodeMessage(der []byte) (*PKIMessage, error) {
	var w wireMessage
	rest, err := asn1.Unmarshal(der, &w)
	if err != nil {
		return nil, errors.Wrap(err, "cmp: unmarshal PKIMessage")
	}
	if len(rest) != 0 {
		return nil, errors.New("cmp: trailing bytes after PKIMessage")
	}
	body, err := decodeBody(w.Body)
	if err != nil {
		return nil, errors.Wrap(err, "cmp: decode body")
	}
	return &PKIMessage{
		Header:     w.Header,
		Body:       body,
		Protection: w.Protection,
		ExtraCerts: w.ExtraCerts,
	}, nil
}

// EncodeProtectedPart DER-encodes the {header, body} tuple that protection
// is computed over (spec §4.3.1 step 1). protection and extraCerts are not
// part of it.
func EncodeProtectedPart(header PKIHeader, body PKIBody) ([]byte, error) {
	rawBody, err := encodeBody(body)
	if err != nil {
		return nil, errors.Wrap(err, "cmp: encode ProtectedPart body")
	}
	der, err := asn1.Marshal(ProtectedPart{Header: header, Body: rawBody})
	if err != nil {
		return nil, errors.Wrap(err, "cmp: marshal ProtectedPart")
	}
	return der, nil
}

// wrapImplicit re-tags a DER TLV's outer identifier as CONTEXT [tag],
// preserving its content bytes and constructed bit — the mechanical
// equivalent of RFC 4210's "CHOICE alternative is [n] IMPLICIT T".
func wrapImplicit(tag int, der []byte) (asn1.RawValue, error) {
	var generic asn1.RawValue
	if _, err := asn1.Unmarshal(der, &generic); err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: generic.IsCompound, Bytes: generic.Bytes}, nil
}

// unwrapImplicit is the inverse: it re-tags a context-tagged RawValue back
// to the universal tag its content struct expects, so asn1.Unmarshal can
// decode it generically.
func unwrapImplicit(raw asn1.RawValue, universalTag int, isCompound bool) ([]byte, error) {
	return asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: universalTag, IsCompound: isCompound, Bytes: raw.Bytes})
}

// wrapExplicit wraps der (a full TLV) as CONTEXT [tag] EXPLICIT, i.e. the
// original encoding becomes the content of a new constructed tag.
func wrapExplicit(tag int, der []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: true, Bytes: der}
}

func encodeBody(b PKIBody) (asn1.RawValue, error) {
	if b.Content == nil {
		// pass through whatever was preserved from the wire (unimplemented
		// body types, or a body this process never decoded).
		if b.Raw.FullBytes != nil || b.Raw.Bytes != nil {
			return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: b.Type, IsCompound: b.Raw.IsCompound, Bytes: b.Raw.Bytes}, nil
		}
		return asn1.RawValue{}, errors.Errorf("cmp: body type %d has no content to encode", b.Type)
	}
	if b.Type == BodyPKICONF {
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: b.Type, IsCompound: false, Bytes: nil}, nil
	}
	der, err := asn1.Marshal(b.Content)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return wrapImplicit(b.Type, der)
}

func decodeBody(raw asn1.RawValue) (PKIBody, error) {
	if raw.Class != asn1.ClassContextSpecific {
		return PKIBody{}, kerr.New(kerr.KindUnexpectedBodyType, "body tag class %d is not context-specific", raw.Class)
	}
	t := raw.Tag
	if !bodyTypeValid(t) {
		return PKIBody{}, kerr.New(kerr.KindUnexpectedBodyType, "body type %d out of range [0,%d]", t, maxBodyType)
	}

	body := PKIBody{Type: t, Raw: raw}

	decodeSeq := func(out interface{}) error {
		der, err := unwrapImplicit(raw, asn1.TagSequence, true)
		if err != nil {
			return err
		}
		rest, err := asn1.Unmarshal(der, out)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return errors.New("cmp: trailing bytes in body content")
		}
		return nil
	}

	switch t {
	case BodyIR, BodyCR, BodyKUR:
		var c CertReqMessages
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyIP, BodyCP, BodyKUP:
		var c CertRepMessage
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyP10CR:
		// CertificationRequest (PKCS#10), passed through verbatim; caller
		// re-parses with x509.ParseCertificateRequest.
		body.Content = raw.Bytes
	case BodyRR:
		var c RevReqContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyRP:
		var c RevRepContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyPKICONF:
		body.Content = struct{}{}
	case BodyGENM:
		var c GenMsgContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyGENP:
		var c GenRepContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyERROR:
		var c ErrorMsgContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyCERTCONF:
		var c CertConfirmContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyPOLLREQ:
		var c PollReqContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	case BodyPOLLREP:
		var c PollRepContent
		if err := decodeSeq(&c); err != nil {
			return PKIBody{}, err
		}
		body.Content = c
	default:
		// structurally valid but not a body this client constructs or
		// consumes beyond pass-through (POPDECC/POPDECR/KRR/KRP/CKUANN/
		// CANN/RANN/CRLANN/NESTED): keep Raw only.
	}
	return body, nil
}

// marshalPOPO encodes a POPO choice into the CertReqMsg.Popo raw value.
func marshalPOPO(p POPO) (asn1.RawValue, error) {
	switch p.Choice {
	case POPORAVerified:
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: POPORAVerified, IsCompound: false, Bytes: nil}, nil
	case POPOSignature:
		der, err := asn1.Marshal(*p.Signature)
		if err != nil {
			return asn1.RawValue{}, err
		}
		return wrapImplicit(POPOSignature, der)
	case POPOKeyEncipher:
		der, err := asn1.Marshal(*p.KeyEncipher)
		if err != nil {
			return asn1.RawValue{}, err
		}
		return wrapImplicit(POPOKeyEncipher, der)
	case POPOKeyAgreement:
		der, err := asn1.Marshal(*p.KeyAgreement)
		if err != nil {
			return asn1.RawValue{}, err
		}
		return wrapImplicit(POPOKeyAgreement, der)
	default:
		return asn1.RawValue{}, errors.Errorf("cmp: unknown POPO choice %d", p.Choice)
	}
}

func unmarshalPOPO(raw asn1.RawValue) (POPO, error) {
	switch raw.Tag {
	case POPORAVerified:
		return POPO{Choice: POPORAVerified, RAVerified: true}, nil
	case POPOSignature:
		der, err := unwrapImplicit(raw, asn1.TagSequence, true)
		if err != nil {
			return POPO{}, err
		}
		var sk POPOSigningKey
		if _, err := asn1.Unmarshal(der, &sk); err != nil {
			return POPO{}, err
		}
		return POPO{Choice: POPOSignature, Signature: &sk}, nil
	case POPOKeyEncipher:
		der, err := unwrapImplicit(raw, asn1.TagSequence, true)
		if err != nil {
			return POPO{}, err
		}
		var pk POPOPrivKey
		if _, err := asn1.Unmarshal(der, &pk); err != nil {
			return POPO{}, err
		}
		return POPO{Choice: POPOKeyEncipher, KeyEncipher: &pk}, nil
	case POPOKeyAgreement:
		der, err := unwrapImplicit(raw, asn1.TagSequence, true)
		if err != nil {
			return POPO{}, err
		}
		var pk POPOPrivKey
		if _, err := asn1.Unmarshal(der, &pk); err != nil {
			return POPO{}, err
		}
		return POPO{Choice: POPOKeyAgreement, KeyAgreement: &pk}, nil
	default:
		return POPO{}, errors.Errorf("cmp: unknown POPO tag %d", raw.Tag)
	}
}
