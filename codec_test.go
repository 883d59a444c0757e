package cmp

import (
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func simpleHeader() PKIHeader {
	return PKIHeader{
		PVNO:          pkiVersion2,
		Sender:        nullDN(),
		Recipient:     nullDN(),
		MessageTime:   time.Now().UTC().Truncate(time.Second),
		TransactionID: []byte("0123456789abcdef"),
		SenderNonce:   []byte("fedcba9876543210"),
	}
}

func TestEncodeDecodeMessagePKICONFRoundTrip(t *testing.T) {
	msg := &PKIMessage{
		Header: simpleHeader(),
		Body:   PKIBody{Type: BodyPKICONF, Content: struct{}{}},
	}
	der, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(der)
	require.NoError(t, err)
	require.Equal(t, BodyPKICONF, decoded.Body.Type)
	require.Equal(t, msg.Header.TransactionID, decoded.Header.TransactionID)
}

func TestEncodeDecodeMessageGENMRoundTrip(t *testing.T) {
	itavs := GenMsgContent{{InfoType: oidITImplicitConfirm, InfoValue: asn1.RawValue{Tag: asn1.TagNull}}}
	msg := &PKIMessage{
		Header: simpleHeader(),
		Body:   PKIBody{Type: BodyGENM, Content: itavs},
	}
	der, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(der)
	require.NoError(t, err)
	got, ok := decoded.Body.Content.(GenMsgContent)
	require.True(t, ok)
	require.Len(t, got, 1)
	require.True(t, got[0].InfoType.Equal(oidITImplicitConfirm))
}

func TestDecodeMessageRejectsBadBodyTag(t *testing.T) {
	// A body tagged as universal SEQUENCE, not context-specific, must be
	// rejected by decodeBody.
	raw := asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true}
	_, err := decodeBody(raw)
	require.Error(t, err)
}

func TestPOPOSignatureRoundTrip(t *testing.T) {
	popo := POPO{
		Choice: POPOSignature,
		Signature: &POPOSigningKey{
			Signature: asn1.BitString{Bytes: []byte{1, 2, 3, 4}, BitLength: 32},
		},
	}
	raw, err := marshalPOPO(popo)
	require.NoError(t, err)

	der, err := asn1.Marshal(raw)
	require.NoError(t, err)
	var rv asn1.RawValue
	_, err = asn1.Unmarshal(der, &rv)
	require.NoError(t, err)

	back, err := unmarshalPOPO(rv)
	require.NoError(t, err)
	require.Equal(t, POPOSignature, back.Choice)
	require.Equal(t, popo.Signature.Signature.Bytes, back.Signature.Signature.Bytes)
}

func TestPOPORAVerifiedRoundTrip(t *testing.T) {
	raw, err := marshalPOPO(POPO{Choice: POPORAVerified})
	require.NoError(t, err)
	der, err := asn1.Marshal(raw)
	require.NoError(t, err)
	var rv asn1.RawValue
	_, err = asn1.Unmarshal(der, &rv)
	require.NoError(t, err)

	back, err := unmarshalPOPO(rv)
	require.NoError(t, err)
	require.Equal(t, POPORAVerified, back.Choice)
	require.True(t, back.RAVerified)
}

func TestWrapUnwrapImplicit(t *testing.T) {
	inner := CertReqMessages{}
	der, err := asn1.Marshal(inner)
	require.NoError(t, err)

	wrapped, err := wrapImplicit(BodyIR, der)
	require.NoError(t, err)
	require.Equal(t, asn1.ClassContextSpecific, wrapped.Class)
	require.Equal(t, BodyIR, wrapped.Tag)

	back, err := unwrapImplicit(wrapped, asn1.TagSequence, true)
	require.NoError(t, err)

	var out CertReqMessages
	rest, err := asn1.Unmarshal(back, &out)
	require.NoError(t, err)
	require.Empty(t, rest)
}
