package cmp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCertTemplateSubjectAndPublicKey(t *testing.T) {
	_, key := genSelfSigned(t, "unused")
	ctx := NewContext(WithClientIdentity(nil, key))
	ctx.SubjectName = pkix.Name{CommonName: "new subject"}

	tmpl, controls, err := buildCertTemplate(ctx, nil, false)
	require.NoError(t, err)
	assert.Nil(t, controls)
	require.NotNil(t, tmpl.PublicKey)
	assert.NotEmpty(t, tmpl.Subject.Bytes)
}

func TestBuildCertTemplateKURAddsOldCertIDControl(t *testing.T) {
	oldCert, key := genSelfSigned(t, "rekey target")
	ctx := NewContext(WithClientIdentity(oldCert, key))
	ctx.OldClCert = oldCert
	ctx.NewClKey = key

	tmpl, controls, err := buildCertTemplate(ctx, nil, true)
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.True(t, controls[0].Type.Equal(oidRegCtrlOldCertID))
	assert.NotEmpty(t, tmpl.Subject.Bytes)
}

func TestMergeExtensionsOverridesByOID(t *testing.T) {
	base := []pkix.Extension{{Id: oidSubjectAltName, Value: []byte("old")}}
	incoming := []pkix.Extension{{Id: oidSubjectAltName, Value: []byte("new")}}

	merged := mergeExtensions(base, incoming)
	require.Len(t, merged, 1)
	assert.Equal(t, []byte("new"), merged[0].Value)
}

func TestMergeExtensionsAppendsDistinctOIDs(t *testing.T) {
	base := []pkix.Extension{{Id: oidSubjectAltName, Value: []byte("san")}}
	incoming := []pkix.Extension{{Id: oidCertificatePolicies, Value: []byte("pol")}}

	merged := mergeExtensions(base, incoming)
	require.Len(t, merged, 2)
}

func TestBuildPOPOSignatureMode(t *testing.T) {
	cert, key := genSelfSigned(t, "popo signer")
	ctx := NewContext(WithClientIdentity(cert, key))
	ctx.PopoMethod = PopoSignature

	certReq := CertRequest{CertReqID: big.NewInt(0)}
	popo, err := buildPOPO(ctx, certReq)
	require.NoError(t, err)
	require.Equal(t, POPOSignature, popo.Choice)
	assert.NotZero(t, popo.Signature.Signature.BitLength)
}

func TestBuildPOPORAVerifiedMode(t *testing.T) {
	ctx := NewContext()
	ctx.PopoMethod = PopoRAVerified
	popo, err := buildPOPO(ctx, CertRequest{CertReqID: big.NewInt(0)})
	require.NoError(t, err)
	assert.Equal(t, POPORAVerified, popo.Choice)
	assert.True(t, popo.RAVerified)
}

func TestBuildCertReqMsgProducesDecodablePopo(t *testing.T) {
	cert, key := genSelfSigned(t, "full req")
	ctx := NewContext(WithClientIdentity(cert, key))

	msg, err := buildCertReqMsg(ctx, 1, nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.CertReq.CertReqID.Int64())

	popo, err := unmarshalPOPO(msg.Popo)
	require.NoError(t, err)
	assert.Equal(t, POPOSignature, popo.Choice)
}

func TestBuildCertTemplateCSRSeedsPublicKeyAndExtensions(t *testing.T) {
	_, csrKey := genSelfSigned(t, "csr key")
	sanExt := pkix.Extension{Id: oidSubjectAltName, Value: []byte("csr-san")}
	csr := &x509.CertificateRequest{
		PublicKey:  &csrKey.PublicKey,
		Extensions: []pkix.Extension{sanExt},
	}

	ctx := NewContext()
	tmpl, _, err := buildCertTemplate(ctx, csr, false)
	require.NoError(t, err)
	require.NotNil(t, tmpl.PublicKey)

	gotSAN := findExtension(tmpl.Extensions, oidSubjectAltName)
	require.NotNil(t, gotSAN)
	assert.Equal(t, []byte("csr-san"), gotSAN.Value)

	gotSKI := findExtension(tmpl.Extensions, oidSubjectKeyIdentifier)
	require.NotNil(t, gotSKI)
	assert.NotEmpty(t, gotSKI.Value)
}

func TestBuildCertTemplateNewKeyOverridesCSRPublicKey(t *testing.T) {
	_, csrKey := genSelfSigned(t, "csr key")
	_, newKey := genSelfSigned(t, "new key")
	csr := &x509.CertificateRequest{PublicKey: &csrKey.PublicKey}

	ctx := NewContext()
	ctx.NewClKey = newKey

	tmpl, _, err := buildCertTemplate(ctx, csr, false)
	require.NoError(t, err)
	require.NotNil(t, tmpl.PublicKey)

	wantDER, err := x509.MarshalPKIXPublicKey(newKey.Public())
	require.NoError(t, err)
	gotDER, err := asn1.Marshal(*tmpl.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, wantDER, gotDER)
}
