package cmp

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPbmBaseKeyMatchesIteratedOWF(t *testing.T) {
	secret := []byte("shared-secret")
	params := PBMParameter{
		Salt:           []byte("saltsaltsaltsalt"),
		Owf:            pkix.AlgorithmIdentifier{Algorithm: oidSHA256},
		IterationCount: 7,
		Mac:            pkix.AlgorithmIdentifier{Algorithm: oidHMACSHA256},
	}

	got, err := pbmBaseKey(secret, params)
	require.NoError(t, err)

	want := sha256.Sum256(append(append([]byte{}, secret...), params.Salt...))
	wantSlice := want[:]
	for i := 1; i < params.IterationCount; i++ {
		next := sha256.Sum256(wantSlice)
		wantSlice = next[:]
	}
	assert.Equal(t, wantSlice, got)
}

func TestProtectionAlgForPBMRejectsBelowMinIterationCount(t *testing.T) {
	ctx := NewContext(WithPBMSecret([]byte("ref"), []byte("secret")))
	ctx.PBM.IterationCount = PBMMinIterationCount - 1

	_, err := protectionAlgForPBM(ctx)
	assert.Error(t, err)
}

func TestProtectVerifyPBMRoundTrip(t *testing.T) {
	ctx := NewContext(WithPBMSecret([]byte("myRef"), []byte("supersecret")))
	header, err := buildHeader(ctx, nil)
	require.NoError(t, err)

	alg, err := protectionAlgForPBM(ctx)
	require.NoError(t, err)
	header.ProtectionAlg = alg

	body := PKIBody{Type: BodyPKICONF, Content: struct{}{}}

	tag, err := protect(ctx, header, body)
	require.NoError(t, err)
	assert.NotZero(t, tag.BitLength)

	err = verify(ctx, header, body, tag, nil)
	assert.NoError(t, err)
}

func TestVerifyPBMRejectsTamperedBody(t *testing.T) {
	ctx := NewContext(WithPBMSecret([]byte("myRef"), []byte("supersecret")))
	header, err := buildHeader(ctx, nil)
	require.NoError(t, err)
	alg, err := protectionAlgForPBM(ctx)
	require.NoError(t, err)
	header.ProtectionAlg = alg

	body := PKIBody{Type: BodyPKICONF, Content: struct{}{}}
	tag, err := protect(ctx, header, body)
	require.NoError(t, err)

	tampered := PKIBody{Type: BodyGENM, Content: GenMsgContent{}}
	err = verify(ctx, header, tampered, tag, nil)
	assert.Error(t, err)
}

func TestProtectVerifySignatureRoundTrip(t *testing.T) {
	cert, key := genSelfSigned(t, "signer")
	ctx := NewContext(WithClientIdentity(cert, key))

	header, err := buildHeader(ctx, nil)
	require.NoError(t, err)
	alg, err := sigOIDForKey(ctx.ClKey, ctx.Digest)
	require.NoError(t, err)
	header.ProtectionAlg = alg

	body := PKIBody{Type: BodyPKICONF, Content: struct{}{}}
	sig, err := protect(ctx, header, body)
	require.NoError(t, err)

	ctx.SrvCert = cert
	err = verify(ctx, header, body, sig, nil)
	assert.NoError(t, err)
}

func TestUnprotectedAllowedExceptions(t *testing.T) {
	ctx := NewContext()
	ctx.UnprotectedErrors = true

	assert.True(t, unprotectedAllowed(ctx, PKIBody{Type: BodyERROR}))
	assert.True(t, unprotectedAllowed(ctx, PKIBody{Type: BodyPKICONF}))
	assert.False(t, unprotectedAllowed(ctx, PKIBody{Type: BodyIP, Content: CertRepMessage{}}))

	ctx.UnprotectedErrors = false
	assert.False(t, unprotectedAllowed(ctx, PKIBody{Type: BodyERROR}))
}

func TestUnprotectedAllowedRejectionOnly(t *testing.T) {
	ctx := NewContext()
	ctx.UnprotectedErrors = true

	rejecting := PKIBody{Type: BodyIP, Content: CertRepMessage{Response: []CertResponse{
		{Status: PKIStatusInfo{Status: StatusRejection}},
	}}}
	assert.True(t, unprotectedAllowed(ctx, rejecting))

	accepting := PKIBody{Type: BodyIP, Content: CertRepMessage{Response: []CertResponse{
		{Status: PKIStatusInfo{Status: StatusAccepted}},
	}}}
	assert.False(t, unprotectedAllowed(ctx, accepting))
}
