package cmp

import (
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContextDefaults(t *testing.T) {
	ctx := NewContext()
	assert.Equal(t, PopoSignature, ctx.PopoMethod)
	assert.Equal(t, CRLReasonNone, ctx.RevocationReason)
	assert.Equal(t, 500, ctx.PBM.IterationCount)
	assert.NotNil(t, ctx.TransferFunc)
	assert.Equal(t, -1, ctx.LastPKIStatusCode())
}

func TestWithClientIdentityOption(t *testing.T) {
	cert, key := genSelfSigned(t, "identity")
	ctx := NewContext(WithClientIdentity(cert, key))
	assert.Same(t, cert, ctx.ClCert)
	require.NotNil(t, ctx.ClKey)
}

func TestWithPBMSecretOption(t *testing.T) {
	ctx := NewContext(WithPBMSecret([]byte("ref"), []byte("secret")))
	assert.Equal(t, []byte("ref"), ctx.ReferenceValue)
	assert.Equal(t, []byte("secret"), ctx.SecretValue)
}

func TestLastPKIStatusGetters(t *testing.T) {
	ctx := NewContext()
	bits := asn1.BitString{Bytes: []byte{0x80, 0, 0, 0}, BitLength: 26}
	ctx.LastPKIStatus = &PKIStatusInfo{Status: StatusRejection, FailInfo: bits, StatusString: PKIFreeText{"no"}}

	assert.Equal(t, int(StatusRejection), ctx.LastPKIStatusCode())
	assert.Equal(t, uint32(1<<FailBadAlg), ctx.FailInfoCode())
	assert.Equal(t, []string{"no"}, ctx.StatusStrings())
}

func TestDeadlineZeroWhenNoTotalTimeout(t *testing.T) {
	ctx := NewContext()
	assert.True(t, ctx.deadline().IsZero())
}

func TestBeginTransactionSetsDeadlineAndClearsStatus(t *testing.T) {
	ctx := NewContext()
	ctx.TotalTimeout = 0
	ctx.LastPKIStatus = &PKIStatusInfo{Status: StatusAccepted}
	ctx.beginTransaction()
	assert.Nil(t, ctx.LastPKIStatus)
	assert.True(t, ctx.deadline().IsZero())

	ctx.TotalTimeout = 42
	ctx.beginTransaction()
	assert.False(t, ctx.deadline().IsZero())
}
