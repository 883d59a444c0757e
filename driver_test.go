package cmp

import (
	"crypto"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePBMServer answers every request with a PBM-protected response built
// under the same shared secret as the client, letting exchange()'s real
// verify() path run end to end without a network.
type fakePBMServer struct {
	secretCtx  *Context
	issuedCert *x509.Certificate
}

func newFakePBMServer(secret []byte, issuedCert *x509.Certificate) *fakePBMServer {
	return &fakePBMServer{
		secretCtx:  NewContext(WithPBMSecret([]byte("server-ref"), secret)),
		issuedCert: issuedCert,
	}
}

func (s *fakePBMServer) respond(reqDER []byte, body PKIBody) ([]byte, error) {
	reqMsg, err := DecodeMessage(reqDER)
	if err != nil {
		return nil, err
	}

	header := PKIHeader{
		PVNO:          pkiVersion2,
		Sender:        nullDN(),
		Recipient:     nullDN(),
		MessageTime:   time.Now(),
		TransactionID: reqMsg.Header.TransactionID,
		RecipNonce:    reqMsg.Header.SenderNonce,
	}
	senderNonce, err := csprng(16)
	if err != nil {
		return nil, err
	}
	header.SenderNonce = senderNonce

	alg, err := protectionAlgForPBM(s.secretCtx)
	if err != nil {
		return nil, err
	}
	header.ProtectionAlg = alg

	tag, err := protect(s.secretCtx, header, body)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(&PKIMessage{Header: header, Body: body, Protection: tag})
}

func (s *fakePBMServer) transfer(reqDER []byte) ([]byte, error) {
	reqMsg, err := DecodeMessage(reqDER)
	if err != nil {
		return nil, err
	}
	var body PKIBody
	switch reqMsg.Body.Type {
	case BodyIR, BodyCR, BodyKUR:
		body = acceptedCertRepBody(s.issuedCert, 0)
	default:
		body = PKIBody{Type: BodyPKICONF, Content: struct{}{}}
	}
	return s.respond(reqDER, body)
}

func TestExecIRSuccessOverPBM(t *testing.T) {
	cert, key := genSelfSigned(t, "issued via ir")
	secret := []byte("sharedPBMsecret!")

	server := newFakePBMServer(secret, cert)

	ctx := NewContext(WithPBMSecret([]byte("client-ref"), secret))
	ctx.NewClKey = key
	ctx.TransferFunc = func(_ *Context, der []byte) ([]byte, error) { return server.transfer(der) }

	got, err := ctx.ExecIR(nil)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, got.Raw)
	assert.Equal(t, StatusAccepted, ctx.LastPKIStatus.Status)
}

func TestExecIRImplicitConfirmSkipsCertConfRoundTrip(t *testing.T) {
	cert, key := genSelfSigned(t, "implicit confirm")
	secret := []byte("sharedPBMsecret!")

	server := newFakePBMServer(secret, cert)
	requests := 0

	ctx := NewContext(WithPBMSecret([]byte("client-ref"), secret), WithImplicitConfirm(true))
	ctx.NewClKey = key
	ctx.TransferFunc = func(_ *Context, der []byte) ([]byte, error) {
		requests++
		return server.respondWithImplicitConfirm(der, acceptedCertRepBody(cert, 0))
	}

	got, err := ctx.ExecIR(nil)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, got.Raw)
	assert.Equal(t, 1, requests, "implicitConfirm must suppress the certConf/pkiconf round trip")
}

func (s *fakePBMServer) respondWithImplicitConfirm(reqDER []byte, body PKIBody) ([]byte, error) {
	reqMsg, err := DecodeMessage(reqDER)
	if err != nil {
		return nil, err
	}
	header := PKIHeader{
		PVNO:          pkiVersion2,
		Sender:        nullDN(),
		Recipient:     nullDN(),
		MessageTime:   time.Now(),
		TransactionID: reqMsg.Header.TransactionID,
		RecipNonce:    reqMsg.Header.SenderNonce,
		GeneralInfo:   []InfoTypeAndValue{{InfoType: oidITImplicitConfirm}},
	}
	senderNonce, err := csprng(16)
	if err != nil {
		return nil, err
	}
	header.SenderNonce = senderNonce

	alg, err := protectionAlgForPBM(s.secretCtx)
	if err != nil {
		return nil, err
	}
	header.ProtectionAlg = alg

	tag, err := protect(s.secretCtx, header, body)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(&PKIMessage{Header: header, Body: body, Protection: tag})
}

func TestExecRRRevocationGranted(t *testing.T) {
	oldCert, _ := genSelfSigned(t, "to revoke")
	secret := []byte("revokeSecret1234")

	ctx := NewContext(WithPBMSecret([]byte("client-ref"), secret))
	ctx.OldClCert = oldCert
	serverCtx := NewContext(WithPBMSecret([]byte("server-ref"), secret))

	ctx.TransferFunc = func(_ *Context, der []byte) ([]byte, error) {
		reqMsg, err := DecodeMessage(der)
		require.NoError(t, err)
		body := PKIBody{Type: BodyRP, Content: RevRepContent{Status: []PKIStatusInfo{{Status: StatusRevocationWarning}}}}
		header := PKIHeader{
			PVNO:          pkiVersion2,
			Sender:        nullDN(),
			Recipient:     nullDN(),
			MessageTime:   time.Now(),
			TransactionID: reqMsg.Header.TransactionID,
			RecipNonce:    reqMsg.Header.SenderNonce,
		}
		senderNonce, err := csprng(16)
		require.NoError(t, err)
		header.SenderNonce = senderNonce
		alg, err := protectionAlgForPBM(serverCtx)
		require.NoError(t, err)
		header.ProtectionAlg = alg
		tag, err := protect(serverCtx, header, body)
		require.NoError(t, err)
		return EncodeMessage(&PKIMessage{Header: header, Body: body, Protection: tag})
	}

	granted, err := ctx.ExecRR()
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestHasImplicitConfirm(t *testing.T) {
	h := PKIHeader{GeneralInfo: []InfoTypeAndValue{{InfoType: oidITImplicitConfirm}}}
	assert.True(t, hasImplicitConfirm(h))
	assert.False(t, hasImplicitConfirm(PKIHeader{}))
}

// TestExecIRAcceptsSenderCertViaTAInExtraCertsException exercises the 3GPP
// TS 33.310 exception (spec §4.3.3 step 3b): the IP's signer certificate
// chains to no configured TrustStore root, but both it and the newly issued
// certificate chain to a self-signed anchor carried only in UntrustedCerts,
// with PermitTAInExtraCertsForIR enabled.
func TestExecIRAcceptsSenderCertViaTAInExtraCertsException(t *testing.T) {
	caCert, caKey := genSelfSignedCA(t, "offline root")
	senderCert, senderKey := genIssuedCert(t, caCert, caKey, "ra signer")
	newCert, newKey := genIssuedCert(t, caCert, caKey, "issued client")
	clientCert, clientKey := genSelfSigned(t, "existing identity")

	ctx := NewContext(WithClientIdentity(clientCert, clientKey))
	ctx.NewClKey = newKey
	ctx.PermitTAInExtraCertsForIR = true
	ctx.TrustStore = x509.NewCertPool()
	ctx.UntrustedCerts = []*x509.Certificate{caCert, senderCert}

	ctx.TransferFunc = func(_ *Context, der []byte) ([]byte, error) {
		reqMsg, err := DecodeMessage(der)
		require.NoError(t, err)

		senderName, err := directoryNameRawValue(senderCert.Subject)
		require.NoError(t, err)
		header := PKIHeader{
			PVNO:          pkiVersion2,
			Sender:        senderName,
			Recipient:     nullDN(),
			MessageTime:   time.Now(),
			TransactionID: reqMsg.Header.TransactionID,
			RecipNonce:    reqMsg.Header.SenderNonce,
		}
		senderNonce, err := csprng(16)
		require.NoError(t, err)
		header.SenderNonce = senderNonce

		alg, err := sigOIDForKey(senderKey, crypto.SHA256)
		require.NoError(t, err)
		header.ProtectionAlg = alg

		var body PKIBody
		if reqMsg.Body.Type == BodyIR {
			body = acceptedCertRepBody(newCert, 0)
		} else {
			body = PKIBody{Type: BodyPKICONF, Content: struct{}{}}
		}
		tag, err := protect(&Context{ClKey: senderKey}, header, body)
		require.NoError(t, err)

		return EncodeMessage(&PKIMessage{Header: header, Body: body, Protection: tag})
	}

	got, err := ctx.ExecIR(nil)
	require.NoError(t, err)
	assert.Equal(t, newCert.Raw, got.Raw)
}

func TestRepBodyTypeFor(t *testing.T) {
	assert.Equal(t, BodyIP, repBodyTypeFor(BodyIR))
	assert.Equal(t, BodyKUP, repBodyTypeFor(BodyKUR))
	assert.Equal(t, BodyCP, repBodyTypeFor(BodyCR))
	assert.Equal(t, BodyCP, repBodyTypeFor(BodyP10CR))
}
