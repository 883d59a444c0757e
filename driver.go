package cmp

import (
	"crypto/x509"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/mpeylo/cmpossl-go/kerr"
)

// ExecIR runs an Initialization Request transaction (spec §4.9). csr is
// optional: when supplied, its public key and extensions seed the
// CertTemplate ahead of any existing key/extensions (spec §4.5).
func (ctx *Context) ExecIR(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	return ctx.execCertRequest(BodyIR, csr, false)
}

// ExecCR runs a Certification Request transaction (spec §4.9). See ExecIR
// for csr's role.
func (ctx *Context) ExecCR(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	return ctx.execCertRequest(BodyCR, csr, false)
}

// ExecKUR runs a Key Update Request transaction (spec §4.9). See ExecIR
// for csr's role.
func (ctx *Context) ExecKUR(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	return ctx.execCertRequest(BodyKUR, csr, true)
}

// ExecP10CR runs a PKCS#10-carried certification request (spec §4.9).
func (ctx *Context) ExecP10CR(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	return ctx.execCertRequest(BodyP10CR, csr, false)
}

// ExecRR runs a Revocation Request transaction (spec §4.9), returning
// whether the revocation was granted.
func (ctx *Context) ExecRR() (bool, error) {
	ctx.beginTransaction()

	body, err := newRRBody(ctx)
	if err != nil {
		return false, err
	}
	msg, err := ctx.exchange(body, []int{BodyRP}, false, false)
	if err != nil {
		return false, err
	}

	rp, ok := msg.Body.Content.(RevRepContent)
	if !ok || len(rp.Status) != 1 {
		return false, kerr.New(kerr.KindMultipleResponsesNotSupported, "rp carries %d status entries, want 1", len(rp.Status))
	}
	status := rp.Status[0]
	ctx.LastPKIStatus = &status

	switch status.Status {
	case StatusAccepted, StatusGrantedWithMods, StatusRevocationWarning, StatusRevocationNotification:
		return true, nil
	case StatusRejection:
		return false, kerr.New(kerr.KindRevocationRejected, "revocation rejected: %s", status.Pretty()).WithDetail(status.Pretty())
	default:
		return false, kerr.New(kerr.KindUnexpectedStatus, "unexpected revocation status %v", status.Status)
	}
}

// ExecGENM runs a General Message transaction (spec §4.9), returning the
// server's ITAV list.
func (ctx *Context) ExecGENM(itavs []InfoTypeAndValue) ([]InfoTypeAndValue, error) {
	ctx.beginTransaction()

	msg, err := ctx.exchange(newGenMsgBody(itavs), []int{BodyGENP}, false, false)
	if err != nil {
		return nil, err
	}
	genp, ok := msg.Body.Content.(GenRepContent)
	if !ok {
		return nil, kerr.New(kerr.KindUnexpectedBodyType, "genp body missing decoded content")
	}
	return []InfoTypeAndValue(genp), nil
}

// repBodyTypeFor returns the single expected successful response body type
// for a cert-issuing request type (spec §4.9 step 3).
func repBodyTypeFor(reqType int) int {
	switch reqType {
	case BodyIR:
		return BodyIP
	case BodyKUR:
		return BodyKUP
	default: // BodyCR, BodyP10CR
		return BodyCP
	}
}

// execCertRequest implements spec §4.9 steps 1-5 for ir/cr/kur/p10cr: build,
// send, classify, poll-on-waiting, confirm, and return the new certificate.
func (ctx *Context) execCertRequest(bodyType int, csr *x509.CertificateRequest, forKUR bool) (*x509.Certificate, error) {
	ctx.beginTransaction()
	if bodyType == BodyP10CR {
		ctx.CertReqID = unlearnedCertReqID
	} else {
		ctx.CertReqID = 0
	}

	body, err := newRequestBody(ctx, bodyType, csr)
	if err != nil {
		return nil, err
	}
	repType := repBodyTypeFor(bodyType)

	forIR := bodyType == BodyIR
	msg, err := ctx.exchange(body, []int{repType}, true, forIR)
	if err != nil {
		return nil, err
	}

	for {
		outcome, err := classifyCertResponse(ctx, msg.Body, forKUR)
		if err != nil {
			return nil, err
		}
		if outcome.Waiting {
			msg, err = ctx.poll(outcome.CertReqID, []int{repType}, forIR)
			if err != nil {
				return nil, err
			}
			continue
		}

		ctx.NewClCert = outcome.Cert
		if !ctx.DisableConfirm && !hasImplicitConfirm(msg.Header) {
			if err := ctx.sendCertConf(outcome.Cert); err != nil {
				return nil, err
			}
		}
		return outcome.Cert, nil
	}
}

// sendCertConf implements spec §4.7 steps 8-10: build a CERTCONF (honoring
// the caller's CertConfCallback override), require a PKICONF, then surface
// any local rejection as CertificateNotAccepted.
func (ctx *Context) sendCertConf(cert *x509.Certificate) error {
	var failInfo uint32
	var reason string
	if ctx.CertConfCallback != nil {
		failInfo, reason = ctx.CertConfCallback(ctx, cert)
	}

	body, err := newCertConfBody(ctx, cert, failInfo, reason)
	if err != nil {
		return err
	}
	if _, err := ctx.exchange(body, []int{BodyPKICONF}, false, false); err != nil {
		return err
	}
	if failInfo != 0 {
		return kerr.New(kerr.KindCertificateNotAccepted, "certConf rejected locally: %s", reason).WithDetail(reason)
	}
	return nil
}

// hasImplicitConfirm reports whether h carries the implicitConfirm
// generalInfo (spec §4.7 step 9).
func hasImplicitConfirm(h PKIHeader) bool {
	for _, itav := range h.GeneralInfo {
		if itav.InfoType.Equal(oidITImplicitConfirm) {
			return true
		}
	}
	return false
}

// exchange implements the send-receive-check subroutine (spec §4.4 receiver
// + §4.8): build and send a protected request, decode and validate the
// response header/protection/extraCerts, and enforce that the response body
// type is one of allowed (plus POLLREP when allowPollRep). forIR marks an
// IR/IP transaction, letting a signature-protected IP response invoke the
// 3GPP TS 33.310 trust-anchor exception (spec §4.3.3 step 3b).
func (ctx *Context) exchange(body PKIBody, allowed []int, allowPollRep, forIR bool) (*PKIMessage, error) {
	msg, err := buildProtectedMessage(ctx, body)
	if err != nil {
		return nil, err
	}
	requestDER, err := EncodeMessage(msg)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindErrorDecodingMessage, "encode outgoing PKIMessage")
	}
	if ctx.TransferFunc == nil {
		return nil, kerr.New(kerr.KindMissingInput, "no transfer function configured")
	}

	responseDER, err := ctx.TransferFunc(ctx, requestDER)
	if err != nil {
		return nil, err
	}

	respMsg, err := DecodeMessage(responseDER)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindErrorDecodingMessage, "decode response PKIMessage")
	}
	if err := checkHeader(ctx, respMsg.Header); err != nil {
		return nil, err
	}
	absorbExtraCerts(ctx, respMsg.ExtraCerts)

	if respMsg.Protection.BitLength > 0 || !unprotectedAllowed(ctx, respMsg.Body) {
		var candidateNewCert *x509.Certificate
		if forIR && respMsg.Body.Type == BodyIP {
			candidateNewCert = peekCandidateCert(ctx, respMsg.Body)
		}
		if err := verify(ctx, respMsg.Header, respMsg.Body, respMsg.Protection, candidateNewCert); err != nil {
			return nil, err
		}
	} else {
		level.Warn(ctx.Logger).Log("msg", "accepting unprotected response under unprotectedErrors", "cmp_body_type", respMsg.Body.Type)
	}

	if respMsg.Body.Type == BodyERROR {
		errBody, _ := respMsg.Body.Content.(ErrorMsgContent)
		return nil, kerr.New(kerr.KindRequestRejected, "server returned ERROR: %s", errBody.PKIStatusInfo.Pretty()).WithDetail(errBody.PKIStatusInfo.Pretty())
	}

	for _, t := range allowed {
		if respMsg.Body.Type == t {
			return respMsg, nil
		}
	}
	if allowPollRep && respMsg.Body.Type == BodyPOLLREP {
		return respMsg, nil
	}
	return nil, kerr.New(kerr.KindUnexpectedBodyType, "unexpected response body type %d", respMsg.Body.Type)
}

// poll implements the polling subroutine (spec §4.9): issue a POLLREQ,
// accept either a single-entry POLLREP (sleeping for its checkAfter, capped
// to leave a 5s margin before the deadline) or a terminal cert_response,
// looping until a terminal response arrives or the deadline is exhausted.
// forIR is threaded through to exchange so a terminal IP response still
// triggers the 3GPP trust-anchor exception.
func (ctx *Context) poll(certReqID int64, terminalTypes []int, forIR bool) (*PKIMessage, error) {
	for {
		deadline := ctx.deadline()
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, kerr.New(kerr.KindTotalTimeout, "transaction deadline passed while polling")
		}

		msg, err := ctx.exchange(newPollReqBody(certReqID), terminalTypes, true, forIR)
		if err != nil {
			return nil, err
		}
		if msg.Body.Type != BodyPOLLREP {
			return msg, nil
		}

		pr, ok := msg.Body.Content.(PollRepContent)
		if !ok || len(pr) != 1 {
			return nil, kerr.New(kerr.KindMultipleResponsesNotSupported, "pollRep carries %d entries, want 1", len(pr))
		}
		entry := pr[0]
		if entry.CheckAfter < 0 {
			return nil, kerr.New(kerr.KindInvalidParameter, "checkAfter %d is negative", entry.CheckAfter)
		}

		wait := time.Duration(entry.CheckAfter) * time.Second
		if !deadline.IsZero() {
			lastChance := deadline.Add(-5 * time.Second)
			if time.Now().Add(wait).After(lastChance) {
				wait = time.Until(lastChance)
			}
			if wait <= 0 {
				return nil, kerr.New(kerr.KindTotalTimeout, "no time remains before the transaction deadline")
			}
		}
		level.Debug(ctx.Logger).Log("msg", "polling", "certReqId", certReqID, "checkAfter", entry.CheckAfter)
		time.Sleep(wait)
	}
}
