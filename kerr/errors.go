// Package kerr defines the stable error taxonomy used across the cmp
// client (spec §7): every fallible operation returns an explicit Error
// carrying a Kind plus optional formatted detail, instead of relying on an
// ambient error queue.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the abstract error categories from spec §7.
type Kind string

const (
	// Configuration
	KindMissingInput        Kind = "missing_input"
	KindInvalidParameter     Kind = "invalid_parameter"
	KindUnsupportedAlgorithm Kind = "unsupported_algorithm"

	// Protocol
	KindTransactionIDUnmatched     Kind = "transaction_id_unmatched"
	KindRecipNonceUnmatched        Kind = "recip_nonce_unmatched"
	KindUnexpectedPVNO             Kind = "unexpected_pvno"
	KindUnexpectedBodyType         Kind = "unexpected_body_type"
	KindUnexpectedStatus           Kind = "unexpected_status"
	KindWaitingNotAllowed           Kind = "waiting_not_allowed"
	KindMultipleResponsesNotSupported Kind = "multiple_responses_not_supported"
	KindWrongCertID                Kind = "wrong_cert_id"

	// Cryptographic
	KindSignatureVerifyFailed           Kind = "signature_verify_failed"
	KindPBMTagMismatch                  Kind = "pbm_tag_mismatch"
	KindKeyCertMismatch                 Kind = "key_cert_mismatch"
	KindUntrustedServerCert             Kind = "untrusted_server_cert"
	KindMissingKeyUsageDigitalSignature Kind = "missing_key_usage_digital_signature"
	KindWrongAlgorithmOID               Kind = "wrong_algorithm_oid"
	KindAlgorithmNotSupported            Kind = "algorithm_not_supported"
	KindErrorValidatingProtection        Kind = "error_validating_protection"
	KindBadKey                           Kind = "bad_key"
	KindInvalidInput                     Kind = "invalid_input"
	KindRngFailure                       Kind = "rng_failure"

	// Transport
	KindFailedToSendRequest    Kind = "failed_to_send_request"
	KindFailedToReceive        Kind = "failed_to_receive_pki_message"
	KindErrorDecodingMessage   Kind = "error_decoding_message"
	KindReadTimeout            Kind = "read_timeout"
	KindTLSError               Kind = "tls_error"
	KindErrorConnecting        Kind = "error_connecting"
	KindConnectTimeout         Kind = "connect_timeout"
	KindTotalTimeout           Kind = "total_timeout"

	// Application
	KindRequestRejected          Kind = "request_rejected"
	KindCertificateNotAccepted   Kind = "certificate_not_accepted"
	KindRevocationRejected       Kind = "revocation_rejected"
	KindIncorrectData            Kind = "incorrect_data"
)

// Error is the structured failure value returned across the package
// boundary (spec §7: "transaction entry points ... never throw across the
// boundary").
type Error struct {
	Kind   Kind
	Msg    string
	Detail string // pretty-printed PKIStatusInfo, when known
	cause  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("cmp: %s: %s", e.Kind, e.Msg)
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

// Unwrap allows errors.Is/errors.As to reach the underlying failure. Error
// has no Cause method, so pkg/errors Cause() stops at the *Error itself.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a causal error, the way the
// teacher wraps parse/decrypt failures with pkg/errors.
func Wrap(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// WithDetail attaches a pretty-printed PKIStatusInfo snapshot to the error
// before it is returned to the caller (spec §7 propagation policy).
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
