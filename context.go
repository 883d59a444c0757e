package cmp

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"net"
	"time"

	"github.com/go-kit/kit/log"
)

// POPO method selector for Context.PopoMethod (spec §4.5).
const (
	PopoRAVerified = iota
	PopoSignature
	PopoKeyEnc
	PopoKeyAgree
)

// CRLReasonNone means "no revocation reason requested" (spec §4.6 RR).
const CRLReasonNone = -1

// TransferFunc performs one request/response exchange over the wire (spec
// §6). The synchronous transport adaptor (transport.go) is the default
// implementation; callers may substitute their own for testing or for an
// asynchronous transport.
type TransferFunc func(ctx *Context, requestDER []byte) (responseDER []byte, err error)

// HTTPWrapFunc wraps a plain TCP connection with TLS (spec §6); left nil to
// use net/http's default TLS behavior.
type HTTPWrapFunc func(conn net.Conn, serverName string) (net.Conn, error)

// CertConfCallback lets the caller inspect/override the certConf decision
// (spec §4.7 step 8). Returning a non-zero failInfo causes a rejecting
// CERTCONF, carrying reason as its statusString, to be sent instead of an
// accepting one; a reason returned with a zero failInfo is ignored.
type CertConfCallback func(ctx *Context, cert *x509.Certificate) (failInfo uint32, reason string)

// PBMConfig bundles the PBM parameters a caller configures (spec §3).
type PBMConfig struct {
	SaltLen        int
	OWF            pkix.AlgorithmIdentifier
	IterationCount int
	Mac            pkix.AlgorithmIdentifier
}

// Context is the mutable configuration + working-memory record a caller
// owns across a single transaction (spec §3). No field is global; a
// Context must not be shared between concurrent transactions (spec §5).
type Context struct {
	// Identity
	ClCert         *x509.Certificate
	ClKey          crypto.Signer
	NewClKey       crypto.Signer
	OldClCert      *x509.Certificate
	ReferenceValue []byte
	SecretValue    []byte

	// Peer identity expectations
	SrvCert                   *x509.Certificate
	TrustStore                *x509.CertPool
	UntrustedCerts            []*x509.Certificate
	ExpectedSender            pkix.Name
	PermitTAInExtraCertsForIR bool

	// Message parameters
	Recipient                  pkix.Name
	Issuer                     pkix.Name
	SubjectName                pkix.Name
	Days                       int
	ReqExtensions              []pkix.Extension
	SubjectAltNames            []string
	SubjectAltNameNoDefault    bool
	SetSubjectAltNameCritical  bool
	Policies                   []asn1.ObjectIdentifier
	SetPoliciesCritical        bool
	PopoMethod                 int
	RevocationReason           int
	Digest                     crypto.Hash
	PBM                        PBMConfig
	ExtraCertsOut              []*x509.Certificate

	// Transaction state (owned by the driver for the life of one call)
	TransactionID    []byte
	SenderNonce      []byte
	RecipNonce       []byte
	ExtraCertsIn     []*x509.Certificate
	CaPubs           []*x509.Certificate
	LastPKIStatus    *PKIStatusInfo
	NewClCert        *x509.Certificate
	ValidatedSrvCert *x509.Certificate
	EndTime          time.Time
	CertReqID        int64 // learned for P10CR, fixed at 0 otherwise

	// Flags
	ImplicitConfirm   bool
	DisableConfirm    bool
	UnprotectedSend   bool
	UnprotectedErrors bool
	IgnoreKeyUsage    bool

	// Transport
	ServerHost       string
	ServerPort       int
	ServerPath       string
	ProxyHost        string
	ProxyPort        int
	MsgTimeout       time.Duration
	TotalTimeout     time.Duration
	TransferFunc     TransferFunc
	HTTPWrapFunc     HTTPWrapFunc
	CertConfCallback CertConfCallback

	Logger log.Logger
}

// Option configures a Context at construction, mirroring the teacher's
// `type Option func(*config)` pattern (scep.go WithLogger/WithCACerts/
// WithCertsSelector).
type Option func(*Context)

// NewContext builds a Context with sane zero-state defaults: a PBM config
// of 16-byte salt, SHA-256 OWF, iteration count 500 and HMAC-SHA256, no
// revocation reason requested, and a no-op logger.
func NewContext(opts ...Option) *Context {
	c := &Context{
		PopoMethod:       PopoSignature,
		RevocationReason: CRLReasonNone,
		Digest:           crypto.SHA256,
		PBM: PBMConfig{
			SaltLen:        16,
			OWF:            pkix.AlgorithmIdentifier{Algorithm: oidSHA256},
			IterationCount: 500,
			Mac:            pkix.AlgorithmIdentifier{Algorithm: oidHMACSHA256},
		},
		Logger:       log.NewNopLogger(),
		TransferFunc: defaultTransfer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLogger adds a logger to the Context (mirrors teacher's WithLogger).
func WithLogger(logger log.Logger) Option {
	return func(c *Context) { c.Logger = logger }
}

// WithClientIdentity configures the client certificate and matching key
// used for signature protection and as the CertTemplate reference.
func WithClientIdentity(cert *x509.Certificate, key crypto.Signer) Option {
	return func(c *Context) {
		c.ClCert = cert
		c.ClKey = key
	}
}

// WithPBMSecret configures shared-secret (PBM) protection credentials.
func WithPBMSecret(referenceValue, secretValue []byte) Option {
	return func(c *Context) {
		c.ReferenceValue = referenceValue
		c.SecretValue = secretValue
	}
}

// WithPBMParams overrides the default PBM parameters.
func WithPBMParams(p PBMConfig) Option {
	return func(c *Context) { c.PBM = p }
}

// WithTrustStore configures the pool against which server certificates and
// chains are validated.
func WithTrustStore(pool *x509.CertPool) Option {
	return func(c *Context) { c.TrustStore = pool }
}

// WithServer configures the transport endpoint.
func WithServer(host string, port int, path string) Option {
	return func(c *Context) {
		c.ServerHost = host
		c.ServerPort = port
		c.ServerPath = path
	}
}

// WithProxy configures an HTTP CONNECT proxy for TLS tunneling.
func WithProxy(host string, port int) Option {
	return func(c *Context) {
		c.ProxyHost = host
		c.ProxyPort = port
	}
}

// WithTimeouts configures per-message and whole-transaction timeouts.
func WithTimeouts(msgTimeout, totalTimeout time.Duration) Option {
	return func(c *Context) {
		c.MsgTimeout = msgTimeout
		c.TotalTimeout = totalTimeout
	}
}

// WithSubject configures the requested subject name and SANs.
func WithSubject(subject pkix.Name, sans []string) Option {
	return func(c *Context) {
		c.SubjectName = subject
		c.SubjectAltNames = sans
	}
}

// WithValidityDays configures the requested certificate validity period.
func WithValidityDays(days int) Option {
	return func(c *Context) { c.Days = days }
}

// WithImplicitConfirm enables implicitConfirm generalInfo on outgoing
// messages. The certConf/pkiconf handshake is skipped only when the
// server's response also carries implicitConfirm.
func WithImplicitConfirm(v bool) Option {
	return func(c *Context) { c.ImplicitConfirm = v }
}

// WithUnprotectedErrors allows the exceptions of spec §4.3.4.
func WithUnprotectedErrors(v bool) Option {
	return func(c *Context) { c.UnprotectedErrors = v }
}

// WithTransferFunc overrides the default HTTP(S) TransferFunc, e.g. with a
// test double or an asynchronous transport (spec §5, §6).
func WithTransferFunc(f TransferFunc) Option {
	return func(c *Context) { c.TransferFunc = f }
}

// WithHTTPWrap configures the TLS-wrap callback used by the default
// transport's CONNECT-tunnel and direct-TLS paths (spec §4.8, §6).
func WithHTTPWrap(f HTTPWrapFunc) Option {
	return func(c *Context) { c.HTTPWrapFunc = f }
}

// WithCertConfCallback registers the certConf override callback (spec §4.7
// step 8).
func WithCertConfCallback(f CertConfCallback) Option {
	return func(c *Context) { c.CertConfCallback = f }
}

// LastPKIStatusCode returns the last received PKIStatus, or -1 if none has
// been received yet (spec §6 getter: lastPKIStatus).
func (c *Context) LastPKIStatusCode() int {
	if c.LastPKIStatus == nil {
		return -1
	}
	return int(c.LastPKIStatus.Status)
}

// FailInfoCode returns the last received failInfo bit mask (spec §6
// getter: failInfoCode).
func (c *Context) FailInfoCode() uint32 {
	if c.LastPKIStatus == nil {
		return 0
	}
	return c.LastPKIStatus.FailInfoBits()
}

// StatusStrings returns the last received statusString entries (spec §6
// getter: statusString).
func (c *Context) StatusStrings() []string {
	if c.LastPKIStatus == nil {
		return nil
	}
	return []string(c.LastPKIStatus.StatusString)
}

// deadline returns the time by which the whole transaction must complete.
// A zero TotalTimeout means "infinite" (spec §4.9 step 1).
func (c *Context) deadline() time.Time {
	if c.TotalTimeout <= 0 {
		return time.Time{}
	}
	return c.EndTime
}

// beginTransaction sets the transaction deadline and clears LastPKIStatus
// at the start of one exec_* call (spec §4.9 step 1). The other
// transaction-state fields (transactionID, nonces, accumulated certs) are
// left as they are.
func (c *Context) beginTransaction() {
	if c.TotalTimeout > 0 {
		c.EndTime = time.Now().Add(c.TotalTimeout)
	} else {
		c.EndTime = time.Time{}
	}
	c.LastPKIStatus = nil
}
