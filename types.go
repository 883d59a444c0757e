package cmp

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// PKIBody type tags, RFC 4210 §5.1.2. Undefined values are rejected by
// decodeBody when a message is decoded.
const (
	BodyIR       = 0
	BodyIP       = 1
	BodyCR       = 2
	BodyCP       = 3
	BodyP10CR    = 4
	BodyPOPDECC  = 5
	BodyPOPDECR  = 6
	BodyKUR      = 7
	BodyKUP      = 8
	BodyKRR      = 9
	BodyKRP      = 10
	BodyRR       = 11
	BodyRP       = 12
	BodyCCR      = 13
	BodyCCP      = 14
	BodyCKUANN   = 15
	BodyCANN     = 16
	BodyRANN     = 17
	BodyCRLANN   = 18
	BodyPKICONF  = 19
	BodyNESTED   = 20
	BodyGENM     = 21
	BodyGENP     = 22
	BodyERROR    = 23
	BodyCERTCONF = 24
	BodyPOLLREQ  = 25
	BodyPOLLREP  = 26

	maxBodyType = BodyPOLLREP
)

func bodyTypeValid(t int) bool {
	return t >= BodyIR && t <= maxBodyType
}

// PKIStatus, RFC 4210 §5.2.3.
type PKIStatus int

const (
	StatusAccepted               PKIStatus = 0
	StatusGrantedWithMods        PKIStatus = 1
	StatusRejection              PKIStatus = 2
	StatusWaiting                PKIStatus = 3
	StatusRevocationWarning      PKIStatus = 4
	StatusRevocationNotification PKIStatus = 5
	StatusKeyUpdateWarning       PKIStatus = 6
)

func (s PKIStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusGrantedWithMods:
		return "grantedWithMods"
	case StatusRejection:
		return "rejection"
	case StatusWaiting:
		return "waiting"
	case StatusRevocationWarning:
		return "revocationWarning"
	case StatusRevocationNotification:
		return "revocationNotification"
	case StatusKeyUpdateWarning:
		return "keyUpdateWarning"
	default:
		return "unknown status"
	}
}

// PKIFailureInfo bit positions, RFC 4210 §5.2.3. 27 bits, badAlg (0) ..
// duplicateCertReq (26).
const (
	FailBadAlg                 = 0
	FailBadMessageCheck        = 1
	FailBadRequest             = 2
	FailBadTime                = 3
	FailBadCertID              = 4
	FailBadDataFormat          = 5
	FailWrongAuthority         = 6
	FailIncorrectData          = 7
	FailMissingTimeStamp       = 8
	FailBadPOP                 = 9
	FailCertRevoked            = 10
	FailCertConfirmed          = 11
	FailWrongIntegrity         = 12
	FailBadRecipientNonce      = 13
	FailTimeNotAvailable       = 14
	FailUnacceptedPolicy       = 15
	FailUnacceptedExtension    = 16
	FailAddInfoNotAvailable    = 17
	FailBadSenderNonce         = 18
	FailBadCertTemplate        = 19
	FailSignerNotTrusted       = 20
	FailTransactionIDInUse     = 21
	FailUnsupportedVersion     = 22
	FailNotAuthorized          = 23
	FailSystemUnavail          = 24
	FailSystemFailure          = 25
	FailDuplicateCertReq       = 26
)

var failInfoNames = map[int]string{
	FailBadAlg:              "badAlg",
	FailBadMessageCheck:     "badMessageCheck",
	FailBadRequest:          "badRequest",
	FailBadTime:             "badTime",
	FailBadCertID:           "badCertId",
	FailBadDataFormat:       "badDataFormat",
	FailWrongAuthority:      "wrongAuthority",
	FailIncorrectData:       "incorrectData",
	FailMissingTimeStamp:    "missingTimeStamp",
	FailBadPOP:              "badPOP",
	FailCertRevoked:         "certRevoked",
	FailCertConfirmed:       "certConfirmed",
	FailWrongIntegrity:      "wrongIntegrity",
	FailBadRecipientNonce:   "badRecipientNonce",
	FailTimeNotAvailable:    "timeNotAvailable",
	FailUnacceptedPolicy:    "unacceptedPolicy",
	FailUnacceptedExtension: "unacceptedExtension",
	FailAddInfoNotAvailable: "addInfoNotAvailable",
	FailBadSenderNonce:      "badSenderNonce",
	FailBadCertTemplate:     "badCertTemplate",
	FailSignerNotTrusted:    "signerNotTrusted",
	FailTransactionIDInUse:  "transactionIdInUse",
	FailUnsupportedVersion:  "unsupportedVersion",
	FailNotAuthorized:       "notAuthorized",
	FailSystemUnavail:       "systemUnavail",
	FailSystemFailure:       "systemFailure",
	FailDuplicateCertReq:    "duplicateCertReq",
}

// FailInfoNames renders the set bits of a PKIFailureInfo bit string as a
// comma-separated list of RFC 4210 names, used by error pretty-printing
// (spec §7).
func FailInfoNames(bits uint32) []string {
	var names []string
	for bit := FailBadAlg; bit <= FailDuplicateCertReq; bit++ {
		if bits&(1<<uint(bit)) != 0 {
			names = append(names, failInfoNames[bit])
		}
	}
	return names
}

// PKIFreeText is a sequence of UTF8Strings, RFC 4210 §5.2.2.
type PKIFreeText []string

// InfoTypeAndValue is the ITAV general-purpose attribute carrier. infoValue
// is decoded lazily per-OID by callers (spec §4.9 design notes); this type
// only carries the raw DER content.
type InfoTypeAndValue struct {
	InfoType  asn1.ObjectIdentifier
	InfoValue asn1.RawValue `asn1:"optional"`
}

// PBMParameter, RFC 4210 §4.4 / Appendix B.
type PBMParameter struct {
	Salt           []byte
	Owf            pkix.AlgorithmIdentifier
	IterationCount int
	Mac            pkix.AlgorithmIdentifier
}

// Bounds enforced at both produce and consume time (spec §3, §8).
const (
	PBMMinIterationCount = 100
	PBMMaxIterationCount = 10_000_000
)

// ValidateIterationCount rejects a PBMParameter.IterationCount outside
// [PBMMinIterationCount, PBMMaxIterationCount].
func ValidateIterationCount(n int) error {
	if n < PBMMinIterationCount || n > PBMMaxIterationCount {
		return errors.Errorf("cmp: PBM iterationCount %d out of range [%d,%d]", n, PBMMinIterationCount, PBMMaxIterationCount)
	}
	return nil
}

// PKIStatusInfo, RFC 4210 §5.2.3.
type PKIStatusInfo struct {
	Status       PKIStatus
	StatusString PKIFreeText `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// FailInfoBits returns the failInfo bit string as a uint32 mask.
func (s PKIStatusInfo) FailInfoBits() uint32 {
	var mask uint32
	for i := 0; i < s.FailInfo.BitLength && i < 32; i++ {
		if s.FailInfo.At(i) != 0 {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// Pretty renders status text, failure-bit names, and quoted statusString
// entries for error annotation (spec §7).
func (s PKIStatusInfo) Pretty() string {
	out := s.Status.String()
	if names := FailInfoNames(s.FailInfoBits()); len(names) > 0 {
		out += " [" + joinComma(names) + "]"
	}
	for _, t := range s.StatusString {
		out += " \"" + t + "\""
	}
	return out
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// CertTemplate, RFC 4211 §5. Every field is individually optional so an
// absent field is distinguishable from an empty one (spec §4.1).
type CertTemplate struct {
	Version      int                      `asn1:"explicit,tag:0,optional"`
	Serial       *big.Int                 `asn1:"explicit,tag:1,optional"`
	SigningAlg   pkix.AlgorithmIdentifier `asn1:"explicit,tag:2,optional"`
	Issuer       asn1.RawValue            `asn1:"explicit,tag:3,optional"`
	Validity     *OptionalValidity        `asn1:"explicit,tag:4,optional"`
	Subject      asn1.RawValue            `asn1:"explicit,tag:5,optional"`
	PublicKey    *PublicKeyInfo           `asn1:"explicit,tag:6,optional"`
	IssuerUID    asn1.BitString           `asn1:"explicit,tag:7,optional"`
	SubjectUID   asn1.BitString           `asn1:"explicit,tag:8,optional"`
	Extensions   []pkix.Extension         `asn1:"explicit,tag:9,optional"`
}

// PublicKeyInfo is an alias shape for x509's SubjectPublicKeyInfo, kept
// local so CertTemplate stays a plain DER-able struct.
type PublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// OptionalValidity, RFC 4211 §5 (both ends optional, GeneralizedTime).
type OptionalValidity struct {
	NotBefore time.Time `asn1:"generalized,explicit,tag:0,optional"`
	NotAfter  time.Time `asn1:"generalized,explicit,tag:1,optional"`
}

// Controls, RFC 4211 §6. Only OldCertId (§6.5) is produced by this client.
type AttributeTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

var oidRegCtrlOldCertID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 5}

// CertID, RFC 4211 §5 / RFC 4210 Appendix.
type CertID struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// POPO choice tags, RFC 4211 §4.
const (
	POPORAVerified    = 0
	POPOSignature     = 1
	POPOKeyEncipher   = 2
	POPOKeyAgreement  = 3
)

// POPOSigningKey, RFC 4211 §4.1: a signature over the enclosing
// CertRequest. The optional poposkInput member is not modelled, so a
// POPOSigningKey that carries one does not decode into this type.
type POPOSigningKey struct {
	Algorithm pkix.AlgorithmIdentifier
	Signature asn1.BitString
}

// POPO is the CertReqMsg-level choice. Exactly one of the tagged
// alternatives is meaningful, selected by Choice.
type POPO struct {
	Choice         int
	RAVerified     bool // choice 0, NULL
	Signature      *POPOSigningKey
	KeyEncipher    *POPOPrivKey
	KeyAgreement   *POPOPrivKey
}

// POPOPrivKey placeholder, RFC 4211 §4.1. This client only ever emits the
// thisMessage/choice-0 empty bit string alternative (spec §4.5); servers
// requiring the encrypted-key or DH alternatives are a configuration error
// here.
type POPOPrivKey struct {
	Choice      int
	ThisMessage asn1.BitString
}

// CertRequest is the certReq member of CertReqMsg (RFC 4211 §3): the
// request identifier, template and controls, without POPO.
type CertRequest struct {
	CertReqID    *big.Int
	CertTemplate CertTemplate
	Controls     []AttributeTypeAndValue `asn1:"optional"`
}

// CertReqMsg, RFC 4211 §3. Popo is the DER encoding of a POPO choice
// (produced/consumed via marshalPOPO/unmarshalPOPO in codec.go), carried as
// a raw value here because encoding/asn1 cannot dispatch a CHOICE
// automatically.
type CertReqMsg struct {
	CertReq CertRequest
	Popo    asn1.RawValue           `asn1:"optional"`
	RegInfo []AttributeTypeAndValue `asn1:"optional"`
}

// CertReqMessages, RFC 4210 §5.3.1 (ir/cr/kur bodies).
type CertReqMessages []CertReqMsg

// CertOrEncCert choice, RFC 4210 §5.3.4.
type CertOrEncCert struct {
	Certificate    asn1.RawValue  `asn1:"explicit,tag:0,optional"`
	EncryptedCert  *EncryptedValue `asn1:"explicit,tag:1,optional"`
}

// EncryptedValue, RFC 4211 §4.2.1 (used for indirect POP).
type EncryptedValue struct {
	IntendedAlg  pkix.AlgorithmIdentifier `asn1:"explicit,tag:0,optional"`
	SymmAlg      pkix.AlgorithmIdentifier `asn1:"explicit,tag:1,optional"`
	EncSymmKey   asn1.BitString           `asn1:"explicit,tag:2,optional"`
	KeyAlg       pkix.AlgorithmIdentifier `asn1:"explicit,tag:3,optional"`
	ValueHint    []byte                   `asn1:"explicit,tag:4,optional"`
	EncValue     asn1.BitString
}

// CertifiedKeyPair, RFC 4210 §5.3.4.
type CertifiedKeyPair struct {
	CertOrEncCert   CertOrEncCert
	PrivateKey      *EncryptedValue `asn1:"explicit,tag:0,optional"`
	PublicationInfo asn1.RawValue   `asn1:"explicit,tag:1,optional"`
}

// CertResponse, RFC 4210 §5.3.4.
type CertResponse struct {
	CertReqID        *big.Int
	Status           PKIStatusInfo
	CertifiedKeyPair *CertifiedKeyPair `asn1:"optional"`
	RspInfo          []byte            `asn1:"optional"`
}

// CertRepMessage, RFC 4210 §5.3.4.
type CertRepMessage struct {
	CaPubs   []asn1.RawValue `asn1:"explicit,tag:1,optional"`
	Response []CertResponse
}

// CertConfirmContent entry, RFC 4210 §5.3.18.
type CertStatus struct {
	CertHash   []byte
	CertReqID  *big.Int
	StatusInfo *PKIStatusInfo `asn1:"optional"`
}

type CertConfirmContent []CertStatus

// RevReqContent / RevDetails, RFC 4210 §5.3.9.
type RevDetails struct {
	CertDetails CertTemplate
	CrlEntryDetails []pkix.Extension `asn1:"optional"`
}

type RevReqContent []RevDetails

// RevRepContent, RFC 4210 §5.3.10.
type RevRepContent struct {
	Status   []PKIStatusInfo
	RevCerts []CertID        `asn1:"explicit,tag:0,optional"`
	CrLs     []asn1.RawValue `asn1:"explicit,tag:1,optional"`
}

// PollReq / PollRep, RFC 4210 §5.3.22/23.
type PollReqContentEntry struct {
	CertReqID *big.Int
}
type PollReqContent []PollReqContentEntry

type PollRepContentEntry struct {
	CertReqID   *big.Int
	CheckAfter  int
	Reason      PKIFreeText `asn1:"optional"`
}
type PollRepContent []PollRepContentEntry

// GenMsgContent / GenRepContent, RFC 4210 §5.3.19/20.
type GenMsgContent []InfoTypeAndValue
type GenRepContent []InfoTypeAndValue

// ErrorMsgContent, RFC 4210 §5.3.21.
type ErrorMsgContent struct {
	PKIStatusInfo PKIStatusInfo
	ErrorCode     *big.Int    `asn1:"optional"`
	ErrorDetails  PKIFreeText `asn1:"optional"`
}

// GeneralInfo well-known ITAV OIDs used by this client.
var (
	oidITImplicitConfirm = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 13}
	oidITConfirmWaitTime = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 14}
)

// PKIHeader, RFC 4210 §5.1.3.
type PKIHeader struct {
	PVNO         int
	Sender       asn1.RawValue
	Recipient    asn1.RawValue
	MessageTime  time.Time                `asn1:"generalized,explicit,tag:0,optional"`
	ProtectionAlg pkix.AlgorithmIdentifier `asn1:"explicit,tag:1,optional"`
	SenderKID    []byte                   `asn1:"explicit,tag:2,optional"`
	RecipKID     []byte                   `asn1:"explicit,tag:3,optional"`
	TransactionID []byte                  `asn1:"explicit,tag:4,optional"`
	SenderNonce  []byte                   `asn1:"explicit,tag:5,optional"`
	RecipNonce   []byte                   `asn1:"explicit,tag:6,optional"`
	FreeText     PKIFreeText              `asn1:"explicit,tag:7,optional"`
	GeneralInfo  []InfoTypeAndValue       `asn1:"explicit,tag:8,optional"`
}

const pkiVersion2 = 2

// PKIBody is a tagged union over the 27 body alternatives (spec §3). Content
// carries the decoded structure for the body types this client produces or
// consumes; Raw preserves the original context-tagged DER for types it only
// passes through.
type PKIBody struct {
	Type    int
	Content interface{}
	Raw     asn1.RawValue
}

// PKIMessage, RFC 4210 §5.1.
type PKIMessage struct {
	Header     PKIHeader
	Body       PKIBody
	Protection asn1.BitString
	ExtraCerts []asn1.RawValue
}

// ProtectedPart is the DER input to protection compute/verify (spec §4.3).
// protection and extraCerts are deliberately excluded.
type ProtectedPart struct {
	Header PKIHeader
	Body   asn1.RawValue
}
