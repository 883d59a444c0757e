// Package cmp provides a client-side implementation of the Certificate
// Management Protocol (CMP, RFC 4210) together with the Certificate
// Request Message Format (CRMF, RFC 4211) that CMP carries.
//
// A caller builds a Context, configures identity and peer expectations on
// it, and hands it to one of the transaction entry points (ExecIR, ExecCR,
// ExecKUR, ExecP10CR, ExecRR, ExecGENM). Each entry point drives one
// logical enrollment, renewal, revocation, or information exchange to
// completion, including any "waiting" polling loop and certConf/pkiconf
// handshake, and leaves its result in the Context.
package cmp
