// Package verifier implements the edge-auth verification pipeline: it
// parses RFC 9421 signature headers, enforces freshness and replay
// invariants, resolves keys through the signature-agent directory cache,
// and produces a typed verdict.
package verifier

import "net/http"

// ErrorCode is the stable machine-readable failure taxonomy. Every code
// maps to exactly one HTTP status.
type ErrorCode string

const (
	CodeMissingSignature       ErrorCode = "MissingSignature"
	CodeMalformedSignature     ErrorCode = "MalformedSignature"
	CodeStale                  ErrorCode = "Stale"
	CodeFuture                 ErrorCode = "Future"
	CodeExpired                ErrorCode = "Expired"
	CodeNonceMissing           ErrorCode = "NonceMissing"
	CodeReplay                 ErrorCode = "Replay"
	CodeUnknownKeyID           ErrorCode = "UnknownKeyId"
	CodeBadSignature           ErrorCode = "BadSignature"
	CodeSensitiveHeaderCovered ErrorCode = "SensitiveHeaderCovered"
	CodeUntrustedDirectory     ErrorCode = "UntrustedDirectory"
	CodeDirectoryFetch         ErrorCode = "DirectoryFetch"
	CodeTagRequired            ErrorCode = "TagRequired"
	CodeReceiptInvalid         ErrorCode = "ReceiptInvalid"
	CodeRateLimited            ErrorCode = "RateLimited"
)

// HTTPStatus maps a code to the status the /authorize surface emits.
// Upstream fetch failures are 401, never 5xx: origin trust cannot be
// assumed when the directory is unreachable.
func (c ErrorCode) HTTPStatus() int {
	if c == CodeRateLimited {
		return http.StatusTooManyRequests
	}
	return http.StatusUnauthorized
}

// VerdictKind discriminates the verdict sum.
type VerdictKind int

const (
	VerdictAllow VerdictKind = iota
	VerdictDeny
	VerdictPay
	VerdictRateLimit
)

// AgentInfo identifies the verified agent.
type AgentInfo struct {
	JWKSURL    string `json:"jwks_url"`
	Kid        string `json:"kid"`
	ClientName string `json:"client_name,omitempty"`
}

// Verdict is the typed outcome of an authorization decision.
type Verdict struct {
	Kind VerdictKind

	// Allow
	Agent   *AgentInfo
	Created int64
	Expires int64

	// Deny
	Code ErrorCode

	// Pay
	Price       string
	RequestHash string
	PaymentURL  string

	// RateLimit
	RetryAfter int
}

// Result is the wire shape returned by POST /verify.
type Result struct {
	Verified        bool       `json:"verified"`
	ReceiptVerified bool       `json:"receipt_verified,omitempty"`
	Agent           *AgentInfo `json:"agent,omitempty"`
	Created         int64      `json:"created,omitempty"`
	Expires         int64      `json:"expires,omitempty"`
	Error           ErrorCode  `json:"error,omitempty"`
}
