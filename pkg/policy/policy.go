// Package policy defines the serving decision an origin makes after the
// verifier has spoken: what to do with a verified (or unverified) bot.
package policy

import (
	"context"
	"net/http"
	"strconv"
)

// Action is the serving decision for one request.
type Action int

const (
	// Serve delivers full content.
	Serve Action = iota
	// Teaser delivers a reduced or preview rendition.
	Teaser
	// Pay demands payment via a 402 challenge before serving.
	Pay
	// Deny refuses the request.
	Deny
	// Throttle asks the caller to slow down.
	Throttle
)

// String returns the lowercase action name.
func (a Action) String() string {
	switch a {
	case Serve:
		return "serve"
	case Teaser:
		return "teaser"
	case Pay:
		return "pay"
	case Deny:
		return "deny"
	case Throttle:
		return "throttle"
	}
	return "unknown"
}

// Input is what a Policy decides on: the verification outcome plus
// request metadata. Verified false means the request carried no valid
// signature.
type Input struct {
	Verified   bool
	AgentKID   string
	JWKSURL    string
	ClientName string
	Method     string
	Path       string

	// ReceiptVerified is true only when the verifier's receipt hook
	// accepted the attached receipt; a raw unvalidated receipt never
	// sets it.
	ReceiptVerified bool
}

// Decision is the policy verdict. Price, RequestHash, and PaymentURL
// are meaningful only for Pay; RetryAfter only for Throttle.
type Decision struct {
	Action      Action
	Price       string
	RequestHash string
	PaymentURL  string
	RetryAfter  int
}

// Policy decides how to serve a request.
type Policy interface {
	Decide(ctx context.Context, in Input) Decision
}

// Static is a fixed-rule Policy: one action for verified bots, one for
// everything else.
type Static struct {
	VerifiedAction   Decision
	UnverifiedAction Decision
}

// Decide implements Policy.
func (s Static) Decide(_ context.Context, in Input) Decision {
	if in.Verified {
		// A settled challenge upgrades Pay to Serve.
		if s.VerifiedAction.Action == Pay && in.ReceiptVerified {
			return Decision{Action: Serve}
		}
		return s.VerifiedAction
	}
	return s.UnverifiedAction
}

// AllowAll serves everything. The default when no policy is configured.
var AllowAll = Static{
	VerifiedAction:   Decision{Action: Serve},
	UnverifiedAction: Decision{Action: Serve},
}

// Payment challenge headers, mirrored from the client SDK so origins
// and bots agree on the wire contract.
const (
	HeaderPrice       = "OpenBotAuth-Price"
	HeaderRequestHash = "OpenBotAuth-Request-Hash"
)

// Apply writes a Decision to an HTTP response. Serve and Teaser return
// false, leaving the body to the caller; the rest write a complete
// response.
func Apply(w http.ResponseWriter, d Decision) (handled bool) {
	switch d.Action {
	case Serve, Teaser:
		return false
	case Pay:
		if d.Price != "" {
			w.Header().Set(HeaderPrice, d.Price)
		}
		if d.RequestHash != "" {
			w.Header().Set(HeaderRequestHash, d.RequestHash)
		}
		if d.PaymentURL != "" {
			w.Header().Set("Link", "<"+d.PaymentURL+`>; rel="payment"`)
		}
		w.WriteHeader(http.StatusPaymentRequired)
		return true
	case Throttle:
		retry := d.RetryAfter
		if retry <= 0 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		w.WriteHeader(http.StatusTooManyRequests)
		return true
	default:
		w.WriteHeader(http.StatusForbidden)
		return true
	}
}
