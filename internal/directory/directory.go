// Package directory models the Web-Bot-Auth signature-agent directory
// document and provides the replay-safe fetching cache the verifier uses
// to resolve Signature-Agent URLs to key sets.
package directory

import (
	"github.com/openbotauth/openbotauth/internal/jwk"
)

// MediaType is the directory media type served for user-level JWKS
// documents. Agent-level documents stay on plain application/json.
const (
	MediaType     = "application/http-message-signatures-directory+json"
	MediaTypeJSON = "application/json"
)

// Document is the directory body served at a Signature-Agent URL.
type Document struct {
	ClientName          string    `json:"client_name"`
	ClientURI           string    `json:"client_uri,omitempty"`
	LogoURI             string    `json:"logo_uri,omitempty"`
	Contacts            []string  `json:"contacts,omitempty"`
	ExpectedUserAgent   string    `json:"expected_user_agent,omitempty"`
	RFC9309ProductToken string    `json:"rfc9309_product_token,omitempty"`
	RFC9309Compliance   []string  `json:"rfc9309_compliance,omitempty"`
	Trigger             string    `json:"trigger,omitempty"`
	Purpose             string    `json:"purpose,omitempty"`
	TargetedContent     string    `json:"targeted_content,omitempty"`
	RateControl         string    `json:"rate_control,omitempty"`
	RateExpectation     string    `json:"rate_expectation,omitempty"`
	KnownURLs           []string  `json:"known_urls,omitempty"`
	KnownIdentities     []string  `json:"known_identities,omitempty"`
	Verified            bool      `json:"verified"`
	Keys                []jwk.Key `json:"keys"`
}

// Lookup returns the key with the given kid, if present.
func (d *Document) Lookup(kid string) (jwk.Key, bool) {
	for _, k := range d.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return jwk.Key{}, false
}
