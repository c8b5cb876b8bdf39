// Package httpsig implements the subset of RFC 9421 HTTP Message
// Signatures used by OpenBotAuth: the signature base grammar, the
// Signature-Input / Signature header encoding, and Ed25519 signing and
// verification over the base string.
package httpsig

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AlgEd25519 is the only signature algorithm accepted in v1.
const AlgEd25519 = "ed25519"

// DefaultLabel is the signature label emitted by the signer.
const DefaultLabel = "sig1"

var (
	ErrMissingComponent         = errors.New("httpsig: covered component not present in request")
	ErrUnknownDerivedComponent  = errors.New("httpsig: unsupported derived component")
	ErrMalformedHeader          = errors.New("httpsig: malformed header value")
	ErrMalformedSignature       = errors.New("httpsig: malformed signature header")
	ErrAmbiguousLabel           = errors.New("httpsig: multiple signature labels present")
	ErrSensitiveHeaderCovered   = errors.New("httpsig: sensitive header in covered components")
	ErrUnsupportedAlgorithm     = errors.New("httpsig: unsupported algorithm")
	ErrMissingRequiredParameter = errors.New("httpsig: missing required signature parameter")
)

// sensitiveHeaders must never appear in a covered-component set. The check
// runs before any network activity.
var sensitiveHeaders = map[string]bool{
	"cookie":              true,
	"authorization":       true,
	"proxy-authorization": true,
	"www-authenticate":    true,
}

// Request is the request view the base builder operates on. Path is the
// request path exactly as sent, percent-encoding preserved.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Query     string // raw query, no leading "?"
	Header    http.Header
}

// FromHTTP builds a Request from an *http.Request. The authority falls
// back to req.Host when the URL carries none.
func FromHTTP(req *http.Request) Request {
	authority := req.URL.Host
	if authority == "" {
		authority = req.Host
	}
	scheme := req.URL.Scheme
	if scheme == "" {
		if req.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return Request{
		Method:    req.Method,
		Scheme:    scheme,
		Authority: authority,
		Path:      path,
		Query:     req.URL.RawQuery,
		Header:    req.Header,
	}
}

// FromURL builds a Request from a method, an absolute URL, and headers.
func FromURL(method, rawurl string, header http.Header) (Request, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return Request{}, fmt.Errorf("%w: parse url: %v", ErrMalformedHeader, err)
	}
	if !u.IsAbs() {
		return Request{}, fmt.Errorf("%w: url %q is not absolute", ErrMalformedHeader, rawurl)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if header == nil {
		header = http.Header{}
	}
	return Request{
		Method:    method,
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      path,
		Query:     u.RawQuery,
		Header:    header,
	}, nil
}

// normalizedAuthority lowercases the host and strips the scheme's default
// port (80 for http, 443 for https).
func (r Request) normalizedAuthority() string {
	authority := strings.ToLower(r.Authority)
	switch strings.ToLower(r.Scheme) {
	case "http":
		authority = strings.TrimSuffix(authority, ":80")
	case "https":
		authority = strings.TrimSuffix(authority, ":443")
	}
	return authority
}

// queryComponent returns the @query value: leading "?" when a query is
// present, empty string otherwise.
func (r Request) queryComponent() string {
	if r.Query == "" {
		return ""
	}
	return "?" + r.Query
}

// requestTarget is path plus query, as it would appear on the request line.
func (r Request) requestTarget() string {
	return r.Path + r.queryComponent()
}

// derivedComponent resolves one @-prefixed component value.
func (r Request) derivedComponent(name string) (string, error) {
	switch name {
	case "@method":
		return strings.ToUpper(r.Method), nil
	case "@authority":
		if r.Authority == "" {
			return "", fmt.Errorf("%w: @authority", ErrMissingComponent)
		}
		return r.normalizedAuthority(), nil
	case "@path":
		return r.Path, nil
	case "@query":
		return r.queryComponent(), nil
	case "@scheme":
		return strings.ToLower(r.Scheme), nil
	case "@target-uri":
		if r.Scheme == "" || r.Authority == "" {
			return "", fmt.Errorf("%w: @target-uri", ErrMissingComponent)
		}
		return strings.ToLower(r.Scheme) + "://" + r.normalizedAuthority() + r.requestTarget(), nil
	case "@request-target":
		return r.requestTarget(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownDerivedComponent, name)
	}
}

// headerComponent resolves a literal header: values concatenated with
// ", " when repeated, each value OWS-trimmed.
func (r Request) headerComponent(name string) (string, error) {
	values := r.Header.Values(name)
	if len(values) == 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingComponent, name)
	}
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.Trim(v, " \t")
	}
	return strings.Join(trimmed, ", "), nil
}

// CheckCoveredComponents rejects covered sets that include sensitive
// headers. Component names are compared case-insensitively.
func CheckCoveredComponents(components []string) error {
	for _, c := range components {
		if sensitiveHeaders[strings.ToLower(c)] {
			return fmt.Errorf("%w: %s", ErrSensitiveHeaderCovered, strings.ToLower(c))
		}
	}
	return nil
}
