package httpsig

import (
	"fmt"
	"strconv"
	"strings"
)

// Params are the signature parameters attached to one signature label:
// the inner list of covered components plus the metadata emitted in
// Signature-Input.
type Params struct {
	Components []string
	Created    int64
	Expires    int64 // 0 when absent
	Nonce      string
	KeyID      string
	Alg        string
	Tag        string
}

// Serialize renders the inner-list-plus-parameters form exactly as it
// appears after "label=" in Signature-Input and on the
// "@signature-params" base line.
func (p Params) Serialize() string {
	var b strings.Builder
	b.WriteString("(")
	for i, c := range p.Components {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(`"` + c + `"`)
	}
	b.WriteString(")")
	b.WriteString(";created=" + strconv.FormatInt(p.Created, 10))
	if p.Expires > 0 {
		b.WriteString(";expires=" + strconv.FormatInt(p.Expires, 10))
	}
	if p.Nonce != "" {
		b.WriteString(`;nonce="` + p.Nonce + `"`)
	}
	if p.KeyID != "" {
		b.WriteString(`;keyid="` + p.KeyID + `"`)
	}
	if p.Alg != "" {
		b.WriteString(`;alg="` + p.Alg + `"`)
	}
	if p.Tag != "" {
		b.WriteString(`;tag="` + p.Tag + `"`)
	}
	return b.String()
}

// Validate enforces the required parameter set: created, keyid, and
// alg=ed25519 (case-insensitive).
func (p Params) Validate() error {
	if p.Created == 0 {
		return fmt.Errorf("%w: created", ErrMissingRequiredParameter)
	}
	if p.KeyID == "" {
		return fmt.Errorf("%w: keyid", ErrMissingRequiredParameter)
	}
	if p.Alg == "" {
		return fmt.Errorf("%w: alg", ErrMissingRequiredParameter)
	}
	if !strings.EqualFold(p.Alg, AlgEd25519) {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, p.Alg)
	}
	return nil
}

// ParseSignatureInput parses a Signature-Input header. The header is a
// dictionary of label=(inner list);params members. When more than one
// label is present the preferred label is chosen if given; otherwise the
// dictionary is rejected as ambiguous.
func ParseSignatureInput(value, preferredLabel string) (label string, params Params, err error) {
	members, err := splitDictionary(value)
	if err != nil {
		return "", Params{}, err
	}
	if len(members) == 0 {
		return "", Params{}, fmt.Errorf("%w: empty Signature-Input", ErrMalformedSignature)
	}
	if len(members) > 1 {
		if preferredLabel == "" {
			return "", Params{}, ErrAmbiguousLabel
		}
		member, ok := members[preferredLabel]
		if !ok {
			return "", Params{}, ErrAmbiguousLabel
		}
		params, err = parseInnerListWithParams(member)
		return preferredLabel, params, err
	}
	for l, member := range members {
		params, err = parseInnerListWithParams(member)
		return l, params, err
	}
	return "", Params{}, ErrMalformedSignature // unreachable
}

// ParseSignature parses a Signature header member for the given label and
// returns the raw base64 signature payload (without the colons).
func ParseSignature(value, label string) (string, error) {
	members, err := splitDictionary(value)
	if err != nil {
		return "", err
	}
	member, ok := members[label]
	if !ok {
		return "", fmt.Errorf("%w: no signature for label %q", ErrMalformedSignature, label)
	}
	member = strings.TrimSpace(member)
	if len(member) < 2 || member[0] != ':' || member[len(member)-1] != ':' {
		return "", fmt.Errorf("%w: byte sequence must be colon-delimited", ErrMalformedSignature)
	}
	return member[1 : len(member)-1], nil
}

// splitDictionary breaks a structured-field dictionary into its
// label→member-value pairs. Commas inside quoted strings and inner lists
// do not split.
func splitDictionary(value string) (map[string]string, error) {
	members := map[string]string{}
	for _, part := range splitTopLevel(value, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: dictionary member %q", ErrMalformedSignature, part)
		}
		label := strings.TrimSpace(part[:eq])
		if !validLabel(label) {
			return nil, fmt.Errorf("%w: invalid label %q", ErrMalformedSignature, label)
		}
		members[label] = strings.TrimSpace(part[eq+1:])
	}
	return members, nil
}

// splitTopLevel splits on sep outside quoted strings and parentheses.
func splitTopLevel(s string, sep byte) []string {
	var (
		parts    []string
		depth    int
		inQuotes bool
		start    int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case inQuotes:
			if c == '\\' && i+1 < len(s) {
				i++
			} else if c == '"' {
				inQuotes = false
			}
		case c == '"':
			inQuotes = true
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func validLabel(label string) bool {
	if label == "" {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		ok := c >= 'a' && c <= 'z' ||
			c >= '0' && c <= '9' ||
			c == '*' || c == '_' || c == '-' || c == '.'
		if i == 0 {
			ok = c >= 'a' && c <= 'z' || c == '*'
		}
		if !ok {
			return false
		}
	}
	return true
}

// parseInnerListWithParams parses `("@method" "@path");created=…;…`.
func parseInnerListWithParams(member string) (Params, error) {
	member = strings.TrimSpace(member)
	if !strings.HasPrefix(member, "(") {
		return Params{}, fmt.Errorf("%w: signature member must be an inner list", ErrMalformedSignature)
	}
	end := innerListEnd(member)
	if end < 0 {
		return Params{}, fmt.Errorf("%w: unterminated inner list", ErrMalformedSignature)
	}

	components, err := parseInnerList(member[1:end])
	if err != nil {
		return Params{}, err
	}

	p := Params{Components: components}
	rest := member[end+1:]
	for _, raw := range splitTopLevel(rest, ';') {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, val := raw, ""
		if eq := strings.IndexByte(raw, '='); eq >= 0 {
			key, val = raw[:eq], raw[eq+1:]
		}
		switch key {
		case "created":
			p.Created, err = parseInt(val)
		case "expires":
			p.Expires, err = parseInt(val)
		case "nonce":
			p.Nonce, err = unquote(val)
		case "keyid":
			p.KeyID, err = unquote(val)
		case "alg":
			p.Alg, err = unquote(val)
		case "tag":
			p.Tag, err = unquote(val)
		default:
			// Unknown parameters are ignored, not rejected.
		}
		if err != nil {
			return Params{}, fmt.Errorf("%w: parameter %q: %v", ErrMalformedSignature, key, err)
		}
	}
	return p, nil
}

// innerListEnd returns the index of the closing paren, honoring quotes.
func innerListEnd(s string) int {
	inQuotes := false
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case inQuotes:
			if c == '\\' && i+1 < len(s) {
				i++
			} else if c == '"' {
				inQuotes = false
			}
		case c == '"':
			inQuotes = true
		case c == ')':
			return i
		}
	}
	return -1
}

// parseInnerList parses the space-separated quoted component names.
func parseInnerList(inner string) ([]string, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return nil, nil
	}
	var components []string
	for _, item := range strings.Fields(inner) {
		name, err := unquote(item)
		if err != nil {
			return nil, fmt.Errorf("%w: component %q", ErrMalformedSignature, item)
		}
		components = append(components, name)
	}
	return components, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("not a quoted string: %q", s)
	}
	inner := s[1 : len(s)-1]
	if !strings.ContainsRune(inner, '\\') {
		return inner, nil
	}
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' {
			i++
			if i >= len(inner) {
				return "", fmt.Errorf("trailing escape in %q", s)
			}
		}
		b.WriteByte(inner[i])
	}
	return b.String(), nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}
