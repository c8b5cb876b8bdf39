package httpsig

import (
	"fmt"
	"strings"
)

// BuildBase produces the canonical signature base for the request and
// parameters. Each covered component becomes one `"<name>": <value>`
// line in the order given; the final line is the "@signature-params"
// component and carries no trailing newline.
func BuildBase(req Request, params Params) (string, error) {
	var b strings.Builder
	for _, name := range params.Components {
		lower := strings.ToLower(name)
		var (
			value string
			err   error
		)
		if strings.HasPrefix(lower, "@") {
			value, err = req.derivedComponent(lower)
		} else {
			value, err = req.headerComponent(lower)
		}
		if err != nil {
			return "", err
		}
		if strings.ContainsAny(value, "\n") {
			return "", fmt.Errorf("%w: %s contains a newline", ErrMalformedHeader, lower)
		}
		b.WriteString(`"` + lower + `": ` + value + "\n")
	}
	b.WriteString(`"@signature-params": ` + params.Serialize())
	return b.String(), nil
}
