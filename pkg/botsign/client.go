package botsign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Payment challenge headers emitted by pay-walled origins.
const (
	HeaderPrice       = "OpenBotAuth-Price"
	HeaderRequestHash = "OpenBotAuth-Request-Hash"
	HeaderReceipt     = "OpenBotAuth-Receipt"
)

// Challenge is one parsed 402 payment challenge.
type Challenge struct {
	Price       string // as sent, e.g. "0.002 USD"
	RequestHash string // binds the receipt to this request
	PaymentURL  string // Link rel="payment" target, may be empty
}

// ReceiptFunc settles a payment challenge and returns an opaque receipt
// to attach on the retry. Returning an error abandons the request and
// surfaces the original 402.
type ReceiptFunc func(ctx context.Context, ch Challenge) (string, error)

// ErrNoPayer is returned when a 402 arrives and no ReceiptFunc is set.
var ErrNoPayer = errors.New("botsign: got a payment challenge but no receipt func is configured")

// Client wraps an http.Client, signing every request and transparently
// retrying one payment challenge per request.
type Client struct {
	signer  *Signer
	http    *http.Client
	receipt ReceiptFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithReceiptFunc enables the payment retry loop.
func WithReceiptFunc(fn ReceiptFunc) ClientOption {
	return func(c *Client) { c.receipt = fn }
}

// NewClient creates a signing Client.
func NewClient(signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		signer: signer,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do signs and sends req. On a 402 with a configured ReceiptFunc the
// challenge is settled and the request re-sent exactly once, re-signed
// with a fresh nonce and carrying the receipt. A second 402 is returned
// as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, body, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}
	if c.receipt == nil {
		return resp, ErrNoPayer
	}

	ch := parseChallenge(resp.Header)
	receipt, err := c.receipt(req.Context(), ch)
	if err != nil {
		return resp, fmt.Errorf("botsign: settle payment: %w", err)
	}
	drain(resp)

	return c.send(req, body, receipt)
}

// send clones the request, restores the body, signs, and dispatches.
func (c *Client) send(req *http.Request, body []byte, receipt string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}
	if receipt != "" {
		r.Header.Set(HeaderReceipt, receipt)
	}
	if err := c.signer.Sign(r); err != nil {
		return nil, err
	}
	return c.http.Do(r)
}

// bufferBody reads the request body into memory so it can be replayed
// on the payment retry.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("botsign: buffer request body: %w", err)
	}
	return body, nil
}

func parseChallenge(h http.Header) Challenge {
	return Challenge{
		Price:       h.Get(HeaderPrice),
		RequestHash: h.Get(HeaderRequestHash),
		PaymentURL:  paymentLink(h.Values("Link")),
	}
}

// paymentLink extracts the first Link header target with rel="payment".
func paymentLink(links []string) string {
	for _, link := range links {
		for _, part := range strings.Split(link, ",") {
			fields := strings.Split(part, ";")
			if len(fields) < 2 {
				continue
			}
			target := strings.TrimSpace(fields[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, attr := range fields[1:] {
				k, v, ok := strings.Cut(strings.TrimSpace(attr), "=")
				if !ok {
					continue
				}
				v = strings.Trim(v, `"`)
				if strings.EqualFold(k, "rel") && strings.EqualFold(v, "payment") {
					return strings.Trim(target, "<>")
				}
			}
		}
	}
	return ""
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16)) //nolint:errcheck
	resp.Body.Close()
}
