package verifier

import (
	"context"
	"crypto/subtle"
	"errors"
)

// HeaderReceipt carries the opaque settlement receipt a client attaches
// when it re-signs a request after a 402 challenge.
const HeaderReceipt = "OpenBotAuth-Receipt"

// ErrReceiptMismatch is returned by the built-in receipt stub when the
// receipt does not settle the challenge it was presented for.
var ErrReceiptMismatch = errors.New("verifier: receipt does not match request hash")

// ReceiptVerifier validates an opaque 402 receipt against the request
// hash the challenge was issued for. The pipeline treats receipts as
// pass-through: it never inspects them beyond this hook.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, receipt, requestHash string) error
}

// HashReceipts is the built-in stub: a receipt settles its challenge
// when it equals the request hash. Deployments with a real payment
// processor install their own hook via Config.Receipts.
type HashReceipts struct{}

// VerifyReceipt implements ReceiptVerifier.
func (HashReceipts) VerifyReceipt(_ context.Context, receipt, requestHash string) error {
	if subtle.ConstantTimeCompare([]byte(receipt), []byte(requestHash)) != 1 {
		return ErrReceiptMismatch
	}
	return nil
}
