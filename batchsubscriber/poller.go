package batchsubscriber

import "context"

// Poller is the external message source BatchSubscriber pulls from.
// Implementations must honor ctx cancellation on every blocking operation.
type Poller[Message, Receipt any] interface {
	// ReceiptFor extracts the receipt carried by a polled message.
	ReceiptFor(msg Message) Receipt

	// IdentityOf returns a stable string identity for receipt, used to label
	// the receipt in AliveKeeper's log lines. The registry key is the
	// Receipt value itself.
	IdentityOf(receipt Receipt) string

	// Receive blocks until at least one message is available, ctx is
	// cancelled, or the source is drained (empty return, nil error).
	Receive(ctx context.Context) ([]Message, error)

	// Delete releases receipts at the source, returning the subset that
	// was successfully released.
	Delete(ctx context.Context, receipts []Receipt) ([]Receipt, error)

	// Touch renews receipts' claim at the source, returning the subset
	// that was successfully renewed.
	Touch(ctx context.Context, receipts []Receipt) ([]Receipt, error)
}
