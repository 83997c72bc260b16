// Package delivery defines the message-delivery collaborator contract and
// its implementations. The engine treats delivery as a black box: dispatch a
// rendered message to a recipient, get back a provider receipt or an error
// that says whether retrying can help.
package delivery

import "context"

// Recipient is the subject a message is dispatched to. Context carries the
// fields available for template interpolation.
type Recipient struct {
	SubjectID string
	Context   map[string]string
}

// Message is one rendered dispatch attempt. IdempotencyKey is stable per
// (run, node) so providers can bound duplicate sends across retries.
type Message struct {
	TemplateRef    string
	Subject        string
	Content        string
	IdempotencyKey string
}

// Receipt is the provider's acknowledgment of a successful dispatch.
type Receipt struct {
	ProviderMessageID string
}

// Dispatcher is the delivery collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipient Recipient, msg Message) (Receipt, error)
}
