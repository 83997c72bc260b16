package delivery

import (
	"context"
	"sync"
)

// CapturedDispatch records one Dispatch call made against a CaptureDispatcher.
type CapturedDispatch struct {
	Recipient Recipient
	Message   Message
}

// CaptureDispatcher records dispatches in memory instead of delivering them.
// Failures can be scripted per call to exercise retry paths.
type CaptureDispatcher struct {
	mu         sync.Mutex
	dispatched []CapturedDispatch
	failures   []error
}

// NewCaptureDispatcher creates an empty capture dispatcher.
func NewCaptureDispatcher() *CaptureDispatcher {
	return &CaptureDispatcher{}
}

// FailWith queues errors returned by subsequent Dispatch calls, in order.
// Once the queue drains, dispatches succeed again.
func (d *CaptureDispatcher) FailWith(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures = append(d.failures, errs...)
}

// Dispatch records the call, or returns the next scripted failure.
func (d *CaptureDispatcher) Dispatch(_ context.Context, recipient Recipient, msg Message) (Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]

		return Receipt{}, err
	}

	d.dispatched = append(d.dispatched, CapturedDispatch{Recipient: recipient, Message: msg})

	return Receipt{ProviderMessageID: "captured-" + msg.IdempotencyKey}, nil
}

// Dispatched returns a copy of the successful dispatches so far.
func (d *CaptureDispatcher) Dispatched() []CapturedDispatch {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]CapturedDispatch, len(d.dispatched))
	copy(out, d.dispatched)

	return out
}
