// Package hooks implements the Lifecycle Hook contract (spec §6.3):
// collaborators external to the stream engine — the webhook subsystem,
// the registry stream, the AI proxy extension — register callbacks that
// fire after a stream's creation or deletion is durable. Grounded on the
// teacher's webhook.Manager, whose getTailOffset callback is the one
// lifecycle touch point module.go wires today; generalized here into the
// explicit create/delete contract spec.md §6.3 names, since the webhook
// subsystem itself is out of scope (spec.md §1).
package hooks

import "time"

// CreatedEvent is passed to every OnStreamCreated hook once a stream's
// creation is durable.
type CreatedEvent struct {
	Path        string
	ContentType string
	Timestamp   time.Time
}

// DeletedEvent is passed to every OnStreamDeleted hook once an explicit
// deletion is durable. A stream that expires by TTL or Expires-At fires
// no deletion hook.
type DeletedEvent struct {
	Path      string
	Timestamp time.Time
}

// CreatedHook is invoked after a stream is durably created. It may
// return an error, which the HTTP layer propagates as a 500 (spec
// §6.3) unless the collaborator chooses to swallow it internally.
type CreatedHook func(CreatedEvent) error

// DeletedHook is invoked after a stream is durably deleted.
type DeletedHook func(DeletedEvent) error

// Hooks is the registrable set of lifecycle callbacks. The zero value
// has no hooks registered and every Fire* call is a no-op.
type Hooks struct {
	onCreated []CreatedHook
	onDeleted []DeletedHook
}

// New returns an empty Hooks ready for registration.
func New() *Hooks {
	return &Hooks{}
}

// OnStreamCreated registers fn to run after every stream creation.
func (h *Hooks) OnStreamCreated(fn CreatedHook) {
	h.onCreated = append(h.onCreated, fn)
}

// OnStreamDeleted registers fn to run after every stream deletion.
func (h *Hooks) OnStreamDeleted(fn DeletedHook) {
	h.onDeleted = append(h.onDeleted, fn)
}

// FireCreated runs every registered creation hook in registration order,
// stopping at and returning the first error (the HTTP handler maps this
// to a 500 per spec §6.3).
func (h *Hooks) FireCreated(evt CreatedEvent) error {
	if h == nil {
		return nil
	}
	for _, fn := range h.onCreated {
		if err := fn(evt); err != nil {
			return err
		}
	}
	return nil
}

// FireDeleted runs every registered deletion hook in registration order.
func (h *Hooks) FireDeleted(evt DeletedEvent) error {
	if h == nil {
		return nil
	}
	for _, fn := range h.onDeleted {
		if err := fn(evt); err != nil {
			return err
		}
	}
	return nil
}
