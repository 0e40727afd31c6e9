package delivery

import (
	"errors"
	"fmt"
)

// ErrIndexUnavailable marks an event document that was created but could
// not be added to the events index.
var ErrIndexUnavailable = errors.New("events index unavailable")

// DeliveryError reports one event that was not fully delivered. The queue
// logs it and moves on; it is never retried.
type DeliveryError struct {
	Kind       Kind
	Stage      string // create, read_index, self_ref, write_index, panic
	DocumentID string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("deliver %s event (document %s) failed at %s: %v", e.Kind, e.DocumentID, e.Stage, e.Err)
	}
	return fmt.Sprintf("deliver %s event failed at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
