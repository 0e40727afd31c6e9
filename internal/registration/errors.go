package registration

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a malformed application identifier. It is
// logged, never returned to callers of the gate.
type ConfigurationError struct {
	Field string
	Value string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: not a chain address", e.Field, e.Value)
}

// RegistrationError reports a failed user registration. The user stays
// unregistered for the rest of the session.
type RegistrationError struct {
	Stage string // relay, init, pack, submit, confirm, reverted
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed at %s: %v", e.Stage, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

var (
	ErrRegistrationInProgress = errors.New("registration: submission already in flight")
	errReverted               = errors.New("transaction reverted")
	errNoRelay                = errors.New("no relay configured")
)
