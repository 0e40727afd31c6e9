// Package session holds the immutable snapshot of an initialized client.
package session

import (
	"time"

	"github.com/ComUnity/web3analytics/internal/identity"
)

// State is built once per successful initialization and never mutated.
// Delivery units carry the State they were enqueued under.
type State struct {
	AppID         string
	Identity      *identity.Identity
	AppRegistered bool
	InitializedAt time.Time
}

// DID returns the identity's DID, or "" when unauthenticated.
func (s *State) DID() string {
	if s == nil || s.Identity == nil {
		return ""
	}
	return s.Identity.DID()
}

// Ready reports whether events may be delivered under this state.
func (s *State) Ready() bool {
	return s != nil && s.AppRegistered && s.Identity != nil && s.Identity.Authenticated()
}
