package core

import "github.com/dkeye/Duet/internal/domain"

// Registry maps identities to live signaling connections and back.
// Register must replace an existing mapping as one atomic step.
type Registry interface {
	// Register binds identity to conn. It reports whether a different
	// connection was evicted to make room.
	Register(identity domain.Identity, conn SignalConnection) bool
	Lookup(identity domain.Identity) (SignalConnection, bool)
	ResolveIdentity(sid SessionID) (domain.Identity, bool)
	Remove(sid SessionID)
	// Sweep drops every entry whose connection is no longer alive and
	// returns how many were dropped.
	Sweep() int
	Identities() []domain.Identity
	Len() int
}
