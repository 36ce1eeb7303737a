// Package polkit gates the control surface's set_rules RPC behind an
// authorization check, per spec §4.L. The real policy decision
// (org.freedesktop.policykit.exec via D-Bus, as gleipnird/src/polkit.rs
// calls it) is an out-of-repo collaborator per spec.md §1's Non-goals;
// this package defines the Authorizer seam plus a conservative stub
// that authorizes root and the daemon's own UID.
package polkit

import "os"

// Authorizer decides whether a connected RPC peer may call set_rules.
type Authorizer interface {
	Authorize(peerUID uint32) bool
}

// StubAuthorizer authorizes a peer whose UID is root (0) or equal to
// the daemon's own effective UID, standing in for the real
// polkit-authority round trip until that external collaborator is
// wired up.
type StubAuthorizer struct {
	selfUID uint32
}

// NewStubAuthorizer captures the daemon's own effective UID at
// construction time.
func NewStubAuthorizer() *StubAuthorizer {
	return &StubAuthorizer{selfUID: uint32(os.Geteuid())}
}

// Authorize implements Authorizer.
func (a *StubAuthorizer) Authorize(peerUID uint32) bool {
	return peerUID == 0 || peerUID == a.selfUID
}
