// Package merge defines the capability the relay needs from a conflict-free
// merge collaborator. The relay never interprets document bytes itself.
package merge

// Document is a live, mergeable document. Implementations are not safe for
// concurrent use; callers serialize access.
type Document interface {
	// ApplyRemote integrates an incremental update produced by a peer.
	ApplyRemote(update []byte) error
	// EncodeDelta returns the changes integrated since the previous call,
	// or nil when there are none.
	EncodeDelta() []byte
	// OnChange registers fn to be called synchronously whenever the
	// document state changes.
	OnChange(fn func())
	// Merge integrates a persisted snapshot into the current state.
	Merge(snapshot []byte) error
	// Save returns the full persisted form of the document.
	Save() []byte
	// Text renders the document content, used for history snapshots.
	Text() string
	// NewSession starts a sync handshake with one peer.
	NewSession() Session
}

// Session carries the per-peer state of the sync handshake.
type Session interface {
	// Receive applies a sync message from the peer.
	Receive(msg []byte) error
	// Generate returns the next message for the peer, or nil when the peer
	// is up to date.
	Generate() []byte
}

// Factory creates an empty document.
type Factory func() Document
