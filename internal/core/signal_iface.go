package core

// Frame is a raw encoded signaling message.
type Frame []byte

type SessionID string

// SignalConnection abstracts a live signaling link.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() SessionID
	// Alive reports whether the link is still usable for relaying.
	Alive() bool
	TrySend(Frame) error
	Close()
}
