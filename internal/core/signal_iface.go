package core

// Frame is a raw encoded wire message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend must never block: a full queue reports domain.ErrBackpressure.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
