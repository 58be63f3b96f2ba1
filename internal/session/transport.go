// Package session drives one participant through the pool: matchmaking,
// the offer/answer/candidate handshake, and the lifecycle of the media
// transport. It is designed to be maximally standalone — coupling to the
// media stack is via the Transport interface only, so the whole state
// machine is testable with a fake.
package session

import "context"

// Track describes an inbound media track reported by the transport.
type Track struct {
	Kind string // "audio" or "video"
	ID   string
}

// TransportState mirrors the connectivity of the underlying transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the external collaborator that performs the actual media
// negotiation. Descriptions and candidates are opaque blobs: the session
// hands them between the two paired presence rows without looking
// inside. Callbacks must be registered before the first negotiation
// call; they may fire from transport-owned goroutines.
type Transport interface {
	// CreateOffer produces the local session offer.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the remote offer and produces the answer.
	CreateAnswer(ctx context.Context, remoteOffer string) (string, error)

	// SetRemoteDescription applies the remote answer.
	SetRemoteDescription(ctx context.Context, desc string) error

	// AddRemoteCandidate applies one trickled remote candidate.
	AddRemoteCandidate(candidate string) error

	// OnLocalCandidate registers the callback for locally discovered
	// candidates.
	OnLocalCandidate(fn func(candidate string))

	// OnRemoteTrack registers the callback for inbound media.
	OnRemoteTrack(fn func(Track))

	// OnStateChange registers the connectivity callback.
	OnStateChange(fn func(TransportState))

	// Close releases the transport. Idempotent.
	Close() error
}

// TransportFactory creates a fresh Transport per pairing.
type TransportFactory func() (Transport, error)
