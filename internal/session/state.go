package session

// State is the phase of the local participant's session.
type State int

const (
	// StateIdle — not in the pool, no transport.
	StateIdle State = iota
	// StateWaiting — in the pool, no partner yet.
	StateWaiting
	// StateOffering — paired as initiator, description exchange running.
	StateOffering
	// StateAnswering — paired via an external write, answering the offer.
	StateAnswering
	// StateConnected — remote media observed.
	StateConnected
	// StateClosed — the participant left; terminal.
	StateClosed
	// StateFailed — transient failure state; the session re-enters the
	// pool immediately, so it is observable only through error events.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrKind classifies session errors surfaced through OnError.
type ErrKind string

const (
	// ErrTransport — the transport reported failure or disconnect.
	ErrTransport ErrKind = "transport_failure"
	// ErrPartnerStale — the partner's record vanished or its liveness
	// expired while paired. Handled exactly like ErrTransport.
	ErrPartnerStale ErrKind = "partner_stale"
	// ErrMatchmaking — the presence store was unreachable during
	// matchmaking; the session keeps retrying with backoff.
	ErrMatchmaking ErrKind = "matchmaking_unavailable"
	// ErrStoreClosed — the store's change feed closed under the
	// session; terminal, the caller must rebuild the store connection.
	ErrStoreClosed ErrKind = "store_closed"
)
