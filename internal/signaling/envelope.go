// Package signaling encodes the offer/answer/candidate handshake into
// presence-row signal fields and watches the change feed for payloads
// addressed to the local participant. There is no separate wire
// protocol: each side writes only its own row, the store's per-row
// ordered change feed does the delivery.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

// Envelope is one signaling payload. The payload is an opaque blob for
// the transport layer — a session description or an ICE candidate in
// whatever form the transport serializes them.
type Envelope struct {
	Kind    presence.SignalKind `json:"kind"`
	Payload string              `json:"payload"`
	TS      time.Time           `json:"ts"`
}

// Decode extracts the envelope carried by a presence record, or reports
// that the record carries none. A malformed record yields an error the
// caller logs and skips; one bad write must never tear the session down.
func Decode(rec presence.Record) (Envelope, bool, error) {
	if rec.SignalKind == presence.SignalNone {
		return Envelope{}, false, nil
	}
	switch rec.SignalKind {
	case presence.SignalOffer, presence.SignalAnswer, presence.SignalCandidate:
	default:
		return Envelope{}, false, fmt.Errorf("signaling: unknown kind %q on %s", rec.SignalKind, rec.ID)
	}
	if rec.SignalPayload == "" {
		return Envelope{}, false, fmt.Errorf("signaling: empty %s payload on %s", rec.SignalKind, rec.ID)
	}
	if !json.Valid([]byte(rec.SignalPayload)) {
		return Envelope{}, false, fmt.Errorf("signaling: malformed %s payload on %s", rec.SignalKind, rec.ID)
	}
	return Envelope{
		Kind:    rec.SignalKind,
		Payload: rec.SignalPayload,
		TS:      rec.SignalTS,
	}, true, nil
}

// The side that performed the pairing write authors the offer; the side
// whose row gained a partner through an external write answers. If both
// sides somehow believe they initiated (a genuine race, observable as an
// inbound offer arriving while we are offering ourselves), the roles are
// settled deterministically instead of by timing: the lexicographically
// smaller id keeps the offer, the other side discards its own offer and
// answers.

// OfferClashWinner returns the id that keeps the offerer role when both
// sides of a pairing produced an offer.
func OfferClashWinner(a, b string) string {
	if a < b {
		return a
	}
	return b
}
