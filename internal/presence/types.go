// Package presence defines the shared coordination table that every
// participant node reads and writes: one row per active participant,
// carrying liveness, pairing state and the latest self-authored signaling
// payload. Stores implement the same narrow contract whether the table
// lives in memory, in SQLite, or behind the presenced websocket server.
package presence

import (
	"errors"
	"time"
)

// Status is the availability of a participant.
type Status string

const (
	StatusOnline  Status = "online"
	StatusWaiting Status = "waiting"
)

// SignalKind tags the participant's outstanding signaling payload.
type SignalKind string

const (
	SignalNone      SignalKind = ""
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Record is one row of the presence table.
// RoomID and PartnerID are empty until the participant is paired; the
// signal fields hold at most one outstanding payload authored by this
// participant — overwriting is the update mechanism, not queuing.
type Record struct {
	ID            string     `json:"id"`
	LastSeen      time.Time  `json:"last_seen"`
	Status        Status     `json:"status"`
	RoomID        string     `json:"room_id,omitempty"`
	PartnerID     string     `json:"partner_id,omitempty"`
	SignalKind    SignalKind `json:"signal_kind,omitempty"`
	SignalPayload string     `json:"signal_payload,omitempty"`
	SignalTS      time.Time  `json:"signal_ts,omitempty"`
}

// Paired reports whether the record has a committed partner assignment.
func (r Record) Paired() bool { return r.PartnerID != "" }

// StaleAt reports whether the record's liveness had expired at time t
// given the staleness window.
func (r Record) StaleAt(t time.Time, window time.Duration) bool {
	return r.LastSeen.Before(t.Add(-window))
}

// Fields is a merge-patch for UpdateFields and ClaimWaiting.
// Nil members are left untouched; non-nil members overwrite, including
// overwriting with the zero value (that is how pairing and signal fields
// are cleared).
type Fields struct {
	LastSeen      *time.Time
	Status        *Status
	RoomID        *string
	PartnerID     *string
	SignalKind    *SignalKind
	SignalPayload *string
	SignalTS      *time.Time
}

func (f Fields) apply(r *Record) {
	if f.LastSeen != nil {
		r.LastSeen = *f.LastSeen
	}
	if f.Status != nil {
		r.Status = *f.Status
	}
	if f.RoomID != nil {
		r.RoomID = *f.RoomID
	}
	if f.PartnerID != nil {
		r.PartnerID = *f.PartnerID
	}
	if f.SignalKind != nil {
		r.SignalKind = *f.SignalKind
	}
	if f.SignalPayload != nil {
		r.SignalPayload = *f.SignalPayload
	}
	if f.SignalTS != nil {
		r.SignalTS = *f.SignalTS
	}
}

// PairingFields builds the patch that commits a pairing on a record.
func PairingFields(roomID, partnerID string) Fields {
	st := StatusOnline
	return Fields{Status: &st, RoomID: &roomID, PartnerID: &partnerID}
}

// WaitingFields builds the patch that returns a record to the matching
// pool: waiting status, no room, no partner, no outstanding signal.
func WaitingFields() Fields {
	st := StatusWaiting
	empty := ""
	kind := SignalNone
	ts := time.Time{}
	return Fields{
		Status:        &st,
		RoomID:        &empty,
		PartnerID:     &empty,
		SignalKind:    &kind,
		SignalPayload: &empty,
		SignalTS:      &ts,
	}
}

// SignalFields builds the patch that publishes a signaling payload.
func SignalFields(kind SignalKind, payload string, ts time.Time) Fields {
	return Fields{SignalKind: &kind, SignalPayload: &payload, SignalTS: &ts}
}

// ChangeKind classifies a row mutation in the change feed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one row-mutation event. For deletes only Record.ID is
// meaningful.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Record Record     `json:"record"`
}

var (
	// ErrNotFound is returned when an id has no row.
	ErrNotFound = errors.New("presence: record not found")

	// ErrConflict is returned by ClaimWaiting when the target row is no
	// longer waiting — somebody else committed a pairing first.
	ErrConflict = errors.New("presence: record no longer waiting")
)
