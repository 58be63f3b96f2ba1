// Package presenced serves the presence table to remote participant
// nodes over one websocket per node: request/response frames for the
// store operations, server-pushed change frames for the feed. Client
// implements presence.Store over that connection, so the rest of the
// core never knows whether the table is local or remote.
package presenced

import (
	"time"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

// Frame is the single wire message, both directions. Request frames
// carry Op + ID; the server answers with an "result" frame echoing the
// ID, and pushes "change" frames with an empty ID.
type Frame struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`

	// Request arguments.
	Target   string       `json:"target,omitempty"`
	Record   *wireRecord  `json:"record,omitempty"`
	Fields   *wireFields  `json:"fields,omitempty"`
	Exclude  string       `json:"exclude,omitempty"`
	MaxAgeMS int64        `json:"max_age_ms,omitempty"`

	// Response payload.
	Records []wireRecord     `json:"records,omitempty"`
	Change  *wireChange      `json:"change,omitempty"`
	Err     string           `json:"error,omitempty"`
}

// Request ops.
const (
	OpGet          = "get"
	OpUpsert       = "upsert"
	OpUpdate       = "update"
	OpClaim        = "claim"
	OpDelete       = "delete"
	OpQueryWaiting = "query_waiting"
	OpQueryActive  = "query_active"
)

// Server-sent ops.
const (
	OpResult = "result"
	OpChange = "change"
)

// Wire error codes, mapped back to the presence sentinels client-side.
const (
	wireErrNotFound = "not_found"
	wireErrConflict = "conflict"
)

// wireRecord is presence.Record with millisecond timestamps, matching
// how the SQLite store persists them.
type wireRecord struct {
	ID            string `json:"id"`
	LastSeenMS    int64  `json:"last_seen_ms"`
	Status        string `json:"status"`
	RoomID        string `json:"room_id,omitempty"`
	PartnerID     string `json:"partner_id,omitempty"`
	SignalKind    string `json:"signal_kind,omitempty"`
	SignalPayload string `json:"signal_payload,omitempty"`
	SignalTSMS    int64  `json:"signal_ts_ms,omitempty"`
}

func toWireRecord(r presence.Record) wireRecord {
	w := wireRecord{
		ID:            r.ID,
		LastSeenMS:    r.LastSeen.UnixMilli(),
		Status:        string(r.Status),
		RoomID:        r.RoomID,
		PartnerID:     r.PartnerID,
		SignalKind:    string(r.SignalKind),
		SignalPayload: r.SignalPayload,
	}
	if !r.SignalTS.IsZero() {
		w.SignalTSMS = r.SignalTS.UnixMilli()
	}
	return w
}

func (w wireRecord) toRecord() presence.Record {
	r := presence.Record{
		ID:            w.ID,
		LastSeen:      time.UnixMilli(w.LastSeenMS),
		Status:        presence.Status(w.Status),
		RoomID:        w.RoomID,
		PartnerID:     w.PartnerID,
		SignalKind:    presence.SignalKind(w.SignalKind),
		SignalPayload: w.SignalPayload,
	}
	if w.SignalTSMS != 0 {
		r.SignalTS = time.UnixMilli(w.SignalTSMS)
	}
	return r
}

// wireFields is presence.Fields with explicit presence markers: a nil
// pointer means "leave untouched", exactly like the in-process patch.
type wireFields struct {
	LastSeenMS    *int64  `json:"last_seen_ms,omitempty"`
	Status        *string `json:"status,omitempty"`
	RoomID        *string `json:"room_id,omitempty"`
	PartnerID     *string `json:"partner_id,omitempty"`
	SignalKind    *string `json:"signal_kind,omitempty"`
	SignalPayload *string `json:"signal_payload,omitempty"`
	SignalTSMS    *int64  `json:"signal_ts_ms,omitempty"`
}

func toWireFields(f presence.Fields) *wireFields {
	w := &wireFields{}
	if f.LastSeen != nil {
		ms := f.LastSeen.UnixMilli()
		w.LastSeenMS = &ms
	}
	if f.Status != nil {
		s := string(*f.Status)
		w.Status = &s
	}
	w.RoomID = f.RoomID
	w.PartnerID = f.PartnerID
	if f.SignalKind != nil {
		k := string(*f.SignalKind)
		w.SignalKind = &k
	}
	w.SignalPayload = f.SignalPayload
	if f.SignalTS != nil {
		ms := int64(0)
		if !f.SignalTS.IsZero() {
			ms = f.SignalTS.UnixMilli()
		}
		w.SignalTSMS = &ms
	}
	return w
}

func (w *wireFields) toFields() presence.Fields {
	var f presence.Fields
	if w == nil {
		return f
	}
	if w.LastSeenMS != nil {
		t := time.UnixMilli(*w.LastSeenMS)
		f.LastSeen = &t
	}
	if w.Status != nil {
		s := presence.Status(*w.Status)
		f.Status = &s
	}
	f.RoomID = w.RoomID
	f.PartnerID = w.PartnerID
	if w.SignalKind != nil {
		k := presence.SignalKind(*w.SignalKind)
		f.SignalKind = &k
	}
	f.SignalPayload = w.SignalPayload
	if w.SignalTSMS != nil {
		var t time.Time
		if *w.SignalTSMS != 0 {
			t = time.UnixMilli(*w.SignalTSMS)
		}
		f.SignalTS = &t
	}
	return f
}

type wireChange struct {
	Kind   string     `json:"kind"`
	Record wireRecord `json:"record"`
}

func toWireChange(c presence.Change) *wireChange {
	return &wireChange{Kind: string(c.Kind), Record: toWireRecord(c.Record)}
}

func (w *wireChange) toChange() presence.Change {
	return presence.Change{Kind: presence.ChangeKind(w.Kind), Record: w.Record.toRecord()}
}
