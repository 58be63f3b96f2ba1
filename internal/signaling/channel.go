package signaling

import (
	"context"
	"log"
	"time"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

// Inbound is a decoded signaling payload addressed to the local
// participant, together with the snapshot of the row that carried it.
type Inbound struct {
	From     string
	RoomID   string
	Envelope Envelope
}

// Channel watches the presence change feed and surfaces the payloads a
// partner addressed to the local participant. Outbound payloads are
// published by overwriting self's own signal fields; only the latest
// value of each direction matters.
type Channel struct {
	store  presence.Store
	selfID string
	now    func() time.Time

	inbound chan Inbound
	cancel  func()
	done    chan struct{}
}

// NewChannel starts watching the store's change feed. Close must be
// called to release the subscription.
func NewChannel(store presence.Store, selfID string) *Channel {
	ch, cancel := store.Subscribe()
	c := &Channel{
		store:   store,
		selfID:  selfID,
		now:     time.Now,
		inbound: make(chan Inbound, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.watch(ch)
	return c
}

// Inbound returns the stream of partner payloads. Closed by Close.
func (c *Channel) Inbound() <-chan Inbound { return c.inbound }

// Publish overwrites self's signal fields with a fresh payload.
func (c *Channel) Publish(ctx context.Context, kind presence.SignalKind, payload string) error {
	return c.store.UpdateFields(ctx, c.selfID,
		presence.SignalFields(kind, payload, c.now()))
}

// Clear removes self's outstanding signal, typically on teardown so the
// next partner never sees a left-over payload.
func (c *Channel) Clear(ctx context.Context) error {
	return c.store.UpdateFields(ctx, c.selfID,
		presence.SignalFields(presence.SignalNone, "", time.Time{}))
}

// Close releases the subscription and closes the inbound stream.
func (c *Channel) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.cancel()
}

// watch filters the raw change feed down to rows that address the local
// participant. Handlers downstream re-derive everything from the row
// snapshot, so at-least-once delivery and cross-row reordering are
// harmless here; per-row order is all the handshake relies on.
func (c *Channel) watch(ch <-chan presence.Change) {
	defer close(c.inbound)
	for {
		select {
		case <-c.done:
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if change.Kind == presence.ChangeDelete {
				continue
			}
			rec := change.Record
			if rec.ID == c.selfID || rec.PartnerID != c.selfID {
				continue
			}
			env, ok, err := Decode(rec)
			if err != nil {
				// One malformed write is logged and skipped, never fatal.
				log.Printf("SIGNAL: dropping bad payload: %v", err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case c.inbound <- Inbound{From: rec.ID, RoomID: rec.RoomID, Envelope: env}:
			case <-c.done:
				return
			}
		}
	}
}
