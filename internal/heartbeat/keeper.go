// Package heartbeat keeps a participant's liveness timestamp fresh and
// reaps rows whose liveness has expired. Any node may reap: deletion of
// a stale row is idempotent, so concurrent reapers are harmless.
package heartbeat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

// pruneInterval is how often stale rows are scanned for, independent of
// the heartbeat interval.
const pruneInterval = time.Second

// Keeper refreshes one participant's LastSeen and prunes abandoned rows.
type Keeper struct {
	store    presence.Store
	selfID   string
	interval time.Duration
	window   time.Duration
	now      func() time.Time
}

// New creates a Keeper for selfID. interval must be materially shorter
// than window so one missed beat does not get the participant evicted.
func New(store presence.Store, selfID string, interval, window time.Duration) *Keeper {
	return &Keeper{
		store:    store,
		selfID:   selfID,
		interval: interval,
		window:   window,
		now:      time.Now,
	}
}

// Start registers the participant (the creating upsert) and launches the
// refresh and prune loops. Both stop when ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) error {
	if err := k.register(ctx); err != nil {
		return err
	}

	go func() {
		t := time.NewTicker(k.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				k.Beat(ctx)
			}
		}
	}()

	go func() {
		t := time.NewTicker(pruneInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				k.Reap(ctx)
			}
		}
	}()

	return nil
}

func (k *Keeper) register(ctx context.Context) error {
	return k.store.Upsert(ctx, presence.Record{
		ID:       k.selfID,
		LastSeen: k.now(),
		Status:   presence.StatusOnline,
	})
}

// Beat refreshes LastSeen. A plain merge-patch, never a full upsert —
// pairing and signal fields belong to the matchmaker and the signaling
// channel. If the row was reaped while we were away it is re-created.
func (k *Keeper) Beat(ctx context.Context) {
	now := k.now()
	err := k.store.UpdateFields(ctx, k.selfID, presence.Fields{LastSeen: &now})
	if errors.Is(err, presence.ErrNotFound) {
		if err := k.register(ctx); err != nil {
			log.Printf("HEARTBEAT: re-register %s: %v", k.selfID, err)
		}
		return
	}
	if err != nil {
		log.Printf("HEARTBEAT: beat %s: %v", k.selfID, err)
	}
}

// Reap deletes every row (own row excepted) whose LastSeen fell out of
// the staleness window. The scan is unbounded on purpose: an age-capped
// query would hide rows idle longer than the cap and they would never
// be deleted.
func (k *Keeper) Reap(ctx context.Context) {
	recs, err := k.store.QueryActive(ctx, 0)
	if err != nil {
		log.Printf("HEARTBEAT: reap scan: %v", err)
		return
	}
	cutoff := k.now().Add(-k.window)
	for _, rec := range recs {
		if rec.ID == k.selfID || !rec.LastSeen.Before(cutoff) {
			continue
		}
		if err := k.store.Delete(ctx, rec.ID); err != nil {
			log.Printf("HEARTBEAT: reap %s: %v", rec.ID, err)
			continue
		}
		log.Printf("HEARTBEAT: reaped stale participant %s", rec.ID)
	}
}
