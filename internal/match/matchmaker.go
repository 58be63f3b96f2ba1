// Package match pairs waiting participants. The only correctness-
// critical operation in the whole system lives here: the conditional
// claim of a waiting candidate, which guarantees at-most-one pairing
// per participant even when many nodes attempt to match concurrently.
package match

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

var (
	// ErrNoPartner means nobody was waiting; the caller's record is now
	// in the pool and it should wait for an external pairing write.
	ErrNoPartner = errors.New("match: no partner available")

	// ErrPairingConflict means every candidate was claimed by somebody
	// else first. Expected and frequent; recovered exactly like
	// ErrNoPartner. Kept distinct so callers can count contention.
	ErrPairingConflict = errors.New("match: candidate already paired")

	// ErrUnavailable means the presence store could not be reached. The
	// caller retries with backoff; this is never treated as "no partner".
	ErrUnavailable = errors.New("match: presence store unavailable")
)

// Pairing is a committed match. Initiator is true when the local side
// performed the pairing write — that side authors the offer.
type Pairing struct {
	RoomID    string
	PartnerID string
	Initiator bool
}

// Matchmaker finds partners for one local participant.
type Matchmaker struct {
	store  presence.Store
	selfID string
	window time.Duration
}

// New creates a Matchmaker. window is the liveness window candidates
// must fall inside.
func New(store presence.Store, selfID string, window time.Duration) *Matchmaker {
	return &Matchmaker{store: store, selfID: selfID, window: window}
}

// FindPartner queries the pool and either commits a pairing or parks
// the local record in waiting state.
//
// The candidate's row is claimed first, conditionally: the patch lands
// only while the candidate is still waiting and unpartnered. Whichever
// concurrent attempt satisfies that condition wins; every loser falls
// back to waiting. Self's row is patched only after a won claim, so an
// asymmetric pairing can only exist for the window between the two
// writes and is closed by the second one.
func (m *Matchmaker) FindPartner(ctx context.Context) (Pairing, error) {
	candidates, err := m.store.QueryWaiting(ctx, m.selfID, m.window)
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	conflicts := 0
	for _, cand := range candidates {
		if cand.ID == m.selfID {
			// QueryWaiting excludes self; keep the invariant locally too.
			continue
		}
		roomID := "room-" + uuid.NewString()
		err := m.store.ClaimWaiting(ctx, cand.ID, presence.PairingFields(roomID, m.selfID))
		switch {
		case err == nil:
			if err := m.store.UpdateFields(ctx, m.selfID,
				presence.PairingFields(roomID, cand.ID)); err != nil {
				return Pairing{}, fmt.Errorf("%w: commit self pairing: %v", ErrUnavailable, err)
			}
			log.Printf("MATCH: %s paired with %s in %s", m.selfID, cand.ID, roomID)
			return Pairing{RoomID: roomID, PartnerID: cand.ID, Initiator: true}, nil
		case errors.Is(err, presence.ErrConflict), errors.Is(err, presence.ErrNotFound):
			// Claimed by another node, or reaped. Try the next candidate.
			conflicts++
		default:
			return Pairing{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	// Somebody may have claimed us between our query and now. Re-read
	// before parking in the pool: blindly entering waiting here would
	// wipe a pairing another node just committed on our row.
	if rec, err := m.store.Get(ctx, m.selfID); err == nil && rec.Paired() {
		log.Printf("MATCH: %s adopted pairing from %s in %s", m.selfID, rec.PartnerID, rec.RoomID)
		return Pairing{RoomID: rec.RoomID, PartnerID: rec.PartnerID}, nil
	}

	if err := m.EnterWaiting(ctx); err != nil {
		return Pairing{}, err
	}
	if conflicts > 0 {
		log.Printf("MATCH: %s lost %d claim race(s), back to waiting", m.selfID, conflicts)
		return Pairing{}, ErrPairingConflict
	}
	return Pairing{}, ErrNoPartner
}

// EnterWaiting parks the local record in the pool: waiting status, no
// room, no partner, no outstanding signal.
func (m *Matchmaker) EnterWaiting(ctx context.Context) error {
	err := m.store.UpdateFields(ctx, m.selfID, presence.WaitingFields())
	if errors.Is(err, presence.ErrNotFound) {
		// Own row reaped (e.g. laptop slept past the staleness window).
		err = m.store.Upsert(ctx, presence.Record{
			ID:       m.selfID,
			LastSeen: time.Now(),
			Status:   presence.StatusWaiting,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Backoff returns the retry policy for store outages: bounded
// exponential with jitter, so a herd of waiting participants does not
// re-query in lockstep.
func Backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0 // retry until ctx is cancelled
	return backoff.WithContext(b, ctx)
}
