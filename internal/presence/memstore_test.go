package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_UpsertGet(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := Record{ID: "alice", LastSeen: time.Now(), Status: StatusWaiting}
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.False(t, got.Paired())
}

func TestMemStore_UpdateFieldsMergePatch(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{
		ID: "alice", LastSeen: time.Now(), Status: StatusWaiting,
	}))

	// A LastSeen-only patch must leave every other field alone.
	require.NoError(t, s.UpdateFields(ctx, "alice", PairingFields("room-1", "bob")))
	later := time.Now().Add(time.Minute)
	require.NoError(t, s.UpdateFields(ctx, "alice", Fields{LastSeen: &later}))

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "room-1", got.RoomID)
	assert.Equal(t, "bob", got.PartnerID)
	assert.Equal(t, StatusOnline, got.Status)
	assert.WithinDuration(t, later, got.LastSeen, time.Second)

	// Non-nil zero values overwrite: WaitingFields clears the pairing.
	require.NoError(t, s.UpdateFields(ctx, "alice", WaitingFields()))
	got, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, got.Paired())
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, SignalNone, got.SignalKind)

	err = s.UpdateFields(ctx, "nobody", Fields{LastSeen: &later})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_ClaimWaiting(t *testing.T) {
	ctx := context.Background()

	t.Run("claims a waiting record once", func(t *testing.T) {
		s := NewMemStore()
		defer s.Close()
		require.NoError(t, s.Upsert(ctx, Record{
			ID: "bob", LastSeen: time.Now(), Status: StatusWaiting,
		}))

		require.NoError(t, s.ClaimWaiting(ctx, "bob", PairingFields("room-1", "alice")))

		// The pairing landed.
		got, err := s.Get(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.PartnerID)

		// A second claim must lose: the record is no longer waiting.
		err = s.ClaimWaiting(ctx, "bob", PairingFields("room-2", "carol"))
		assert.ErrorIs(t, err, ErrConflict)

		got, err = s.Get(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.PartnerID, "losing claim must not overwrite the pairing")
	})

	t.Run("rejects online records", func(t *testing.T) {
		s := NewMemStore()
		defer s.Close()
		require.NoError(t, s.Upsert(ctx, Record{
			ID: "bob", LastSeen: time.Now(), Status: StatusOnline,
		}))
		err := s.ClaimWaiting(ctx, "bob", PairingFields("room-1", "alice"))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("missing record", func(t *testing.T) {
		s := NewMemStore()
		defer s.Close()
		err := s.ClaimWaiting(ctx, "nobody", PairingFields("room-1", "alice"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemStore_DeleteIdempotent(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{ID: "alice", LastSeen: time.Now(), Status: StatusOnline}))
	require.NoError(t, s.Delete(ctx, "alice"))
	require.NoError(t, s.Delete(ctx, "alice"), "deleting an absent record is not an error")

	_, err := s.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_QueryWaiting(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, Record{ID: "self", LastSeen: now, Status: StatusWaiting}))
	require.NoError(t, s.Upsert(ctx, Record{ID: "fresh", LastSeen: now, Status: StatusWaiting}))
	require.NoError(t, s.Upsert(ctx, Record{ID: "stale", LastSeen: now.Add(-time.Minute), Status: StatusWaiting}))
	require.NoError(t, s.Upsert(ctx, Record{ID: "busy", LastSeen: now, Status: StatusOnline, RoomID: "r", PartnerID: "x"}))

	got, err := s.QueryWaiting(ctx, "self", 30*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1, "self, stale and paired records must be excluded")
	assert.Equal(t, "fresh", got[0].ID)
}

func TestMemStore_QueryActiveUnboundedIncludesExpired(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, Record{ID: "fresh", LastSeen: now, Status: StatusOnline}))
	require.NoError(t, s.Upsert(ctx, Record{ID: "ancient", LastSeen: now.Add(-72 * time.Hour), Status: StatusWaiting}))

	bounded, err := s.QueryActive(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, "fresh", bounded[0].ID)

	all, err := s.QueryActive(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "no cutoff means every row, however old")
}

func TestMemStore_SubscribeOrdering(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	ch, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Upsert(ctx, Record{ID: "alice", LastSeen: time.Now(), Status: StatusWaiting}))
	require.NoError(t, s.UpdateFields(ctx, "alice", PairingFields("room-1", "bob")))
	require.NoError(t, s.Delete(ctx, "alice"))

	want := []ChangeKind{ChangeInsert, ChangeUpdate, ChangeDelete}
	for i, kind := range want {
		select {
		case c := <-ch:
			assert.Equal(t, kind, c.Kind, "event %d", i)
			assert.Equal(t, "alice", c.Record.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
