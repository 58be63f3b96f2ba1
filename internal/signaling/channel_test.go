package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

func TestChannel_DeliversPartnerPayloads(t *testing.T) {
	store := presence.NewMemStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, presence.Record{
		ID: "alice", LastSeen: time.Now(), Status: presence.StatusOnline,
		RoomID: "room-1", PartnerID: "bob",
	}))
	require.NoError(t, store.Upsert(ctx, presence.Record{
		ID: "bob", LastSeen: time.Now(), Status: presence.StatusOnline,
		RoomID: "room-1", PartnerID: "alice",
	}))

	ch := NewChannel(store, "alice")
	defer ch.Close()

	// Bob publishes an offer on his own row.
	require.NoError(t, store.UpdateFields(ctx, "bob",
		presence.SignalFields(presence.SignalOffer, `{"type":"offer"}`, time.Now())))

	select {
	case in := <-ch.Inbound():
		assert.Equal(t, "bob", in.From)
		assert.Equal(t, "room-1", in.RoomID)
		assert.Equal(t, presence.SignalOffer, in.Envelope.Kind)
		assert.Equal(t, `{"type":"offer"}`, in.Envelope.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("offer never arrived")
	}
}

func TestChannel_IgnoresUnrelatedRows(t *testing.T) {
	store := presence.NewMemStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, presence.Record{
		ID: "alice", LastSeen: time.Now(), Status: presence.StatusOnline,
		RoomID: "room-1", PartnerID: "bob",
	}))

	ch := NewChannel(store, "alice")
	defer ch.Close()

	// Own row, a stranger's signal, a stranger pairing elsewhere and a
	// malformed partner payload must all be filtered out.
	require.NoError(t, store.UpdateFields(ctx, "alice",
		presence.SignalFields(presence.SignalOffer, `{"type":"offer"}`, time.Now())))
	require.NoError(t, store.Upsert(ctx, presence.Record{
		ID: "carol", LastSeen: time.Now(), Status: presence.StatusOnline,
		RoomID: "room-2", PartnerID: "dave",
		SignalKind: presence.SignalOffer, SignalPayload: `{"type":"offer"}`, SignalTS: time.Now(),
	}))
	require.NoError(t, store.Upsert(ctx, presence.Record{
		ID: "bob", LastSeen: time.Now(), Status: presence.StatusOnline,
		RoomID: "room-1", PartnerID: "alice",
		SignalKind: presence.SignalOffer, SignalPayload: `{"type":`, SignalTS: time.Now(),
	}))

	select {
	case in := <-ch.Inbound():
		t.Fatalf("unexpected inbound %+v", in)
	case <-time.After(300 * time.Millisecond):
	}

	// A well-formed partner payload still gets through afterwards.
	require.NoError(t, store.UpdateFields(ctx, "bob",
		presence.SignalFields(presence.SignalAnswer, `{"type":"answer"}`, time.Now())))

	select {
	case in := <-ch.Inbound():
		assert.Equal(t, presence.SignalAnswer, in.Envelope.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("answer never arrived")
	}
}

func TestChannel_PublishAndClear(t *testing.T) {
	store := presence.NewMemStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, presence.Record{
		ID: "alice", LastSeen: time.Now(), Status: presence.StatusOnline,
		RoomID: "room-1", PartnerID: "bob",
	}))

	ch := NewChannel(store, "alice")
	defer ch.Close()

	require.NoError(t, ch.Publish(ctx, presence.SignalCandidate, `{"candidate":"candidate:1"}`))

	rec, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, presence.SignalCandidate, rec.SignalKind)
	assert.Equal(t, `{"candidate":"candidate:1"}`, rec.SignalPayload)
	assert.False(t, rec.SignalTS.IsZero())

	require.NoError(t, ch.Clear(ctx))
	rec, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, presence.SignalNone, rec.SignalKind)
	assert.Empty(t, rec.SignalPayload)

	// Pairing fields are untouched by signal writes.
	assert.Equal(t, "room-1", rec.RoomID)
	assert.Equal(t, "bob", rec.PartnerID)
}

func TestChannel_CloseStopsInbound(t *testing.T) {
	store := presence.NewMemStore()
	defer store.Close()

	ch := NewChannel(store, "alice")
	ch.Close()
	ch.Close() // idempotent

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch.Inbound():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
