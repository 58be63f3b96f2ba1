package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

func TestDecode(t *testing.T) {
	ts := time.Now()

	tests := []struct {
		name    string
		rec     presence.Record
		want    Envelope
		carries bool
		wantErr bool
	}{
		{
			name:    "no outstanding signal",
			rec:     presence.Record{ID: "alice"},
			carries: false,
		},
		{
			name: "offer",
			rec: presence.Record{
				ID:            "alice",
				SignalKind:    presence.SignalOffer,
				SignalPayload: `{"type":"offer","sdp":"v=0"}`,
				SignalTS:      ts,
			},
			want: Envelope{
				Kind:    presence.SignalOffer,
				Payload: `{"type":"offer","sdp":"v=0"}`,
				TS:      ts,
			},
			carries: true,
		},
		{
			name: "candidate",
			rec: presence.Record{
				ID:            "bob",
				SignalKind:    presence.SignalCandidate,
				SignalPayload: `{"candidate":"candidate:1"}`,
				SignalTS:      ts,
			},
			want: Envelope{
				Kind:    presence.SignalCandidate,
				Payload: `{"candidate":"candidate:1"}`,
				TS:      ts,
			},
			carries: true,
		},
		{
			name: "unknown kind",
			rec: presence.Record{
				ID:            "alice",
				SignalKind:    presence.SignalKind("renegotiate"),
				SignalPayload: `{}`,
			},
			wantErr: true,
		},
		{
			name: "empty payload",
			rec: presence.Record{
				ID:         "alice",
				SignalKind: presence.SignalOffer,
			},
			wantErr: true,
		},
		{
			name: "malformed payload",
			rec: presence.Record{
				ID:            "alice",
				SignalKind:    presence.SignalAnswer,
				SignalPayload: `{"type":`,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok, err := Decode(tt.rec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.carries, ok)
			if tt.carries {
				assert.Equal(t, tt.want.Kind, env.Kind)
				assert.Equal(t, tt.want.Payload, env.Payload)
				assert.True(t, tt.want.TS.Equal(env.TS))
			}
		})
	}
}

func TestOfferClashWinner(t *testing.T) {
	assert.Equal(t, "alice", OfferClashWinner("alice", "bob"))
	assert.Equal(t, "alice", OfferClashWinner("bob", "alice"))
	// Same answer no matter which side asks — that is the point.
	assert.Equal(t, OfferClashWinner("x", "y"), OfferClashWinner("y", "x"))
}
