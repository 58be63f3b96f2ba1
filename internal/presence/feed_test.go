package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_PreservesOrderPerSubscriber(t *testing.T) {
	f := NewFeed()
	defer f.Close()

	ch, cancel := f.Subscribe()
	defer cancel()

	const n = 200
	for i := 0; i < n; i++ {
		f.Publish(Change{Kind: ChangeUpdate, Record: Record{ID: fmt.Sprintf("rec-%d", i)}})
	}

	for i := 0; i < n; i++ {
		select {
		case c := <-ch:
			require.Equal(t, fmt.Sprintf("rec-%d", i), c.Record.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestFeed_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	f := NewFeed()
	defer f.Close()

	// Never read from this one.
	_, cancelSlow := f.Subscribe()
	defer cancelSlow()

	ch, cancel := f.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			f.Publish(Change{Kind: ChangeUpdate, Record: Record{ID: "x"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by a slow subscriber")
	}

	// The live subscriber still gets everything.
	for i := 0; i < 1000; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("live subscriber starved at event %d", i)
		}
	}
}

func TestFeed_CancelAndClose(t *testing.T) {
	f := NewFeed()

	ch1, cancel1 := f.Subscribe()
	ch2, _ := f.Subscribe()

	cancel1()
	f.Publish(Change{Kind: ChangeUpdate, Record: Record{ID: "a"}})

	// ch1 is closed; ch2 still delivers.
	assertClosedEventually(t, ch1)
	select {
	case c := <-ch2:
		assert.Equal(t, "a", c.Record.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("surviving subscriber got nothing")
	}

	f.Close()
	assertClosedEventually(t, ch2)

	// Subscribing after Close yields an already-closed channel.
	ch3, _ := f.Subscribe()
	_, ok := <-ch3
	assert.False(t, ok)
}

func assertClosedEventually(t *testing.T, ch <-chan Change) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}
