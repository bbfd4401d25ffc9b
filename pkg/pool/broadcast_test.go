package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterLagSignalling(t *testing.T) {
	b := newBroadcaster()
	rec := b.subscribe()

	// overflow the receiver without draining it
	for i := 0; i < receiverBuffer+2; i++ {
		b.publish(NoticeNotification{Message: "n"})
	}
	for i := 0; i < receiverBuffer; i++ {
		<-rec.C
	}

	// the next publication is preceded by the gap marker
	b.publish(NoticeNotification{Message: "after the gap"})
	lag, ok := (<-rec.C).(LaggedNotification)
	require.True(t, ok, "expected the lag marker first")
	assert.Equal(t, int64(2), lag.Missed)

	n, ok := (<-rec.C).(NoticeNotification)
	require.True(t, ok)
	assert.Equal(t, "after the gap", n.Message)
}

func TestBroadcasterSlowConsumerNeverBlocks(t *testing.T) {
	b := newBroadcaster()
	rec := b.subscribe()
	defer rec.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*receiverBuffer; i++ {
			b.publish(NoticeNotification{Message: "n"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}

func TestBroadcasterCloseIsTerminal(t *testing.T) {
	b := newBroadcaster()
	rec := b.subscribe()
	b.close()

	n, ok := <-rec.C
	require.True(t, ok)
	assert.IsType(t, ShutdownNotification{}, n)
	_, ok = <-rec.C
	assert.False(t, ok, "channel must be closed after the shutdown marker")

	// subscribing after close yields an already-closed receiver
	late := b.subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestReceiverCloseDetaches(t *testing.T) {
	b := newBroadcaster()
	rec := b.subscribe()
	rec.Close()
	rec.Close() // closing twice is fine

	_, ok := <-rec.C
	assert.False(t, ok)
	b.publish(NoticeNotification{Message: "n"}) // must not panic
}
