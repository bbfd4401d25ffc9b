package pool

import (
	"sync"

	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/relay"
)

// receiverBuffer bounds how far a notification consumer may fall
// behind before it starts missing notifications.
const receiverBuffer = 128

// Notification is one item on the pool's broadcast stream.
type Notification interface {
	isNotification()
}

// EventNotification carries a verified event and the relay it came
// from.
type EventNotification struct {
	RelayURL string
	Event    *event.T
}

// RelayStatusNotification reports a relay lifecycle transition.
type RelayStatusNotification struct {
	RelayURL string
	Status   relay.Status
}

// NoticeNotification carries a relay NOTICE message.
type NoticeNotification struct {
	RelayURL string
	Message  string
}

// LaggedNotification tells a slow consumer how many notifications it
// missed since it last kept up.
type LaggedNotification struct {
	Missed int64
}

// ShutdownNotification is the last notification every receiver gets
// before its channel closes.
type ShutdownNotification struct{}

func (EventNotification) isNotification()       {}
func (RelayStatusNotification) isNotification() {}
func (NoticeNotification) isNotification()      {}
func (LaggedNotification) isNotification()      {}
func (ShutdownNotification) isNotification()    {}

// Receiver is one independent cursor on the broadcast stream. A
// receiver that stops draining C misses notifications instead of
// blocking the relays; the gap is reported with a LaggedNotification
// once it catches up.
type Receiver struct {
	// C yields notifications in publication order. Closed on pool
	// shutdown or Receiver.Close.
	C <-chan Notification

	c      chan Notification
	missed int64
	b      *broadcaster
}

// Close detaches the receiver from the broadcast and closes C.
func (rc *Receiver) Close() {
	rc.b.unsubscribe(rc)
}

// broadcaster fans notifications out to any number of receivers.
// Producers never block: each receiver has its own buffer and its own
// missed counter.
type broadcaster struct {
	mx        sync.Mutex
	receivers map[*Receiver]struct{}
	closed    bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{receivers: make(map[*Receiver]struct{})}
}

func (b *broadcaster) subscribe() *Receiver {
	rc := &Receiver{c: make(chan Notification, receiverBuffer), b: b}
	rc.C = rc.c
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		close(rc.c)
		return rc
	}
	b.receivers[rc] = struct{}{}
	return rc
}

func (b *broadcaster) unsubscribe(rc *Receiver) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if _, ok := b.receivers[rc]; ok {
		delete(b.receivers, rc)
		close(rc.c)
	}
}

func (b *broadcaster) publish(n Notification) {
	b.mx.Lock()
	defer b.mx.Unlock()
	for rc := range b.receivers {
		if rc.missed > 0 {
			// the lag marker takes the first free slot; the gap stays
			// open until it fits
			select {
			case rc.c <- LaggedNotification{Missed: rc.missed}:
				rc.missed = 0
			default:
				rc.missed++
				continue
			}
		}
		select {
		case rc.c <- n:
		default:
			rc.missed++
		}
	}
}

func (b *broadcaster) close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for rc := range b.receivers {
		select {
		case rc.c <- ShutdownNotification{}:
		default:
		}
		close(rc.c)
		delete(b.receivers, rc)
	}
}
