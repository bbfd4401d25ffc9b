package relay

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"lukechampine.com/frand"

	"github.com/poolstr/poolstr/pkg/envelope"
	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/filter"
	"github.com/poolstr/poolstr/pkg/metrics"
)

// subscriptionEventBuffer bounds how far a subscription consumer may
// fall behind before events are dropped; the read loop never blocks
// on a slow consumer.
const subscriptionEventBuffer = 512

var subscriptionCounter atomic.Int64

// Subscription is one standing REQ on one relay. It survives
// reconnects: the relay fires it again on every new connection.
type Subscription struct {
	label   string
	counter int64
	id      string

	relay   *T
	Filters filter.S

	// Events emits everything the relay delivers for this
	// subscription, in arrival order, after verification.
	Events chan *event.T

	// EndOfStoredEvents receives one signal per EOSE. Buffered events
	// that arrived before the EOSE are already in Events.
	EndOfStoredEvents chan struct{}

	// ClosedReason emits the reason when the relay ends the
	// subscription with CLOSED.
	ClosedReason chan string

	// Context is done when the subscription is over.
	Context context.Context
	cancel  context.CancelFunc

	// guards the close of Events against in-flight dispatches
	mx      sync.Mutex
	live    atomic.Bool
	closed  atomic.Bool
	dropped atomic.Int64
}

// SubscriptionOption configures a subscription.
type SubscriptionOption interface {
	IsSubscriptionOption()
}

// WithLabel prefixes the generated subscription id, which helps when
// reading relay logs.
type WithLabel string

func (WithLabel) IsSubscriptionOption() {}

// WithID sets the exact wire subscription id instead of the generated
// label:counter form. Used by the pool to keep one id across relays.
type WithID string

func (WithID) IsSubscriptionOption() {}

// Subscribe sends REQ with the given filters. Events arrive on
// sub.Events until the context is canceled or Unsub is called.
func (r *T) Subscribe(ctx context.Context, f filter.S,
	opts ...SubscriptionOption) (*Subscription, error) {

	sub := r.PrepareSubscription(ctx, f, opts...)
	if err := sub.Fire(); err != nil {
		sub.Unsub()
		return nil, fmt.Errorf("couldn't subscribe to %v at %s: %w",
			f, r.URL, err)
	}
	return sub, nil
}

// PrepareSubscription registers a subscription without sending the
// REQ; Fire sends it.
func (r *T) PrepareSubscription(ctx context.Context, f filter.S,
	opts ...SubscriptionOption) *Subscription {

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		label:             hex.EncodeToString(frand.Bytes(4)),
		counter:           subscriptionCounter.Add(1),
		relay:             r,
		Filters:           f,
		Events:            make(chan *event.T, subscriptionEventBuffer),
		EndOfStoredEvents: make(chan struct{}, 1),
		ClosedReason:      make(chan string, 1),
		Context:           ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		switch o := opt.(type) {
		case WithLabel:
			sub.label = string(o)
		case WithID:
			sub.id = string(o)
		}
	}
	r.subscriptions.Store(sub.ID(), sub)

	go func() {
		<-ctx.Done()
		sub.Unsub()
	}()
	return sub
}

// ID returns the wire subscription id, unique per subscription.
func (sub *Subscription) ID() string {
	if sub.id != "" {
		return sub.id
	}
	return sub.label + ":" + strconv.FormatInt(sub.counter, 10)
}

// IsLive reports whether the REQ is outstanding.
func (sub *Subscription) IsLive() bool { return sub.live.Load() }

// Dropped returns how many events were discarded because the consumer
// lagged more than the buffer.
func (sub *Subscription) Dropped() int64 { return sub.dropped.Load() }

// Fire sends the REQ. Called again automatically after reconnects.
func (sub *Subscription) Fire() error {
	msg, err := envelope.Req{
		SubscriptionID: sub.ID(),
		Filters:        sub.Filters,
	}.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding REQ: %w", err)
	}
	log.Debug().Str("relay", sub.relay.URL).RawJSON("msg", msg).Msg("sending")
	sub.live.Store(true)
	if err := <-sub.relay.Write(msg); err != nil {
		// stays live so the reconnect hook fires it again
		return fmt.Errorf("failed to write REQ: %w", err)
	}
	return nil
}

// Unsub ends the subscription: sends CLOSE if still connected,
// removes it from the relay and closes Events.
func (sub *Subscription) Unsub() {
	sub.cancel()
	if sub.live.CompareAndSwap(true, false) {
		sub.sendClose()
	}
	sub.relay.subscriptions.Delete(sub.ID())
	sub.mx.Lock()
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.Events)
	}
	sub.mx.Unlock()
}

func (sub *Subscription) sendClose() {
	if !sub.relay.IsConnected() {
		return
	}
	closeEnv := envelope.Close(sub.ID())
	msg, _ := closeEnv.MarshalJSON()
	log.Debug().Str("relay", sub.relay.URL).RawJSON("msg", msg).Msg("sending")
	<-sub.relay.Write(msg)
}

// dispatchEvent hands an already-verified event to the consumer
// without ever blocking the read loop.
func (sub *Subscription) dispatchEvent(ev *event.T) {
	sub.mx.Lock()
	defer sub.mx.Unlock()
	if !sub.live.Load() || sub.closed.Load() {
		return
	}
	select {
	case sub.Events <- ev:
	default:
		sub.dropped.Add(1)
		metrics.NotificationsLagged.Inc()
		log.Warn().Str("relay", sub.relay.URL).Str("sub", sub.ID()).
			Msg("subscription consumer lagging, dropping event")
	}
}

func (sub *Subscription) dispatchEOSE() {
	select {
	case sub.EndOfStoredEvents <- struct{}{}:
	default:
	}
}

func (sub *Subscription) dispatchClosed(reason string) {
	select {
	case sub.ClosedReason <- reason:
	default:
	}
	sub.live.Store(false)
}
