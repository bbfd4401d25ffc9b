// Package pool owns a set of relays and presents them as one logical
// endpoint: broadcast publishing, a shared standing subscription, a
// fan-out notification stream and deduplicated aggregate queries.
package pool

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/rs/zerolog/log"
	"lukechampine.com/frand"

	"github.com/poolstr/poolstr/pkg/envelope"
	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/filter"
	"github.com/poolstr/poolstr/pkg/normalize"
	"github.com/poolstr/poolstr/pkg/relay"
)

var (
	ErrInvalidURL    = errors.New("invalid relay URL")
	ErrRelayNotFound = errors.New("relay not found")
	ErrPoolClosed    = errors.New("pool is closed")
)

// seenCacheSize bounds the memory spent remembering which event ids
// already went out on the notification stream.
const seenCacheSize = 8192

// T is a set of relays addressed as one. Safe for concurrent use.
type T struct {
	ctx    context.Context
	cancel context.CancelFunc

	relays    *xsync.MapOf[string, *relay.T]
	relayOpts []relay.Option

	broadcaster *broadcaster
	seen        *lru.Cache[string, struct{}]

	// the pool-wide standing subscription, one per pool
	subMx      sync.Mutex
	subID      string
	subFilters filter.S
	subCtx     context.Context
	subCancel  context.CancelFunc
	subs       map[string]*relay.Subscription

	closed atomic.Bool
}

// Option configures a pool at construction.
type Option interface {
	IsPoolOption()
}

// WithRelayOptions forwards relay options to every relay the pool
// creates.
type WithRelayOptions []relay.Option

func (WithRelayOptions) IsPoolOption() {}

// New builds an empty pool. The context bounds the lifetime of every
// relay the pool creates.
func New(ctx context.Context, opts ...Option) *T {
	ctx, cancel := context.WithCancel(ctx)
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	p := &T{
		ctx:         ctx,
		cancel:      cancel,
		relays:      xsync.NewMapOf[*relay.T](),
		broadcaster: newBroadcaster(),
		seen:        seen,
		subs:        make(map[string]*relay.Subscription),
	}
	for _, opt := range opts {
		switch o := opt.(type) {
		case WithRelayOptions:
			p.relayOpts = append(p.relayOpts, o...)
		}
	}
	return p
}

// AddRelay registers a relay under its normalized URL in the
// Initialized state. Adding a URL that is already present returns the
// existing relay, never a second entry.
func (p *T) AddRelay(url string, opts ...relay.Option) (*relay.T, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	nm := normalize.URL(url)
	if nm == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	if rl, ok := p.relays.Load(nm); ok {
		return rl, nil
	}
	ro := make([]relay.Option, 0, len(p.relayOpts)+len(opts)+2)
	ro = append(ro, p.relayOpts...)
	ro = append(ro, opts...)
	// pool handlers go last so they cannot be displaced
	ro = append(ro,
		relay.WithStatusHandler(func(rl *relay.T, status relay.Status) {
			p.broadcaster.publish(RelayStatusNotification{
				RelayURL: rl.URL, Status: status,
			})
		}),
		relay.WithNoticeHandler(func(notice string) {
			p.broadcaster.publish(NoticeNotification{
				RelayURL: nm, Message: notice,
			})
		}),
	)
	rl := relay.New(p.ctx, nm, ro...)
	if actual, loaded := p.relays.LoadOrStore(nm, rl); loaded {
		rl.Terminate()
		return actual, nil
	}
	// a standing subscription extends to relays added after it was
	// opened; it fires once the relay connects
	p.subMx.Lock()
	if p.subID != "" {
		p.attachSubscriptionLocked(rl)
	}
	p.subMx.Unlock()
	return rl, nil
}

// RemoveRelay terminates the relay and forgets it. Termination cancels
// any reconnect attempts in flight.
func (p *T) RemoveRelay(url string) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	nm := normalize.URL(url)
	if nm == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	rl, ok := p.relays.LoadAndDelete(nm)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRelayNotFound, nm)
	}
	p.subMx.Lock()
	delete(p.subs, nm)
	p.subMx.Unlock()
	rl.Terminate()
	return nil
}

// Relay returns the relay registered under the normalized URL.
func (p *T) Relay(url string) (*relay.T, bool) {
	return p.relays.Load(normalize.URL(url))
}

// Relays returns the URLs of every registered relay.
func (p *T) Relays() []string {
	urls := make([]string, 0, p.relays.Size())
	p.relays.Range(func(url string, _ *relay.T) bool {
		urls = append(urls, url)
		return true
	})
	return urls
}

// Connect dials every relay. Per-relay failures are independent: a
// relay that cannot be reached keeps retrying in the background and
// does not abort the others.
func (p *T) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	var wg sync.WaitGroup
	p.relays.Range(func(url string, rl *relay.T) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Connect(ctx); err != nil {
				log.Warn().Err(err).Str("relay", url).
					Msg("connect failed, retrying in background")
			}
		}()
		return true
	})
	wg.Wait()
	return nil
}

// Disconnect drops every relay's socket without terminating them;
// Connect brings them back.
func (p *T) Disconnect() error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.relays.Range(func(_ string, rl *relay.T) bool {
		rl.Disconnect()
		return true
	})
	return nil
}

// Subscribe opens the pool's standing subscription: one subscription
// id, sent as REQ to every read-capable relay, refreshed automatically
// on reconnects and extended to relays added later. A previous
// standing subscription is closed first.
func (p *T) Subscribe(ctx context.Context, f filter.S) (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}
	p.closeStandingSub()

	p.subMx.Lock()
	defer p.subMx.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	p.subID = "pool:" + hex.EncodeToString(frand.Bytes(8))
	p.subFilters = f
	p.subCtx = ctx
	p.subCancel = cancel
	p.relays.Range(func(_ string, rl *relay.T) bool {
		p.attachSubscriptionLocked(rl)
		return true
	})
	return p.subID, nil
}

// attachSubscriptionLocked registers the standing subscription on one
// relay and starts forwarding its deliveries to the broadcast stream.
// Caller holds subMx.
func (p *T) attachSubscriptionLocked(rl *relay.T) {
	if !rl.Caps.Read {
		return
	}
	sub := rl.PrepareSubscription(p.subCtx, p.subFilters, relay.WithID(p.subID))
	if err := sub.Fire(); err != nil {
		// not connected yet; the REQ goes out on the next dial
		log.Debug().Err(err).Str("relay", rl.URL).Msg("REQ deferred")
	}
	p.subs[rl.URL] = sub
	go p.forward(rl.URL, sub)
}

// forward drains one relay subscription into the broadcast stream,
// dropping event ids the pool has already published.
func (p *T) forward(url string, sub *relay.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if _, dup := p.seen.Get(ev.ID); dup {
				continue
			}
			p.seen.Add(ev.ID, struct{}{})
			p.broadcaster.publish(EventNotification{RelayURL: url, Event: ev})
		case reason := <-sub.ClosedReason:
			log.Warn().Str("relay", url).Str("reason", reason).
				Msg("relay closed our subscription")
		case <-sub.Context.Done():
			return
		}
	}
}

// Unsubscribe closes the standing subscription on every relay and
// clears the stored filter set.
func (p *T) Unsubscribe() error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.closeStandingSub()
	return nil
}

func (p *T) closeStandingSub() {
	p.subMx.Lock()
	defer p.subMx.Unlock()
	if p.subID == "" {
		return
	}
	for _, sub := range p.subs {
		sub.Unsub()
	}
	if p.subCancel != nil {
		p.subCancel()
	}
	p.subID = ""
	p.subFilters = nil
	p.subCtx = nil
	p.subCancel = nil
	p.subs = make(map[string]*relay.Subscription)
}

// SendMsg broadcasts one client message to every write-capable relay.
func (p *T) SendMsg(env envelope.E) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	msg, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	p.relays.Range(func(url string, rl *relay.T) bool {
		if !rl.Caps.Write {
			return true
		}
		go func() {
			if err := <-rl.Write(msg); err != nil {
				log.Debug().Err(err).Str("relay", url).Msg("send failed")
			}
		}()
		return true
	})
	return nil
}

// SendMsgTo sends one client message to the relay registered under
// url.
func (p *T) SendMsgTo(url string, env envelope.E) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	rl, ok := p.relays.Load(normalize.URL(url))
	if !ok {
		return fmt.Errorf("%w: %s", ErrRelayNotFound, url)
	}
	msg, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return <-rl.Write(msg)
}

// Publish sends an already-signed event to every connected
// write-capable relay and waits for the OKs. It succeeds when at least
// one relay accepts the event.
func (p *T) Publish(ctx context.Context, ev *event.T) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	var wg sync.WaitGroup
	var mx sync.Mutex
	var accepted int
	var errs []error
	p.relays.Range(func(url string, rl *relay.T) bool {
		if !rl.Caps.Write || !rl.IsConnected() {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rl.Publish(ctx, ev)
			mx.Lock()
			defer mx.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return
			}
			accepted++
		}()
		return true
	})
	wg.Wait()
	if accepted > 0 {
		return nil
	}
	if len(errs) == 0 {
		return ErrRelayNotFound
	}
	return errors.Join(errs...)
}

// Notifications returns a new independent receiver of the broadcast
// stream. Late receivers miss earlier notifications; a slow receiver
// drops with an explicit lag marker instead of blocking the relays.
func (p *T) Notifications() *Receiver {
	return p.broadcaster.subscribe()
}

// Shutdown terminates every relay, closes the notification stream and
// marks the pool unusable. Every later call on the pool, including
// Shutdown itself, returns ErrPoolClosed.
func (p *T) Shutdown() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	p.subMx.Lock()
	for _, sub := range p.subs {
		sub.Unsub()
	}
	if p.subCancel != nil {
		p.subCancel()
	}
	p.subs = make(map[string]*relay.Subscription)
	p.subID = ""
	p.subMx.Unlock()
	p.relays.Range(func(url string, rl *relay.T) bool {
		rl.Terminate()
		p.relays.Delete(url)
		return true
	})
	p.broadcaster.close()
	p.cancel()
	return nil
}
