// Package relay maintains one stateful connection to one relay
// endpoint: the connect/reconnect state machine, the outbound write
// queue and the inbound decode-and-forward loop.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
	"github.com/rs/zerolog/log"

	"github.com/poolstr/poolstr/pkg/connection"
	"github.com/poolstr/poolstr/pkg/envelope"
	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/keys"
	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/metrics"
	"github.com/poolstr/poolstr/pkg/tags"
)

// Status is the connection state of a relay.
type Status int32

const (
	StatusInitialized Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusTerminated:
		return "terminated"
	}
	return "unknown"
}

// Capabilities records what the pool may route to this relay.
type Capabilities struct {
	Read  bool
	Write bool
}

// ReadWrite is the default capability set.
var ReadWrite = Capabilities{Read: true, Write: true}

// Reconnect backoff: grows by 17/10 per failed attempt, capped.
const (
	initialBackoff = 3 * time.Second
	maxBackoff     = 2 * time.Minute
	pingInterval   = 29 * time.Second
	defaultTimeout = 7 * time.Second
)

var ErrConnectionClosed = errors.New("connection closed")

// T is one relay endpoint. Owned by the pool; all methods are safe
// for concurrent use.
type T struct {
	URL           string
	Caps          Capabilities
	RequestHeader http.Header

	// relay lifetime; canceled by Terminate and never reset
	ctx    context.Context
	cancel context.CancelFunc

	status   atomic.Int32
	statusFn func(*T, Status)
	noticeFn func(string)

	// per-connection; replaced on every (re)dial
	connMx     sync.Mutex
	conn       *connection.T
	connCtx    context.Context
	connCancel context.CancelFunc

	subscriptions *xsync.MapOf[string, *Subscription]
	okCallbacks   *xsync.MapOf[string, func(bool, string)]
	writeQueue    chan writeRequest

	challengeMx sync.Mutex
	challenge   string

	// suppresses automatic reconnects after an explicit Disconnect
	suspended atomic.Bool

	// skip signature checks for events from this relay
	assumeValid bool
}

type writeRequest struct {
	msg    []byte
	answer chan error
}

// Option configures a relay at construction.
type Option interface {
	IsRelayOption()
}

// WithNoticeHandler receives relay NOTICE messages; when absent they
// are only logged.
type WithNoticeHandler func(notice string)

func (WithNoticeHandler) IsRelayOption() {}

// WithStatusHandler observes every status transition; the pool uses
// this to publish lifecycle notifications.
type WithStatusHandler func(rl *T, status Status)

func (WithStatusHandler) IsRelayOption() {}

// WithCapabilities restricts what may be routed to the relay.
type WithCapabilities Capabilities

func (WithCapabilities) IsRelayOption() {}

// WithAssumeValid skips signature verification for events delivered
// by this relay. Only for relays you operate yourself.
type WithAssumeValid bool

func (WithAssumeValid) IsRelayOption() {}

// New builds a relay in the Initialized state. url must already be
// normalized; the pool guarantees that.
func New(ctx context.Context, url string, opts ...Option) *T {
	ctx, cancel := context.WithCancel(ctx)
	r := &T{
		URL:           url,
		Caps:          ReadWrite,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: xsync.NewMapOf[*Subscription](),
		okCallbacks:   xsync.NewMapOf[func(bool, string)](),
		writeQueue:    make(chan writeRequest),
	}
	for _, opt := range opts {
		switch o := opt.(type) {
		case WithNoticeHandler:
			r.noticeFn = o
		case WithStatusHandler:
			r.statusFn = o
		case WithCapabilities:
			r.Caps = Capabilities(o)
		case WithAssumeValid:
			r.assumeValid = bool(o)
		}
	}
	return r
}

// Connect dials the relay, transitioning Initialized -> Connecting ->
// Connected. On dial failure the relay schedules background retries
// with growing backoff and Connect returns the first error; the relay
// keeps trying until it is terminated.
func Connect(ctx context.Context, url string, opts ...Option) (*T, error) {
	r := New(context.Background(), url, opts...)
	return r, r.Connect(ctx)
}

func (r *T) String() string { return r.URL }

// Status returns the current state machine position.
func (r *T) Status() Status { return Status(r.status.Load()) }

// IsConnected reports whether the relay currently holds a live
// socket.
func (r *T) IsConnected() bool { return r.Status() == StatusConnected }

// Context is done once the relay has been terminated.
func (r *T) Context() context.Context { return r.ctx }

func (r *T) setStatus(s Status) {
	old := Status(r.status.Swap(int32(s)))
	if old == s {
		return
	}
	if s == StatusConnected {
		metrics.RelaysConnected.Inc()
	} else if old == StatusConnected {
		metrics.RelaysConnected.Dec()
	}
	if r.statusFn != nil {
		r.statusFn(r, s)
	}
}

// Connect performs the initial dial. See the package-level Connect.
func (r *T) Connect(ctx context.Context) error {
	if r.URL == "" {
		return fmt.Errorf("invalid relay URL %q", r.URL)
	}
	if r.Status() == StatusTerminated {
		return fmt.Errorf("relay %s is terminated", r.URL)
	}
	r.suspended.Store(false)
	// only one caller wins the transition into Connecting; a dial or
	// reconnect already in flight is left alone
	if !r.status.CompareAndSwap(int32(StatusInitialized), int32(StatusConnecting)) &&
		!r.status.CompareAndSwap(int32(StatusDisconnected), int32(StatusConnecting)) {
		return nil
	}
	if r.statusFn != nil {
		r.statusFn(r, StatusConnecting)
	}
	if err := r.dial(ctx); err != nil {
		r.setStatus(StatusDisconnected)
		go r.reconnectLoop()
		return err
	}
	return nil
}

// dial opens the socket and starts the read and write loops. On
// success all live subscriptions are re-sent: the relay has no memory
// of a dropped connection's subscriptions.
func (r *T) dial(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	conn, err := connection.New(ctx, r.URL, r.RequestHeader)
	if err != nil {
		return fmt.Errorf("error opening websocket to %s: %w", r.URL, err)
	}

	r.connMx.Lock()
	connCtx, connCancel := context.WithCancel(r.ctx)
	r.conn = conn
	r.connCtx = connCtx
	r.connCancel = connCancel
	r.connMx.Unlock()

	r.setStatus(StatusConnected)
	log.Debug().Str("relay", r.URL).Msg("connected")

	go r.writeLoop(conn, connCtx)
	go r.readLoop(conn, connCtx, connCancel)

	r.subscriptions.Range(func(_ string, sub *Subscription) bool {
		if sub.IsLive() {
			if err := sub.Fire(); err != nil {
				log.Warn().Err(err).Str("relay", r.URL).
					Str("sub", sub.ID()).Msg("resubscribe failed")
			}
		}
		return true
	})
	return nil
}

// reconnectLoop retries the dial with growing backoff until it
// succeeds or the relay is terminated.
func (r *T) reconnectLoop() {
	interval := initialBackoff
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(interval):
		}
		if r.suspended.Load() {
			return
		}
		if !r.status.CompareAndSwap(int32(StatusDisconnected),
			int32(StatusConnecting)) {
			return
		}
		metrics.RelayReconnects.Inc()
		if r.statusFn != nil {
			r.statusFn(r, StatusConnecting)
		}
		if err := r.dial(r.ctx); err == nil {
			return
		}
		r.setStatus(StatusDisconnected)
		interval = interval * 17 / 10
		if interval > maxBackoff {
			interval = maxBackoff
		}
		log.Debug().Str("relay", r.URL).Dur("backoff", interval).
			Msg("reconnect failed, backing off")
	}
}

func (r *T) writeLoop(conn *connection.T, connCtx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				log.Debug().Err(err).Str("relay", r.URL).
					Msg("ping failed, dropping connection")
				r.dropConnection(conn)
				return
			}
		case wr := <-r.writeQueue:
			if err := conn.Send(wr.msg); err != nil {
				wr.answer <- err
			}
			close(wr.answer)
		case <-connCtx.Done():
			return
		}
	}
}

func (r *T) readLoop(conn *connection.T, connCtx context.Context,
	connCancel context.CancelFunc) {

	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if err := conn.Receive(connCtx, buf); err != nil {
			connCancel()
			r.dropConnection(conn)
			return
		}
		r.handleMessage(buf.Bytes())
	}
}

// dropConnection transitions Connected -> Disconnected and schedules
// the reconnect, unless the relay was explicitly terminated.
func (r *T) dropConnection(conn *connection.T) {
	conn.Close()
	r.connMx.Lock()
	if r.connCancel != nil {
		r.connCancel()
	}
	r.connMx.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if r.status.CompareAndSwap(int32(StatusConnected), int32(StatusDisconnected)) {
		if r.statusFn != nil {
			r.statusFn(r, StatusDisconnected)
		}
		metrics.RelaysConnected.Dec()
		log.Debug().Str("relay", r.URL).Msg("disconnected")
		if !r.suspended.Load() {
			go r.reconnectLoop()
		}
	}
}

// Disconnect drops the socket and suppresses automatic reconnects
// until the next Connect. Unlike Terminate it is reversible.
func (r *T) Disconnect() {
	r.suspended.Store(true)
	r.connMx.Lock()
	conn := r.conn
	if r.connCancel != nil {
		r.connCancel()
	}
	r.connMx.Unlock()
	if conn != nil {
		conn.Close()
	}
	if r.status.CompareAndSwap(int32(StatusConnected), int32(StatusDisconnected)) {
		metrics.RelaysConnected.Dec()
		if r.statusFn != nil {
			r.statusFn(r, StatusDisconnected)
		}
	} else if r.status.CompareAndSwap(int32(StatusConnecting), int32(StatusDisconnected)) {
		if r.statusFn != nil {
			r.statusFn(r, StatusDisconnected)
		}
	}
}

// handleMessage decodes one inbound message and routes it. Decode and
// verification failures are per-message: logged, counted, dropped.
func (r *T) handleMessage(message []byte) {
	env, err := envelope.Parse(message)
	if err != nil {
		metrics.EventsDropped.WithLabelValues(metrics.ReasonDecode).Inc()
		log.Debug().Err(err).Str("relay", r.URL).Msg("undecodable message")
		return
	}
	switch env := env.(type) {
	case *envelope.Notice:
		if r.noticeFn != nil {
			r.noticeFn(string(*env))
		} else {
			log.Info().Str("relay", r.URL).Str("notice", string(*env)).
				Msg("NOTICE from relay")
		}
	case *envelope.Auth:
		if env.Challenge != nil {
			r.challengeMx.Lock()
			r.challenge = *env.Challenge
			r.challengeMx.Unlock()
		}
	case *envelope.Event:
		r.handleEvent(env)
	case *envelope.EOSE:
		if sub, ok := r.subscriptions.Load(string(*env)); ok {
			sub.dispatchEOSE()
		}
	case *envelope.Closed:
		if sub, ok := r.subscriptions.Load(env.SubscriptionID); ok {
			sub.dispatchClosed(env.Reason)
		}
	case *envelope.OK:
		if cb, ok := r.okCallbacks.Load(env.EventID); ok {
			cb(env.OK, env.Reason)
		} else {
			log.Debug().Str("relay", r.URL).Str("event", env.EventID).
				Msg("unexpected OK")
		}
	}
}

func (r *T) handleEvent(env *envelope.Event) {
	if env.SubscriptionID == nil {
		metrics.EventsDropped.WithLabelValues(metrics.ReasonDecode).Inc()
		return
	}
	sub, ok := r.subscriptions.Load(*env.SubscriptionID)
	if !ok {
		log.Debug().Str("relay", r.URL).Str("sub", *env.SubscriptionID).
			Msg("event for unknown subscription")
		return
	}
	// a relay pushing events outside the requested filters is either
	// buggy or lying; either way the event is not forwarded
	if !sub.Filters.Match(env.Event) {
		metrics.EventsDropped.WithLabelValues(metrics.ReasonNoMatch).Inc()
		return
	}
	if !r.assumeValid {
		if err := env.Event.Verify(); err != nil {
			reason := metrics.ReasonBadSignature
			if errors.Is(err, event.ErrIDMismatch) {
				reason = metrics.ReasonIDMismatch
			}
			metrics.EventsDropped.WithLabelValues(reason).Inc()
			log.Warn().Str("relay", r.URL).Str("event", env.Event.ID).
				Err(err).Msg("dropping unverifiable event")
			return
		}
		metrics.EventsVerified.Inc()
	}
	sub.dispatchEvent(env.Event)
}

// Write queues one outbound message. Messages are written in
// submission order per connection. The returned channel yields the
// write error, or closes on success.
func (r *T) Write(msg []byte) <-chan error {
	ch := make(chan error, 1)
	r.connMx.Lock()
	connCtx := r.connCtx
	r.connMx.Unlock()
	if connCtx == nil {
		ch <- ErrConnectionClosed
		return ch
	}
	select {
	case r.writeQueue <- writeRequest{msg: msg, answer: ch}:
	case <-connCtx.Done():
		ch <- ErrConnectionClosed
	}
	return ch
}

// Publish sends EVENT and waits for the matching OK.
func (r *T) Publish(ctx context.Context, ev *event.T) error {
	return r.publish(ctx, ev.ID, &envelope.Event{Event: ev})
}

// Auth responds to the relay's AUTH challenge with a signed
// client-authentication event and waits for the OK.
func (r *T) Auth(ctx context.Context, signer *keys.T) error {
	r.challengeMx.Lock()
	challenge := r.challenge
	r.challengeMx.Unlock()

	authEvent := event.New(kind.ClientAuthentication, "",
		tags.Tag{"relay", r.URL},
		tags.Tag{"challenge", challenge},
	)
	if err := authEvent.SignWith(signer); err != nil {
		return fmt.Errorf("error signing auth event: %w", err)
	}
	return r.publish(ctx, authEvent.ID, &envelope.Auth{Event: authEvent})
}

// publish writes env and waits for ["OK", id, ...].
func (r *T) publish(ctx context.Context, id string, env envelope.E) error {
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeoutCause(ctx, defaultTimeout,
			fmt.Errorf("gave up waiting for an OK"))
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var result error
	gotOK := false
	r.okCallbacks.Store(id, func(ok bool, reason string) {
		gotOK = true
		if !ok {
			result = fmt.Errorf("relay rejected %s: %s", id, reason)
		}
		cancel()
	})
	defer r.okCallbacks.Delete(id)

	msg, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", env.Label(), err)
	}
	log.Debug().Str("relay", r.URL).RawJSON("msg", msg).Msg("sending")
	if err := <-r.Write(msg); err != nil {
		return err
	}

	<-ctx.Done()
	if gotOK {
		return result
	}
	return ctx.Err()
}

// Terminate stops the relay for good: no further automatic
// reconnects. Any state may transition here.
func (r *T) Terminate() {
	r.setStatus(StatusTerminated)
	r.cancel()
	r.connMx.Lock()
	conn := r.conn
	if r.connCancel != nil {
		r.connCancel()
	}
	r.connMx.Unlock()
	if conn != nil {
		conn.Close()
	}
	r.subscriptions.Range(func(_ string, sub *Subscription) bool {
		go sub.Unsub()
		return true
	})
}

// Close is Terminate under the name io users expect.
func (r *T) Close() error {
	r.Terminate()
	return nil
}
