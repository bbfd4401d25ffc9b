package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/poolstr/poolstr/pkg/envelope"
	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/filter"
	"github.com/poolstr/poolstr/pkg/keys"
	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/relay"
)

func newFakeRelay(handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(&websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   handler,
	})
}

func discardingHandler(conn *websocket.Conn) {
	for {
		var msg string
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			return
		}
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env json.Marshaler) {
	t.Helper()
	msg, err := env.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, websocket.Message.Send(conn, string(msg)))
}

// servingHandler answers every REQ with the given events and an EOSE.
func servingHandler(t *testing.T, events ...*event.T) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			var msg string
			if err := websocket.Message.Receive(conn, &msg); err != nil {
				return
			}
			env, err := envelope.Parse([]byte(msg))
			if err != nil {
				t.Errorf("relay got undecodable message %q: %v", msg, err)
				return
			}
			if req, ok := env.(*envelope.Req); ok {
				for _, ev := range events {
					sendEnvelope(t, conn, envelope.Event{
						SubscriptionID: &req.SubscriptionID, Event: ev,
					})
				}
				sendEnvelope(t, conn, envelope.EOSE(req.SubscriptionID))
			}
		}
	}
}

func newTestPool(t *testing.T) *T {
	t.Helper()
	p := New(context.Background())
	t.Cleanup(func() { p.Shutdown() })
	return p
}

func signedNote(t *testing.T, signer *keys.T, content string) *event.T {
	t.Helper()
	ev := event.New(kind.TextNote, content)
	require.NoError(t, ev.SignWith(signer))
	return ev
}

func TestAddRelayIdempotent(t *testing.T) {
	p := newTestPool(t)

	r1, err := p.AddRelay("wss://x.com")
	require.NoError(t, err)
	// same endpoint under different spellings
	r2, err := p.AddRelay("x.com/")
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Len(t, p.Relays(), 1)
}

func TestAddRelayInvalidURL(t *testing.T) {
	p := newTestPool(t)
	_, err := p.AddRelay("")
	require.ErrorIs(t, err, ErrInvalidURL)
	_, err = p.AddRelay("wss://")
	require.ErrorIs(t, err, ErrInvalidURL)
}

func TestRemoveRelay(t *testing.T) {
	p := newTestPool(t)
	rl, err := p.AddRelay("wss://x.com")
	require.NoError(t, err)

	require.NoError(t, p.RemoveRelay("wss://x.com"))
	assert.Empty(t, p.Relays())
	assert.Equal(t, relay.StatusTerminated, rl.Status())

	require.ErrorIs(t, p.RemoveRelay("wss://x.com"), ErrRelayNotFound)
}

// removing a relay must cancel its pending reconnect attempts
func TestRemoveRelayCancelsReconnect(t *testing.T) {
	p := newTestPool(t)
	// nothing listens here; the relay will fail and schedule retries
	rl, err := p.AddRelay("ws://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Connect(ctx)

	require.NoError(t, p.RemoveRelay("ws://127.0.0.1:1"))
	select {
	case <-rl.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("relay context still alive after removal")
	}
	assert.Equal(t, relay.StatusTerminated, rl.Status())
}

func TestGetEventsOfDeduplicates(t *testing.T) {
	signer := keys.Generate()
	shared := signedNote(t, signer, "seen everywhere")
	only1 := signedNote(t, signer, "only on one")

	ws1 := newFakeRelay(servingHandler(t, shared, only1))
	defer ws1.Close()
	ws2 := newFakeRelay(servingHandler(t, shared))
	defer ws2.Close()

	p := newTestPool(t)
	for _, u := range []string{ws1.URL, ws2.URL} {
		_, err := p.AddRelay(u)
		require.NoError(t, err)
	}
	require.NoError(t, p.Connect(context.Background()))

	events, err := p.GetEventsOf(context.Background(),
		filter.S{filter.T{}.WithKinds(kind.TextNote)}, 5*time.Second)
	require.NoError(t, err)

	require.Len(t, events, 2, "the duplicate must collapse to one event")
	ids := map[string]bool{}
	for _, ev := range events {
		ids[ev.ID] = true
	}
	assert.True(t, ids[shared.ID])
	assert.True(t, ids[only1.ID])
}

// a query against relays that never answer resolves at the timeout
// with whatever arrived, not with an error
func TestGetEventsOfTimeoutBound(t *testing.T) {
	ws := newFakeRelay(discardingHandler) // accepts REQ, never sends EOSE
	defer ws.Close()

	p := newTestPool(t)
	_, err := p.AddRelay(ws.URL)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))

	const timeout = 300 * time.Millisecond
	start := time.Now()
	events, err := p.GetEventsOf(context.Background(),
		filter.S{filter.T{}.WithKinds(kind.TextNote)}, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+2*time.Second)
}

func TestGetEventsOfNoRelays(t *testing.T) {
	p := newTestPool(t)
	events, err := p.GetEventsOf(context.Background(),
		filter.S{{}}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNotificationsFanOut(t *testing.T) {
	signer := keys.Generate()
	note := signedNote(t, signer, "broadcast me")

	ws := newFakeRelay(servingHandler(t, note))
	defer ws.Close()

	p := newTestPool(t)
	rec1 := p.Notifications()
	rec2 := p.Notifications()
	defer rec1.Close()
	defer rec2.Close()

	_, err := p.AddRelay(ws.URL)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	_, err = p.Subscribe(context.Background(),
		filter.S{filter.T{}.WithKinds(kind.TextNote)})
	require.NoError(t, err)

	for _, rec := range []*Receiver{rec1, rec2} {
		ev := awaitEvent(t, rec)
		assert.Equal(t, note.ID, ev.Event.ID)
	}
}

// the same event arriving from two relays is published once
func TestNotificationsDeduplicate(t *testing.T) {
	signer := keys.Generate()
	note := signedNote(t, signer, "echoed")

	ws1 := newFakeRelay(servingHandler(t, note))
	defer ws1.Close()
	ws2 := newFakeRelay(servingHandler(t, note))
	defer ws2.Close()

	p := newTestPool(t)
	rec := p.Notifications()
	defer rec.Close()

	for _, u := range []string{ws1.URL, ws2.URL} {
		_, err := p.AddRelay(u)
		require.NoError(t, err)
	}
	require.NoError(t, p.Connect(context.Background()))
	_, err := p.Subscribe(context.Background(),
		filter.S{filter.T{}.WithKinds(kind.TextNote)})
	require.NoError(t, err)

	first := awaitEvent(t, rec)
	assert.Equal(t, note.ID, first.Event.ID)

	// no second copy within a grace period
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case n, ok := <-rec.C:
			if !ok {
				t.Fatal("receiver closed early")
			}
			if en, isEvent := n.(EventNotification); isEvent {
				t.Fatalf("duplicate notification for %s", en.Event.ID)
			}
		case <-deadline:
			return
		}
	}
}

// a relay added after Subscribe must start feeding the standing
// subscription once it connects
func TestSubscribeExtendsToLateRelays(t *testing.T) {
	signer := keys.Generate()
	note := signedNote(t, signer, "late arrival")

	ws := newFakeRelay(servingHandler(t, note))
	defer ws.Close()

	p := newTestPool(t)
	rec := p.Notifications()
	defer rec.Close()

	_, err := p.Subscribe(context.Background(),
		filter.S{filter.T{}.WithKinds(kind.TextNote)})
	require.NoError(t, err)

	_, err = p.AddRelay(ws.URL)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))

	ev := awaitEvent(t, rec)
	assert.Equal(t, note.ID, ev.Event.ID)
}

func TestPublishThroughPool(t *testing.T) {
	signer := keys.Generate()
	note := signedNote(t, signer, "to everyone")

	got := make(chan string, 2)
	handler := func(conn *websocket.Conn) {
		for {
			var msg string
			if err := websocket.Message.Receive(conn, &msg); err != nil {
				return
			}
			env, err := envelope.Parse([]byte(msg))
			if err != nil {
				continue
			}
			if ee, ok := env.(*envelope.Event); ok {
				got <- ee.Event.ID
				sendEnvelope(t, conn, envelope.OK{EventID: ee.Event.ID, OK: true})
			}
		}
	}
	ws1 := newFakeRelay(handler)
	defer ws1.Close()
	ws2 := newFakeRelay(handler)
	defer ws2.Close()

	p := newTestPool(t)
	for _, u := range []string{ws1.URL, ws2.URL} {
		_, err := p.AddRelay(u)
		require.NoError(t, err)
	}
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Publish(context.Background(), note))

	for i := 0; i < 2; i++ {
		select {
		case id := <-got:
			assert.Equal(t, note.ID, id)
		case <-time.After(3 * time.Second):
			t.Fatal("a relay never saw the event")
		}
	}
}

func TestSendMsgToUnknownRelay(t *testing.T) {
	p := newTestPool(t)
	err := p.SendMsgTo("wss://nowhere.example", new(envelope.Close))
	require.ErrorIs(t, err, ErrRelayNotFound)
}

func TestShutdown(t *testing.T) {
	ws := newFakeRelay(discardingHandler)
	defer ws.Close()

	p := New(context.Background())
	rec := p.Notifications()
	rl, err := p.AddRelay(ws.URL)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.Shutdown())
	assert.Equal(t, relay.StatusTerminated, rl.Status())

	// the receiver sees the shutdown marker, then closes
	sawShutdown := false
	for n := range rec.C {
		if _, ok := n.(ShutdownNotification); ok {
			sawShutdown = true
		}
	}
	assert.True(t, sawShutdown)

	// everything after shutdown is a usage error
	require.ErrorIs(t, p.Shutdown(), ErrPoolClosed)
	_, err = p.AddRelay("wss://x.com")
	require.ErrorIs(t, err, ErrPoolClosed)
	require.ErrorIs(t, p.Connect(context.Background()), ErrPoolClosed)
	require.ErrorIs(t, p.Unsubscribe(), ErrPoolClosed)
	_, err = p.GetEventsOf(context.Background(), filter.S{{}}, time.Second)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func awaitEvent(t *testing.T, rec *Receiver) EventNotification {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-rec.C:
			if !ok {
				t.Fatal("receiver closed while waiting for an event")
			}
			if en, isEvent := n.(EventNotification); isEvent {
				return en
			}
		case <-deadline:
			t.Fatal("no event notification within deadline")
		}
	}
}
