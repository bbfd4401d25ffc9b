package pool

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/filter"
	"github.com/poolstr/poolstr/pkg/relay"
)

// queryDedupSize bounds the per-query duplicate tracker. Relays that
// return more events than this may contribute duplicates past the
// horizon; the cap exists so a hostile relay cannot balloon memory.
const queryDedupSize = 65536

// GetEventsOf runs a one-shot aggregate query: a temporary
// subscription against every connected read-capable relay, collecting
// events deduplicated by id until every relay has signaled the end of
// its stored events or the timeout elapses. Slow or dead relays cost
// at most the timeout; whatever arrived by then is returned. The
// result is never an error: an all-relays-unreachable query yields an
// empty slice.
func (p *T) GetEventsOf(ctx context.Context, f filter.S,
	timeout time.Duration) ([]*event.T, error) {

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dedup, _ := lru.New[string, struct{}](queryDedupSize)
	var mx sync.Mutex
	var events []*event.T
	collect := func(ev *event.T) {
		mx.Lock()
		defer mx.Unlock()
		if _, dup := dedup.Get(ev.ID); dup {
			return
		}
		dedup.Add(ev.ID, struct{}{})
		events = append(events, ev)
	}

	var wg sync.WaitGroup
	p.relays.Range(func(url string, rl *relay.T) bool {
		if !rl.Caps.Read || !rl.IsConnected() {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.queryRelay(ctx, rl, f, collect)
		}()
		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	mx.Lock()
	defer mx.Unlock()
	return events, nil
}

// queryRelay runs the temporary subscription on one relay until EOSE,
// CLOSED or the query deadline.
func (p *T) queryRelay(ctx context.Context, rl *relay.T, f filter.S,
	collect func(*event.T)) {

	sub, err := rl.Subscribe(ctx, f, relay.WithLabel("query"))
	if err != nil {
		log.Debug().Err(err).Str("relay", rl.URL).Msg("query REQ failed")
		return
	}
	defer sub.Unsub()
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			collect(ev)
		case <-sub.EndOfStoredEvents:
			// events delivered before the EOSE are already buffered
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					collect(ev)
				default:
					return
				}
			}
		case reason := <-sub.ClosedReason:
			log.Debug().Str("relay", rl.URL).Str("reason", reason).
				Msg("query subscription closed by relay")
			return
		case <-ctx.Done():
			return
		}
	}
}
