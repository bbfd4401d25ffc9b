// Package client is the high-level facade: a signer plus a relay
// pool, with one helper per common intent. Every helper builds one
// signed event, publishes it through the pool and returns its id.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/filter"
	"github.com/poolstr/poolstr/pkg/keys"
	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/pool"
	"github.com/poolstr/poolstr/pkg/relay"
	"github.com/poolstr/poolstr/pkg/tags"
)

// Metadata is the kind-0 profile content.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Website     string `json:"website,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
}

// Contact is one entry of a kind-3 contact list.
type Contact struct {
	PubKey   string
	RelayURL string
	Petname  string
}

// T couples a signer with a relay pool.
type T struct {
	signer *keys.T
	pool   *pool.T
}

// Option configures a client at construction.
type Option interface {
	IsClientOption()
}

// WithPoolOptions forwards options to the owned pool.
type WithPoolOptions []pool.Option

func (WithPoolOptions) IsClientOption() {}

// New builds a client around the signer. The signer may be
// public-key-only; publishing helpers then fail with
// keys.ErrMissingSecretKey while read operations still work.
func New(ctx context.Context, signer *keys.T, opts ...Option) *T {
	var po []pool.Option
	for _, opt := range opts {
		switch o := opt.(type) {
		case WithPoolOptions:
			po = append(po, o...)
		}
	}
	return &T{signer: signer, pool: pool.New(ctx, po...)}
}

// Keys returns the client's signer.
func (c *T) Keys() *keys.T { return c.signer }

// Pool returns the owned relay pool.
func (c *T) Pool() *pool.T { return c.pool }

func (c *T) AddRelay(url string, opts ...relay.Option) (*relay.T, error) {
	return c.pool.AddRelay(url, opts...)
}

func (c *T) RemoveRelay(url string) error { return c.pool.RemoveRelay(url) }

func (c *T) Connect(ctx context.Context) error { return c.pool.Connect(ctx) }

func (c *T) Disconnect() error { return c.pool.Disconnect() }

func (c *T) Subscribe(ctx context.Context, f filter.S) (string, error) {
	return c.pool.Subscribe(ctx, f)
}

func (c *T) Unsubscribe() error { return c.pool.Unsubscribe() }

func (c *T) Notifications() *pool.Receiver { return c.pool.Notifications() }

func (c *T) GetEventsOf(ctx context.Context, f filter.S,
	timeout time.Duration) ([]*event.T, error) {
	return c.pool.GetEventsOf(ctx, f, timeout)
}

func (c *T) Shutdown() error { return c.pool.Shutdown() }

// publish signs ev and sends it through the pool, returning the event
// id once at least one relay accepted it.
func (c *T) publish(ctx context.Context, ev *event.T) (string, error) {
	if err := ev.SignWith(c.signer); err != nil {
		return "", fmt.Errorf("signing event: %w", err)
	}
	if err := c.pool.Publish(ctx, ev); err != nil {
		return "", fmt.Errorf("publishing event: %w", err)
	}
	return ev.ID, nil
}

// PublishTextNote publishes a kind-1 note.
func (c *T) PublishTextNote(ctx context.Context, content string,
	t ...tags.Tag) (string, error) {
	return c.publish(ctx, event.New(kind.TextNote, content, t...))
}

// SetMetadata publishes the kind-0 profile. Relays replace any earlier
// profile from the same author.
func (c *T) SetMetadata(ctx context.Context, md Metadata) (string, error) {
	content, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return c.publish(ctx, event.New(kind.ProfileMetadata, string(content)))
}

// RecommendRelay publishes a kind-2 relay recommendation.
func (c *T) RecommendRelay(ctx context.Context, url string) (string, error) {
	return c.publish(ctx, event.New(kind.RecommendRelay, url))
}

// SetContactList publishes the kind-3 contact list, one "p" tag per
// contact.
func (c *T) SetContactList(ctx context.Context,
	contacts []Contact) (string, error) {

	t := make([]tags.Tag, 0, len(contacts))
	for _, ct := range contacts {
		t = append(t, tags.Tag{"p", ct.PubKey, ct.RelayURL, ct.Petname})
	}
	return c.publish(ctx, event.New(kind.ContactList, "", t...))
}

// React publishes a kind-7 reaction to the given event. An empty
// content reacts with "+".
func (c *T) React(ctx context.Context, eventID, authorPubKey,
	content string) (string, error) {

	if content == "" {
		content = "+"
	}
	return c.publish(ctx, event.New(kind.Reaction, content,
		tags.Tag{"e", eventID},
		tags.Tag{"p", authorPubKey},
	))
}

// Delete publishes a kind-5 deletion request for the given event ids.
// Relays are asked, not forced, to drop them.
func (c *T) Delete(ctx context.Context, ids []string,
	reason string) (string, error) {

	t := make([]tags.Tag, 0, len(ids))
	for _, id := range ids {
		t = append(t, tags.Tag{"e", id})
	}
	return c.publish(ctx, event.New(kind.Deletion, reason, t...))
}
