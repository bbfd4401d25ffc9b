// Package filter implements the subscription query language. A filter
// matches an event when every present constraint holds (AND across
// fields, OR across the values of one field); a slice of filters
// matches when any one of them does.
package filter

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"

	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/timestamp"
)

// TagMap holds the "#<letter>" tag constraints keyed by letter.
type TagMap map[string][]string

// T is one immutable filter value. Build incrementally with the With*
// methods, which return modified copies.
type T struct {
	IDs     []string     `json:"ids,omitempty"`
	Kinds   []kind.T     `json:"kinds,omitempty"`
	Authors []string     `json:"authors,omitempty"`
	Tags    TagMap       `json:"-"`
	Since   *timestamp.T `json:"since,omitempty"`
	Until   *timestamp.T `json:"until,omitempty"`
	Limit   int          `json:"limit,omitempty"`
}

// S is a query: a set of filters combined with OR.
type S []T

// WithIDs returns a copy constrained to the given event ids.
func (f T) WithIDs(ids ...string) T {
	f.IDs = append([]string(nil), ids...)
	return f
}

// WithKinds returns a copy constrained to the given kinds.
func (f T) WithKinds(kinds ...kind.T) T {
	f.Kinds = append([]kind.T(nil), kinds...)
	return f
}

// WithAuthors returns a copy constrained to the given author pubkeys.
func (f T) WithAuthors(authors ...string) T {
	f.Authors = append([]string(nil), authors...)
	return f
}

// WithTag returns a copy additionally requiring a tag keyed by letter
// with any of the given values.
func (f T) WithTag(letter string, values ...string) T {
	tm, had := f.Tags, f.Tags != nil
	f.Tags = make(TagMap, len(tm)+1)
	if had {
		for k, v := range tm {
			f.Tags[k] = v
		}
	}
	f.Tags[letter] = append([]string(nil), values...)
	return f
}

// WithSince returns a copy with a lower created_at bound (inclusive).
func (f T) WithSince(ts timestamp.T) T {
	f.Since = ts.Ptr()
	return f
}

// WithUntil returns a copy with an upper created_at bound (inclusive).
func (f T) WithUntil(ts timestamp.T) T {
	f.Until = ts.Ptr()
	return f
}

// WithLimit returns a copy with a result count cap.
func (f T) WithLimit(limit int) T {
	f.Limit = limit
	return f
}

// Matches reports whether the event satisfies every constraint
// present on the filter.
func (f T) Matches(ev *event.T) bool {
	if ev == nil {
		return false
	}
	if f.IDs != nil && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if f.Kinds != nil && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Authors != nil && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	for letter, values := range f.Tags {
		if values != nil && !ev.Tags.ContainsAny(letter, values...) {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

// Match reports whether any filter in the set matches the event.
func (s S) Match(ev *event.T) bool {
	for _, f := range s {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Clone makes a deep copy.
func (f T) Clone() T {
	clone := T{
		IDs:     slices.Clone(f.IDs),
		Kinds:   slices.Clone(f.Kinds),
		Authors: slices.Clone(f.Authors),
		Limit:   f.Limit,
	}
	if f.Tags != nil {
		clone.Tags = make(TagMap, len(f.Tags))
		for k, v := range f.Tags {
			clone.Tags[k] = slices.Clone(v)
		}
	}
	if f.Since != nil {
		clone.Since = f.Since.Ptr()
	}
	if f.Until != nil {
		clone.Until = f.Until.Ptr()
	}
	return clone
}

// Clone makes a deep copy of the whole set.
func (s S) Clone() S {
	if s == nil {
		return nil
	}
	out := make(S, len(s))
	for i := range s {
		out[i] = s[i].Clone()
	}
	return out
}

// Equal compares two filters for set-wise equality: element order
// within one field does not matter.
func Equal(a, b T) bool {
	if !similar(a.IDs, b.IDs) || !similar(a.Kinds, b.Kinds) ||
		!similar(a.Authors, b.Authors) {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for k, av := range a.Tags {
		bv, ok := b.Tags[k]
		if !ok || !similar(av, bv) {
			return false
		}
	}
	return pointerEqual(a.Since, b.Since) &&
		pointerEqual(a.Until, b.Until) && a.Limit == b.Limit
}

func pointerEqual[V comparable](a, b *V) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func similar[E constraints.Ordered](as, bs []E) bool {
	if len(as) != len(bs) {
		return false
	}
	for _, a := range as {
		if !slices.Contains(bs, a) {
			return false
		}
	}
	return true
}
