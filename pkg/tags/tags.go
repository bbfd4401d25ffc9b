// Package tags implements event tag lists: ordered sequences of
// string sequences where the first element of each tag is its
// semantic key ("e", "p", "a", ...).
package tags

import (
	"strings"

	"github.com/poolstr/poolstr/pkg/escape"
)

// Positions of the standard tag elements.
const (
	posKey = iota
	posValue
	posRelay
)

// Markers for "e" reference tags.
const (
	MarkerReply   = "reply"
	MarkerRoot    = "root"
	MarkerMention = "mention"
)

// Tag is one ordered list of strings. Not a set; elements may repeat.
type Tag []string

// Key returns the first element, the tag's semantic key.
func (t Tag) Key() string {
	if len(t) > posKey {
		return t[posKey]
	}
	return ""
}

// Value returns the second element.
func (t Tag) Value() string {
	if len(t) > posValue {
		return t[posValue]
	}
	return ""
}

// Relay returns the third element of an "e" or "p" tag, by convention
// a relay URL hint.
func (t Tag) Relay() string {
	if (t.Key() == "e" || t.Key() == "p") && len(t) > posRelay {
		return t[posRelay]
	}
	return ""
}

// StartsWith checks that the tag begins with the given elements. The
// last prefix element matches on string prefix rather than equality,
// so {"e", "abc"} matches a tag whose value starts with "abc".
func (t Tag) StartsWith(prefix []string) bool {
	if len(prefix) > len(t) {
		return false
	}
	for i := 0; i < len(prefix)-1; i++ {
		if prefix[i] != t[i] {
			return false
		}
	}
	return strings.HasPrefix(t[len(prefix)-1], prefix[len(prefix)-1])
}

// MarshalTo appends the canonical JSON encoding of the tag to dst.
func (t Tag) MarshalTo(dst []byte) []byte {
	dst = append(dst, '[')
	for i, s := range t {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = escape.String(dst, s)
	}
	return append(dst, ']')
}

// T is the ordered tag list of one event.
type T []Tag

// GetFirst returns the first tag matching the prefix, or nil.
func (t T) GetFirst(prefix ...string) Tag {
	for _, v := range t {
		if v.StartsWith(prefix) {
			return v
		}
	}
	return nil
}

// GetLast returns the last tag matching the prefix, or nil.
func (t T) GetLast(prefix ...string) Tag {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].StartsWith(prefix) {
			return t[i]
		}
	}
	return nil
}

// GetAll returns every tag matching the prefix.
func (t T) GetAll(prefix ...string) T {
	out := make(T, 0, len(t))
	for _, v := range t {
		if v.StartsWith(prefix) {
			out = append(out, v)
		}
	}
	return out
}

// FilterOut returns a copy without the tags matching the prefix.
func (t T) FilterOut(prefix ...string) T {
	out := make(T, 0, len(t))
	for _, v := range t {
		if !v.StartsWith(prefix) {
			out = append(out, v)
		}
	}
	return out
}

// AppendUnique appends tag unless a tag with the same key and value
// already exists.
func (t T) AppendUnique(tag Tag) T {
	n := len(tag)
	if n > 2 {
		n = 2
	}
	if t.GetFirst(tag[:n]...) == nil {
		return append(t, tag)
	}
	return t
}

// ContainsAny reports whether any tag keyed by key carries one of the
// candidate values.
func (t T) ContainsAny(key string, values ...string) bool {
	for _, v := range t {
		if len(v) < 2 || v.Key() != key {
			continue
		}
		for _, candidate := range values {
			if v.Value() == candidate {
				return true
			}
		}
	}
	return false
}

// MarshalTo appends the canonical JSON encoding of the whole list to
// dst. This is the exact byte form hashed into the event id.
func (t T) MarshalTo(dst []byte) []byte {
	dst = append(dst, '[')
	for i, tag := range t {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = tag.MarshalTo(dst)
	}
	return append(dst, ']')
}

func (t T) String() string { return string(t.MarshalTo(nil)) }

// Clone makes a deep copy.
func (t T) Clone() T {
	if t == nil {
		return nil
	}
	out := make(T, len(t))
	for i, tag := range t {
		out[i] = append(Tag(nil), tag...)
	}
	return out
}
