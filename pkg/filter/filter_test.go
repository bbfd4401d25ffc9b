package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/keys"
	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/tags"
	"github.com/poolstr/poolstr/pkg/timestamp"
)

func signedNote(t *testing.T, signer *keys.T, content string,
	tg ...tags.Tag) *event.T {
	t.Helper()
	ev := event.New(kind.TextNote, content, tg...)
	require.NoError(t, ev.SignWith(signer))
	return ev
}

func TestMatchesFields(t *testing.T) {
	alice := keys.Generate()
	ev := signedNote(t, alice, "hello", tags.Tag{"e", "00ff"}, tags.Tag{"p", "aa"})

	assert.True(t, T{}.Matches(ev), "empty filter matches everything")
	assert.True(t, T{}.WithIDs(ev.ID).Matches(ev))
	assert.False(t, T{}.WithIDs("somethingelse").Matches(ev))
	assert.True(t, T{}.WithKinds(kind.TextNote, kind.Reaction).Matches(ev))
	assert.False(t, T{}.WithKinds(kind.Reaction).Matches(ev))
	assert.True(t, T{}.WithAuthors(alice.PublicKey()).Matches(ev))
	assert.False(t, T{}.WithAuthors("deadbeef").Matches(ev))
	assert.True(t, T{}.WithTag("e", "00ff", "1122").Matches(ev))
	assert.False(t, T{}.WithTag("e", "1122").Matches(ev))
	assert.False(t, T{}.WithTag("t", "00ff").Matches(ev))
	assert.True(t, T{}.WithSince(ev.CreatedAt).Matches(ev), "since is inclusive")
	assert.False(t, T{}.WithSince(ev.CreatedAt+1).Matches(ev))
	assert.True(t, T{}.WithUntil(ev.CreatedAt).Matches(ev), "until is inclusive")
	assert.False(t, T{}.WithUntil(ev.CreatedAt-1).Matches(ev))
	assert.False(t, T{}.Matches(nil))
}

// constraints within one filter are conjoined; a filter set is the
// disjunction of its filters
func TestMatchSetSemantics(t *testing.T) {
	a, b, c := keys.Generate(), keys.Generate(), keys.Generate()
	fromA := signedNote(t, a, "from a")
	fromB := signedNote(t, b, "from b")
	fromC := signedNote(t, c, "from c")

	q := S{
		T{}.WithKinds(kind.TextNote).WithAuthors(a.PublicKey()),
		T{}.WithKinds(kind.TextNote).WithAuthors(b.PublicKey()),
	}
	assert.True(t, q.Match(fromA))
	assert.True(t, q.Match(fromB))
	assert.False(t, q.Match(fromC))

	// AND within one filter: right author, wrong kind
	reaction := event.New(kind.Reaction, "+")
	require.NoError(t, reaction.SignWith(a))
	assert.False(t, q.Match(reaction))

	assert.False(t, S{}.Match(fromA), "empty set matches nothing")
}

func TestWithCopies(t *testing.T) {
	base := T{}.WithKinds(kind.TextNote)
	narrowed := base.WithAuthors("aa").WithTag("e", "bb")

	assert.Nil(t, base.Authors, "With must not mutate the receiver")
	assert.Nil(t, base.Tags)
	assert.Equal(t, []string{"aa"}, narrowed.Authors)

	again := narrowed.WithTag("p", "cc")
	assert.Len(t, narrowed.Tags, 1, "tag map must be copied on write")
	assert.Len(t, again.Tags, 2)
}

func TestEqual(t *testing.T) {
	ts := timestamp.T(1700000000)
	a := T{}.WithKinds(kind.TextNote, kind.Reaction).
		WithAuthors("aa", "bb").WithSince(ts).WithLimit(5)
	b := T{}.WithKinds(kind.Reaction, kind.TextNote).
		WithAuthors("bb", "aa").WithSince(ts).WithLimit(5)
	assert.True(t, Equal(a, b), "order within fields must not matter")

	assert.False(t, Equal(a, b.WithLimit(6)))
	assert.False(t, Equal(a, b.WithAuthors("aa")))
	assert.False(t, Equal(a, b.WithUntil(ts)))
	assert.True(t, Equal(T{}, T{}))
}

func TestClone(t *testing.T) {
	orig := T{}.WithIDs("00").WithTag("e", "aa").WithSince(timestamp.T(10))
	clone := orig.Clone()
	require.True(t, Equal(orig, clone))

	clone.IDs[0] = "ff"
	clone.Tags["e"][0] = "ff"
	*clone.Since = 99
	assert.Equal(t, "00", orig.IDs[0])
	assert.Equal(t, "aa", orig.Tags["e"][0])
	assert.Equal(t, timestamp.T(10), *orig.Since)
}

func TestJSONRoundTrip(t *testing.T) {
	ts := timestamp.T(1700000000)
	for _, f := range []T{
		{},
		T{}.WithKinds(kind.TextNote).WithAuthors("aa", "bb").WithLimit(10),
		T{}.WithIDs("00ff").WithTag("e", "aa").WithTag("p", "bb", "cc").
			WithSince(ts).WithUntil(ts + 100),
	} {
		data, err := f.MarshalJSON()
		require.NoError(t, err)
		back, err := FromJSON(data)
		require.NoError(t, err)
		assert.Truef(t, Equal(f, back), "round trip of %s changed the filter", data)
	}
}

func TestFromJSONUnknownKeysTolerated(t *testing.T) {
	back, err := FromJSON([]byte(`{"kinds":[1],"search":"whatever","limit":3}`))
	require.NoError(t, err)
	assert.Equal(t, []kind.T{kind.TextNote}, back.Kinds)
	assert.Equal(t, 3, back.Limit)
}
