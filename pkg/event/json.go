package event

import (
	"fmt"

	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"

	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/tags"
	"github.com/poolstr/poolstr/pkg/timestamp"
)

// MarshalJSON writes the wire object form with the conventional field
// order. Parsers must not care about the order, but emitting it
// stably keeps byte-for-byte round trips possible.
func (ev *T) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	ev.MarshalTo(&w)
	return w.BuildBytes()
}

// MarshalTo writes the event object into an existing jwriter, used by
// the envelope encoders to avoid intermediate buffers.
func (ev *T) MarshalTo(w *jwriter.Writer) {
	w.RawString(`{"id":`)
	w.String(ev.ID)
	w.RawString(`,"pubkey":`)
	w.String(ev.PubKey)
	w.RawString(`,"created_at":`)
	w.Int64(ev.CreatedAt.I64())
	w.RawString(`,"kind":`)
	w.Int(ev.Kind.Int())
	w.RawString(`,"tags":`)
	w.Raw(ev.Tags.MarshalTo(nil), nil)
	w.RawString(`,"content":`)
	w.String(ev.Content)
	w.RawString(`,"sig":`)
	w.String(ev.Sig)
	w.RawByte('}')
}

func (ev *T) String() string {
	b, _ := ev.MarshalJSON()
	return string(b)
}

// FromJSON decodes one event object.
func FromJSON(data []byte) (*T, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("event: malformed json")
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return nil, fmt.Errorf("event: not a json object")
	}
	var ev T
	if err := ev.fromResult(r); err != nil {
		return nil, err
	}
	return &ev, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (ev *T) UnmarshalJSON(data []byte) error {
	e, err := FromJSON(data)
	if err != nil {
		return err
	}
	*ev = *e
	return nil
}

func (ev *T) fromResult(r gjson.Result) error {
	ev.ID = r.Get("id").Str
	ev.PubKey = r.Get("pubkey").Str
	ev.CreatedAt = timestamp.FromUnix(r.Get("created_at").Int())
	ev.Kind = kind.T(r.Get("kind").Int())
	ev.Content = r.Get("content").Str
	ev.Sig = r.Get("sig").Str

	tr := r.Get("tags")
	if tr.Exists() && !tr.IsArray() {
		return fmt.Errorf("event: tags is not an array")
	}
	ev.Tags = make(tags.T, 0)
	for _, ta := range tr.Array() {
		if !ta.IsArray() {
			return fmt.Errorf("event: tag is not an array of strings")
		}
		var tag tags.Tag
		for _, el := range ta.Array() {
			if el.Type != gjson.String {
				return fmt.Errorf("event: tag element is not a string")
			}
			tag = append(tag, el.Str)
		}
		ev.Tags = append(ev.Tags, tag)
	}
	return nil
}
