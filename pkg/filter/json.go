package filter

import (
	"fmt"
	"sort"

	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"

	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/timestamp"
)

// MarshalJSON writes the wire object. Absent fields are omitted, not
// null; tag constraints appear as "#<letter>" keys.
func (f T) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	f.MarshalTo(&w)
	return w.BuildBytes()
}

// MarshalTo writes the filter object into an existing jwriter.
func (f T) MarshalTo(w *jwriter.Writer) {
	w.RawByte('{')
	first := true
	field := func(name string) {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.String(name)
		w.RawByte(':')
	}
	if f.IDs != nil {
		field("ids")
		writeStrings(w, f.IDs)
	}
	if f.Kinds != nil {
		field("kinds")
		w.RawByte('[')
		for i, k := range f.Kinds {
			if i > 0 {
				w.RawByte(',')
			}
			w.Int(k.Int())
		}
		w.RawByte(']')
	}
	if f.Authors != nil {
		field("authors")
		writeStrings(w, f.Authors)
	}
	// stable key order keeps encoding deterministic for tests and logs
	letters := make([]string, 0, len(f.Tags))
	for letter := range f.Tags {
		letters = append(letters, letter)
	}
	sort.Strings(letters)
	for _, letter := range letters {
		field("#" + letter)
		writeStrings(w, f.Tags[letter])
	}
	if f.Since != nil {
		field("since")
		w.Int64(f.Since.I64())
	}
	if f.Until != nil {
		field("until")
		w.Int64(f.Until.I64())
	}
	if f.Limit != 0 {
		field("limit")
		w.Int(f.Limit)
	}
	w.RawByte('}')
}

func (f T) String() string {
	b, _ := f.MarshalJSON()
	return string(b)
}

func writeStrings(w *jwriter.Writer, ss []string) {
	w.RawByte('[')
	for i, s := range ss {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(s)
	}
	w.RawByte(']')
}

// FromJSON decodes one filter object.
func FromJSON(data []byte) (T, error) {
	var f T
	if !gjson.ValidBytes(data) {
		return f, fmt.Errorf("filter: malformed json")
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return f, fmt.Errorf("filter: not a json object")
	}
	var err error
	r.ForEach(func(key, value gjson.Result) bool {
		switch k := key.Str; k {
		case "ids":
			f.IDs, err = readStrings(k, value)
		case "authors":
			f.Authors, err = readStrings(k, value)
		case "kinds":
			if !value.IsArray() {
				err = fmt.Errorf("filter: kinds is not an array")
				break
			}
			f.Kinds = make([]kind.T, 0)
			for _, el := range value.Array() {
				f.Kinds = append(f.Kinds, kind.T(el.Int()))
			}
		case "since":
			f.Since = timestamp.FromUnix(value.Int()).Ptr()
		case "until":
			f.Until = timestamp.FromUnix(value.Int()).Ptr()
		case "limit":
			f.Limit = int(value.Int())
		default:
			if len(k) > 1 && k[0] == '#' {
				var vv []string
				if vv, err = readStrings(k, value); err == nil {
					if f.Tags == nil {
						f.Tags = make(TagMap)
					}
					f.Tags[k[1:]] = vv
				}
			}
			// unknown plain keys are tolerated for forward compat
		}
		return err == nil
	})
	return f, err
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *T) UnmarshalJSON(data []byte) error {
	ff, err := FromJSON(data)
	if err != nil {
		return err
	}
	*f = ff
	return nil
}

func readStrings(key string, r gjson.Result) ([]string, error) {
	if !r.IsArray() {
		return nil, fmt.Errorf("filter: %s is not an array", key)
	}
	out := make([]string, 0)
	for _, el := range r.Array() {
		if el.Type != gjson.String {
			return nil, fmt.Errorf("filter: %s element is not a string", key)
		}
		out = append(out, el.Str)
	}
	return out, nil
}
