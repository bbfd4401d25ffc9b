// Package envelope implements the wire message protocol: every
// client-to-relay and relay-to-client message variant, each a JSON
// array whose first element is its literal label.
package envelope

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Message labels.
const (
	LEvent  = "EVENT"
	LReq    = "REQ"
	LClose  = "CLOSE"
	LClosed = "CLOSED"
	LOK     = "OK"
	LEOSE   = "EOSE"
	LNotice = "NOTICE"
	LAuth   = "AUTH"
)

var (
	// ErrInvalidFormat: the label was recognized but the array has the
	// wrong arity or element types. Distinct from ErrUnknownLabel so
	// callers can tell a broken peer from a newer protocol.
	ErrInvalidFormat = errors.New("invalid message format")

	// ErrUnknownLabel: the first array element is no label this
	// implementation knows.
	ErrUnknownLabel = errors.New("unknown message label")

	// ErrMalformedJSON: the payload is not valid JSON at all.
	ErrMalformedJSON = errors.New("malformed json")
)

// E is one wire message. Encoding is bit-exact: the encoder emits the
// one fixed shape of the variant and nothing else.
type E interface {
	Label() string
	MarshalJSON() ([]byte, error)
	UnmarshalJSON([]byte) error
}

// Parse decodes one wire message, dispatching on the label.
func Parse(data []byte) (E, error) {
	arr, err := parseArray(data, 1)
	if err != nil {
		return nil, err
	}
	var v E
	switch label := arr[0].Str; label {
	case LEvent:
		v = &Event{}
	case LReq:
		v = &Req{}
	case LClose:
		v = new(Close)
	case LClosed:
		v = &Closed{}
	case LOK:
		v = &OK{}
	case LEOSE:
		v = new(EOSE)
	case LNotice:
		v = new(Notice)
	case LAuth:
		v = &Auth{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	if err := v.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return v, nil
}

// parseArray validates the common message shell: valid JSON, an
// array, string label, at least minLen elements.
func parseArray(data []byte, minLen int) ([]gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedJSON
	}
	r := gjson.ParseBytes(data)
	if !r.IsArray() {
		return nil, fmt.Errorf("%w: not a json array", ErrInvalidFormat)
	}
	arr := r.Array()
	if len(arr) < 1 || arr[0].Type != gjson.String {
		return nil, fmt.Errorf("%w: missing label", ErrInvalidFormat)
	}
	if len(arr) < minLen {
		return nil, fmt.Errorf("%w: %s needs at least %d elements, got %d",
			ErrInvalidFormat, arr[0].Str, minLen, len(arr))
	}
	return arr, nil
}

// expect validates the shell against a known label and arity, for the
// per-variant unmarshallers.
func expect(data []byte, label string, minLen int) ([]gjson.Result, error) {
	arr, err := parseArray(data, minLen)
	if err != nil {
		return nil, err
	}
	if arr[0].Str != label {
		return nil, fmt.Errorf("%w: expected %s label, got %q",
			ErrInvalidFormat, label, arr[0].Str)
	}
	return arr, nil
}
