package envelope

import (
	"fmt"

	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"

	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/filter"
)

// Event carries one event, with a subscription id when flowing
// relay-to-client and without when published client-to-relay.
type Event struct {
	SubscriptionID *string
	Event          *event.T
}

var _ E = (*Event)(nil)

func (Event) Label() string { return LEvent }

func (v *Event) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LEvent, 2)
	if err != nil {
		return err
	}
	var raw gjson.Result
	switch len(arr) {
	case 2:
		raw = arr[1]
	case 3:
		if arr[1].Type != gjson.String {
			return fmt.Errorf("%w: EVENT subscription id is not a string",
				ErrInvalidFormat)
		}
		sid := arr[1].Str
		v.SubscriptionID = &sid
		raw = arr[2]
	default:
		return fmt.Errorf("%w: EVENT has %d elements", ErrInvalidFormat, len(arr))
	}
	if !raw.IsObject() {
		return fmt.Errorf("%w: EVENT payload is not an object", ErrInvalidFormat)
	}
	ev, err := event.FromJSON([]byte(raw.Raw))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	v.Event = ev
	return nil
}

func (v Event) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LEvent + `",`)
	if v.SubscriptionID != nil {
		w.String(*v.SubscriptionID)
		w.RawByte(',')
	}
	v.Event.MarshalTo(&w)
	w.RawByte(']')
	return w.BuildBytes()
}

// Req opens a subscription: ["REQ", <id>, <filter>...].
type Req struct {
	SubscriptionID string
	Filters        filter.S
}

var _ E = (*Req)(nil)

func (Req) Label() string { return LReq }

func (v *Req) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LReq, 3)
	if err != nil {
		return err
	}
	if arr[1].Type != gjson.String {
		return fmt.Errorf("%w: REQ subscription id is not a string",
			ErrInvalidFormat)
	}
	v.SubscriptionID = arr[1].Str
	v.Filters = make(filter.S, 0, len(arr)-2)
	for i := 2; i < len(arr); i++ {
		f, err := filter.FromJSON([]byte(arr[i].Raw))
		if err != nil {
			return fmt.Errorf("%w: filter %d: %s", ErrInvalidFormat, i-2, err)
		}
		v.Filters = append(v.Filters, f)
	}
	return nil
}

func (v Req) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LReq + `",`)
	w.String(v.SubscriptionID)
	for _, f := range v.Filters {
		w.RawByte(',')
		f.MarshalTo(&w)
	}
	w.RawByte(']')
	return w.BuildBytes()
}

// Close ends a subscription: ["CLOSE", <id>].
type Close string

var _ E = (*Close)(nil)

func (Close) Label() string { return LClose }

func (v *Close) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LClose, 2)
	if err != nil {
		return err
	}
	if arr[1].Type != gjson.String {
		return fmt.Errorf("%w: CLOSE subscription id is not a string",
			ErrInvalidFormat)
	}
	*v = Close(arr[1].Str)
	return nil
}

func (v Close) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LClose + `",`)
	w.String(string(v))
	w.RawByte(']')
	return w.BuildBytes()
}

// Closed is the relay's notice that it ended a subscription:
// ["CLOSED", <id>, <reason>].
type Closed struct {
	SubscriptionID string
	Reason         string
}

var _ E = (*Closed)(nil)

func (Closed) Label() string { return LClosed }

func (v *Closed) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LClosed, 3)
	if err != nil {
		return err
	}
	if arr[1].Type != gjson.String || arr[2].Type != gjson.String {
		return fmt.Errorf("%w: CLOSED elements are not strings", ErrInvalidFormat)
	}
	v.SubscriptionID = arr[1].Str
	v.Reason = arr[2].Str
	return nil
}

func (v Closed) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LClosed + `",`)
	w.String(v.SubscriptionID)
	w.RawByte(',')
	w.String(v.Reason)
	w.RawByte(']')
	return w.BuildBytes()
}

// OK acknowledges a published event: ["OK", <event id>, <bool>, <message>].
type OK struct {
	EventID string
	OK      bool
	Reason  string
}

var _ E = (*OK)(nil)

func (OK) Label() string { return LOK }

func (v *OK) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LOK, 4)
	if err != nil {
		return err
	}
	if arr[1].Type != gjson.String ||
		(arr[2].Type != gjson.True && arr[2].Type != gjson.False) ||
		arr[3].Type != gjson.String {
		return fmt.Errorf("%w: OK element types are wrong", ErrInvalidFormat)
	}
	v.EventID = arr[1].Str
	v.OK = arr[2].Bool()
	v.Reason = arr[3].Str
	return nil
}

func (v OK) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LOK + `",`)
	w.String(v.EventID)
	if v.OK {
		w.RawString(",true,")
	} else {
		w.RawString(",false,")
	}
	w.String(v.Reason)
	w.RawByte(']')
	return w.BuildBytes()
}

// EOSE signals the end of stored events: ["EOSE", <id>].
type EOSE string

var _ E = (*EOSE)(nil)

func (EOSE) Label() string { return LEOSE }

func (v *EOSE) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LEOSE, 2)
	if err != nil {
		return err
	}
	if arr[1].Type != gjson.String {
		return fmt.Errorf("%w: EOSE subscription id is not a string",
			ErrInvalidFormat)
	}
	*v = EOSE(arr[1].Str)
	return nil
}

func (v EOSE) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LEOSE + `",`)
	w.String(string(v))
	w.RawByte(']')
	return w.BuildBytes()
}

// Notice is a free-form relay warning: ["NOTICE", <message>].
type Notice string

var _ E = (*Notice)(nil)

func (Notice) Label() string { return LNotice }

func (v *Notice) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LNotice, 2)
	if err != nil {
		return err
	}
	if arr[1].Type != gjson.String {
		return fmt.Errorf("%w: NOTICE message is not a string", ErrInvalidFormat)
	}
	*v = Notice(arr[1].Str)
	return nil
}

func (v Notice) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LNotice + `",`)
	w.String(string(v))
	w.RawByte(']')
	return w.BuildBytes()
}

// Auth is either a relay challenge (["AUTH", <challenge>]) or the
// client's signed response (["AUTH", <event>]).
type Auth struct {
	Challenge *string
	Event     *event.T
}

var _ E = (*Auth)(nil)

func (Auth) Label() string { return LAuth }

func (v *Auth) UnmarshalJSON(data []byte) error {
	arr, err := expect(data, LAuth, 2)
	if err != nil {
		return err
	}
	switch {
	case arr[1].IsObject():
		ev, err := event.FromJSON([]byte(arr[1].Raw))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidFormat, err)
		}
		v.Event = ev
	case arr[1].Type == gjson.String:
		c := arr[1].Str
		v.Challenge = &c
	default:
		return fmt.Errorf("%w: AUTH payload is neither string nor event",
			ErrInvalidFormat)
	}
	return nil
}

func (v Auth) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	w.RawString(`["` + LAuth + `",`)
	if v.Event != nil {
		v.Event.MarshalTo(&w)
	} else if v.Challenge != nil {
		w.String(*v.Challenge)
	} else {
		w.String("")
	}
	w.RawByte(']')
	return w.BuildBytes()
}
