// Package wire defines the messages exchanged with the relay. Every frame
// is an Envelope naming an event plus a JSON payload. Field names follow
// the relay protocol, not Go conventions.
package wire

import (
	"encoding/json"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/mlvzk/watchparty/internal/errors"
)

const (
	ErrMalformed errors.Code = "malformed_payload"
	ErrMarshal   errors.Code = "marshal_error"
)

// Relay events. Outbound and inbound share names; payload shapes differ by
// direction (see the request/notice types below).
const (
	EventJoin      = "join"
	EventMessage   = "message"
	EventTimeStart = "time_start"
	EventTimePause = "time_pause"
	EventTimeSet   = "time_set"
	EventTimeGet   = "time_get"
	EventTimeReset = "time_reset"
	EventConnected = "connected"
	EventJoined    = "joined"
	EventLeft      = "left"
)

// room names are URL path segments and map keys on the relay, keep them tame
var roomNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("roomname", func(fl validator.FieldLevel) bool {
		return roomNameRegex.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Envelope is one frame on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Event: event}, nil
	}
	bs, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(ErrMarshal, err, "failed to marshal payload")
	}
	return &Envelope{Event: event, Data: bs}, nil
}

// Bind unmarshals and validates the envelope payload into v. Malformed or
// partial payloads return ErrMalformed; callers drop them (relay-side bugs
// are not client-fatal).
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return errors.Newf(ErrMalformed, "event %q carries no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrMalformed, err, "event %q", e.Event)
	}
	if err := validate.Struct(v); err != nil {
		return errors.Wrapf(ErrMalformed, err, "event %q", e.Event)
	}
	return nil
}
