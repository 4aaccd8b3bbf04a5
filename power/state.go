// Package power holds the mains power state shared by the relay server and
// the toggle controller, and the small JSON/form vocabulary they exchange.
package power

import (
	"encoding/json"
	"errors"
	"fmt"
)

// State is whether the controlled mains circuit is energized.
type State bool

const (
	Off State = false
	On  State = true
)

// Wire tokens for the "state" form parameter.
const (
	TokenOn  = "on"
	TokenOff = "off"
)

// ErrUnknownToken is returned by ParseToken for anything but "on" or "off".
var ErrUnknownToken = errors.New("unknown power token")

// Token returns the form token that requests this state.
func (s State) Token() string {
	if s {
		return TokenOn
	}
	return TokenOff
}

func (s State) String() string {
	if s {
		return "ON"
	}
	return "OFF"
}

// ParseToken maps "on"/"off" to a State.
func ParseToken(token string) (State, error) {
	switch token {
	case TokenOn:
		return On, nil
	case TokenOff:
		return Off, nil
	default:
		return Off, fmt.Errorf("%w: %q", ErrUnknownToken, token)
	}
}

// Response is the body of every /hpa_power_set reply.
type Response struct {
	State *bool  `json:"state"`
	Error string `json:"error,omitempty"`
}

// NewResponse builds a reply carrying s.
func NewResponse(s State) Response {
	v := bool(s)
	return Response{State: &v}
}

// ErrMissingState is returned by DecodeResponse when the body has no "state" field.
var ErrMissingState = errors.New("response has no state field")

// DecodeResponse parses a reply body. The state field must be present and boolean.
func DecodeResponse(data []byte) (State, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Off, fmt.Errorf("failed to decode state response: %w", err)
	}
	if resp.State == nil {
		return Off, ErrMissingState
	}
	return State(*resp.State), nil
}
