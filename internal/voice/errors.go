package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrJoinTimeout is returned when the gateway never delivered the voice
	// state and server events for a join.
	ErrJoinTimeout = errors.New("Voice connection timeout. Ensure the server has voice enabled and the bot has Connect permissions. The gateway must send VoiceServerUpdate and VoiceStateUpdate in response.")
	// ErrNotConnected is returned when an operation needs a live connection
	// in the channel.
	ErrNotConnected = errors.New("not connected to voice")
	// ErrNotConfigured is returned for accounts missing a token or base URL.
	ErrNotConfigured = errors.New("voice not configured")
	// ErrChannelNotFound is returned when the chat platform does not know
	// the channel.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrNotReady is returned when the gateway client did not become ready.
	ErrNotReady = errors.New("voice client did not become ready")
)

// ParamError reports a missing request parameter.
type ParamError struct {
	Op    string
	Param string
}

var _ error = (*ParamError)(nil)

func (e *ParamError) Error() string {
	return fmt.Sprintf("voice %s requires %s", e.Op, e.Param)
}

func requireParams(op string, kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			return &ParamError{Op: op, Param: kv[i]}
		}
	}
	return nil
}
