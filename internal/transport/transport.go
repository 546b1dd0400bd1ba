// Package transport defines the contract shared by the voice transports and
// the event fan-out they use to report audio, speaker activity and
// disconnects.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUnsupported is returned for capabilities a transport variant lacks.
	ErrUnsupported = errors.New("transport: operation not supported")
	// ErrClosed is returned once a transport has disconnected.
	ErrClosed = errors.New("transport: closed")
	// ErrNotReady is returned when playback is requested before connect.
	ErrNotReady = errors.New("transport: not ready")
)

// Kind names a transport variant.
type Kind string

const (
	KindLegacy Kind = "legacy"
	KindRTC    Kind = "rtc"
)

// ServerUpdate is the voice-server-assigned gateway event.
type ServerUpdate struct {
	GuildID      string
	Endpoint     string
	Token        string
	ConnectionID string
}

// StateUpdate is the voice-state gateway event for one user.
type StateUpdate struct {
	GuildID      string
	ChannelID    string
	UserID       string
	SessionID    string
	ConnectionID string
}

// Subscription is a live per-participant audio feed.
type Subscription interface {
	ParticipantID() string
	Stop()
}

// Transport owns one network connection to one voice channel.
type Transport interface {
	Kind() Kind
	GuildID() string
	ChannelID() string

	// Connect performs the handshake and returns once audio can flow.
	Connect(ctx context.Context, server ServerUpdate, state StateUpdate) error
	Connected() bool
	// SameServer reports whether endpoint and token match the server this
	// transport is bound to.
	SameServer(endpoint, token string) bool

	// Play blocks until src (an Ogg/Opus stream) has been sent, ctx is
	// done, or Stop is called.
	Play(ctx context.Context, src io.Reader) error
	Stop()
	SetVolume(pct int)

	SubscribeParticipantAudio(participantID string) (Subscription, error)
	ParticipantIDs() []string

	// On registers a listener and returns a func removing it.
	On(fn func(Event)) (cancel func())
	Disconnect()
}
