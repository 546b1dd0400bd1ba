// Package voice owns voice connections: the Manager pairs the gateway's
// voice state and voice server events into transport connects, and the
// Service exposes join, leave, subscribe and status per account.
package voice

import (
	"context"

	"github.com/fluxer-voice-lab/internal/transport"
)

// Gateway is the chat-platform session the Manager signals through.
type Gateway interface {
	// UserID is the bot's own user id, empty until the session is ready.
	UserID() string
	// UpdateVoiceState asks the gateway to move the bot into channelID, or
	// out of voice in guildID when channelID is empty.
	UpdateVoiceState(guildID, channelID string) error
}

// Directory looks up chat-platform names and voice membership.
type Directory interface {
	// ChannelGuild returns the guild of channelID or ErrChannelNotFound.
	ChannelGuild(ctx context.Context, channelID string) (string, error)
	ChannelName(ctx context.Context, channelID string) string
	// MemberVoiceChannel returns the voice channel userID is in, or "".
	MemberVoiceChannel(ctx context.Context, guildID, userID string) string
}

// TransportFactory builds an unconnected transport of the given kind.
type TransportFactory func(kind transport.Kind, guildID, channelID, userID string) transport.Transport
