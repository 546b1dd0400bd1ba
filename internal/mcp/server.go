// Package mcp exposes voice control as MCP tools over a websocket and
// provides a client wrapper for calling them.
package mcp

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/voice"
)

// Path is where Handler is mounted by the bot.
const Path = "/mcp/ws"

// Tool names.
const (
	ToolJoin        = "voice_join"
	ToolLeave       = "voice_leave"
	ToolSubscribe   = "voice_subscribe"
	ToolUnsubscribe = "voice_unsubscribe"
	ToolStatus      = "voice_status"
)

// VoiceService is the part of voice.Service the tools call.
type VoiceService interface {
	Join(ctx context.Context, accountID, guildID, channelID string) (voice.JoinResult, error)
	Leave(ctx context.Context, accountID, guildID string) (voice.LeaveResult, error)
	Subscribe(ctx context.Context, accountID, guildID, channelID, userID string) (voice.SubscriptionResult, error)
	Unsubscribe(ctx context.Context, accountID, guildID, channelID, userID string) (voice.SubscriptionResult, error)
	Status(ctx context.Context, accountID, guildID, userID string) (voice.StatusResult, error)
}

var _ VoiceService = (*voice.Service)(nil)

// JoinArgs are the voice_join arguments.
type JoinArgs struct {
	AccountID string `json:"accountId,omitempty" jsonschema:"account to act as; defaults to the default account"`
	GuildID   string `json:"guildId,omitempty" jsonschema:"guild (community) id"`
	ChannelID string `json:"channelId,omitempty" jsonschema:"voice channel id"`
}

// LeaveArgs are the voice_leave arguments.
type LeaveArgs struct {
	AccountID string `json:"accountId,omitempty" jsonschema:"account to act as; defaults to the default account"`
	GuildID   string `json:"guildId,omitempty" jsonschema:"guild (community) id"`
}

// SubscriptionArgs are the voice_subscribe and voice_unsubscribe arguments.
type SubscriptionArgs struct {
	AccountID string `json:"accountId,omitempty" jsonschema:"account to act as; defaults to the default account"`
	GuildID   string `json:"guildId,omitempty" jsonschema:"guild (community) id"`
	ChannelID string `json:"channelId,omitempty" jsonschema:"voice channel id"`
	UserID    string `json:"userId,omitempty" jsonschema:"participant whose audio is routed to the pipeline"`
}

// StatusArgs are the voice_status arguments.
type StatusArgs struct {
	AccountID string `json:"accountId,omitempty" jsonschema:"account to act as; defaults to the default account"`
	GuildID   string `json:"guildId,omitempty" jsonschema:"guild (community) id"`
	UserID    string `json:"userId,omitempty" jsonschema:"user to locate"`
}

// texter is implemented by every voice result.
type texter interface{ Text() string }

func textResult(r texter) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: r.Text()}}}
}

// withActive keeps activeSubscriptions an array on the wire.
func withActive(r voice.SubscriptionResult) voice.SubscriptionResult {
	if r.ActiveSubscriptions == nil {
		r.ActiveSubscriptions = []string{}
	}
	return r
}

// NewServer registers the voice tools against svc.
func NewServer(svc VoiceService, version string) *sdk.Server {
	if version == "" {
		version = "dev"
	}
	s := sdk.NewServer(&sdk.Implementation{Name: "fluxer-voice", Version: version}, nil)

	sdk.AddTool(s, &sdk.Tool{
		Name:        ToolJoin,
		Description: "Join a voice channel so the bot can listen and speak.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, in JoinArgs) (*sdk.CallToolResult, voice.JoinResult, error) {
		res, err := svc.Join(ctx, in.AccountID, in.GuildID, in.ChannelID)
		if err != nil {
			return nil, voice.JoinResult{}, err
		}
		return textResult(res), res, nil
	})

	sdk.AddTool(s, &sdk.Tool{
		Name:        ToolLeave,
		Description: "Leave the voice channel in a guild and stop its pipelines.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, in LeaveArgs) (*sdk.CallToolResult, voice.LeaveResult, error) {
		res, err := svc.Leave(ctx, in.AccountID, in.GuildID)
		if err != nil {
			return nil, voice.LeaveResult{}, err
		}
		return textResult(res), res, nil
	})

	sdk.AddTool(s, &sdk.Tool{
		Name:        ToolSubscribe,
		Description: "Start the listen, transcribe, reply and speak pipeline for a participant.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, in SubscriptionArgs) (*sdk.CallToolResult, voice.SubscriptionResult, error) {
		res, err := svc.Subscribe(ctx, in.AccountID, in.GuildID, in.ChannelID, in.UserID)
		if err != nil {
			return nil, voice.SubscriptionResult{}, err
		}
		res = withActive(res)
		return textResult(res), res, nil
	})

	sdk.AddTool(s, &sdk.Tool{
		Name:        ToolUnsubscribe,
		Description: "Stop routing a participant's audio to the pipeline.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, in SubscriptionArgs) (*sdk.CallToolResult, voice.SubscriptionResult, error) {
		res, err := svc.Unsubscribe(ctx, in.AccountID, in.GuildID, in.ChannelID, in.UserID)
		if err != nil {
			return nil, voice.SubscriptionResult{}, err
		}
		res = withActive(res)
		return textResult(res), res, nil
	})

	sdk.AddTool(s, &sdk.Tool{
		Name:        ToolStatus,
		Description: "Report which voice channel a user is in and whether the bot is connected.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, in StatusArgs) (*sdk.CallToolResult, voice.StatusResult, error) {
		res, err := svc.Status(ctx, in.AccountID, in.GuildID, in.UserID)
		if err != nil {
			return nil, voice.StatusResult{}, err
		}
		return textResult(res), res, nil
	})

	return s
}

// Handler upgrades requests to websockets and serves one MCP session per
// connection until the peer goes away.
func Handler(server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		sess, err := server.Connect(r.Context(), newServerWebSocketTransport(conn), nil)
		if err != nil {
			logging.Errorw("mcp: server connect failed", "remote", r.RemoteAddr, "error", err)
			_ = conn.Close()
			return
		}
		logging.Debugw("mcp: session started", "remote", r.RemoteAddr)
		if err := sess.Wait(); err != nil {
			logging.Debugw("mcp: session ended", "remote", r.RemoteAddr, "error", err)
			return
		}
		logging.Debugw("mcp: session ended", "remote", r.RemoteAddr)
	})
}
