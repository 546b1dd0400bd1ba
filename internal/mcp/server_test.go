package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxer-voice-lab/internal/voice"
)

type fakeVoice struct {
	mu       sync.Mutex
	joined   []string
	joinErr  error
	statuses map[string]voice.StatusResult
}

func (f *fakeVoice) Join(_ context.Context, accountID, guildID, channelID string) (voice.JoinResult, error) {
	if f.joinErr != nil {
		return voice.JoinResult{}, f.joinErr
	}
	f.mu.Lock()
	f.joined = append(f.joined, accountID+"/"+guildID+"/"+channelID)
	f.mu.Unlock()
	return voice.JoinResult{OK: true, AccountID: "default", GuildID: guildID, ChannelID: channelID}, nil
}

func (f *fakeVoice) Leave(_ context.Context, _, guildID string) (voice.LeaveResult, error) {
	return voice.LeaveResult{OK: true, AccountID: "default", GuildID: guildID}, nil
}

func (f *fakeVoice) Subscribe(_ context.Context, _, guildID, channelID, userID string) (voice.SubscriptionResult, error) {
	return voice.SubscriptionResult{OK: true, AccountID: "default", GuildID: guildID, ChannelID: channelID, UserID: userID, ActiveSubscriptions: []string{userID}}, nil
}

func (f *fakeVoice) Unsubscribe(_ context.Context, _, guildID, channelID, userID string) (voice.SubscriptionResult, error) {
	return voice.SubscriptionResult{OK: true, AccountID: "default", GuildID: guildID, ChannelID: channelID, UserID: userID}, nil
}

func (f *fakeVoice) Status(_ context.Context, _, guildID, userID string) (voice.StatusResult, error) {
	st, ok := f.statuses[userID]
	if !ok {
		return voice.StatusResult{AccountID: "default", GuildID: guildID, UserID: userID}, nil
	}
	return st, nil
}

func dialTestServer(t *testing.T, svc VoiceService) *ClientWrapper {
	t.Helper()
	srv := httptest.NewServer(Handler(NewServer(svc, "test")))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := NewClientWrapper("voice-test", "test")
	require.NoError(t, c.ConnectWebSocket(ctx, srv.URL+Path))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestToolsListed(t *testing.T) {
	c := dialTestServer(t, &fakeVoice{})
	names, err := c.Tools(context.Background())
	require.NoError(t, err)
	want := []string{ToolJoin, ToolLeave, ToolStatus, ToolSubscribe, ToolUnsubscribe}
	sort.Strings(names)
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("tools mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinTool(t *testing.T) {
	fv := &fakeVoice{}
	c := dialTestServer(t, fv)
	text, structured, err := c.CallTool(context.Background(), ToolJoin, JoinArgs{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "Joined voice channel c1 in guild g1", text)
	fv.mu.Lock()
	assert.Equal(t, []string{"/g1/c1"}, fv.joined)
	fv.mu.Unlock()

	var got voice.JoinResult
	require.NoError(t, json.Unmarshal(structured, &got))
	assert.Equal(t, voice.JoinResult{OK: true, AccountID: "default", GuildID: "g1", ChannelID: "c1"}, got)
}

func TestToolErrorsSurfaceAsText(t *testing.T) {
	c := dialTestServer(t, &fakeVoice{joinErr: errors.New("voice join requires channelId")})
	_, _, err := c.CallTool(context.Background(), ToolJoin, JoinArgs{GuildID: "g1"})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ToolJoin, te.Tool)
	assert.Equal(t, "voice join requires channelId", te.Text)
}

func TestUnsubscribeKeepsActiveArray(t *testing.T) {
	c := dialTestServer(t, &fakeVoice{})
	text, structured, err := c.CallTool(context.Background(), ToolUnsubscribe, SubscriptionArgs{GuildID: "g1", ChannelID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Unsubscribed u1 in c1. Active: none", text)
	assert.Contains(t, string(structured), `"activeSubscriptions":[]`)
}

func TestStatusAndLeaveTools(t *testing.T) {
	fv := &fakeVoice{statuses: map[string]voice.StatusResult{
		"u1": {AccountID: "default", GuildID: "g1", UserID: "u1", VoiceChannelID: "c1", VoiceChannelName: "Lounge", BotConnected: true},
	}}
	c := dialTestServer(t, fv)
	ctx := context.Background()

	text, _, err := c.CallTool(ctx, ToolStatus, StatusArgs{GuildID: "g1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "User u1 voice: Lounge (c1); botConnected=true", text)

	text, _, err = c.CallTool(ctx, ToolLeave, LeaveArgs{GuildID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, "Left voice channel in guild g1", text)
}

func TestCallToolBeforeConnect(t *testing.T) {
	c := NewClientWrapper("voice-test", "test")
	_, _, err := c.CallTool(context.Background(), ToolStatus, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:9010":         "ws://127.0.0.1:9010/mcp/ws",
		"https://voice.example/":        "wss://voice.example/mcp/ws",
		"ws://127.0.0.1:9010/custom/ws": "ws://127.0.0.1:9010/custom/ws",
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		if err != nil || got != want {
			t.Fatalf("websocketURL(%q): want=%q got=%q err=%v", in, want, got, err)
		}
	}
	_, err := websocketURL("ftp://voice.example")
	assert.Error(t, err)
}
