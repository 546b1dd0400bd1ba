package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxer-voice-lab/internal/mcp"
	"github.com/fluxer-voice-lab/internal/voice"
)

func TestParseConfig(t *testing.T) {
	env := map[string]string{"VOICECTL_ADDR": "http://bot:9010"}
	cfg, err := parseConfig([]string{"-guild", "g1", "-channel", "c1", "JOIN"}, func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, "http://bot:9010", cfg.Addr)
	assert.Equal(t, "join", cfg.Command)
	assert.Equal(t, mcp.JoinArgs{GuildID: "g1", ChannelID: "c1"}, toolArgs(cfg))

	_, err = parseConfig([]string{"dance"}, func(string) string { return "" })
	assert.ErrorContains(t, err, `unknown command "dance"`)

	_, err = parseConfig(nil, func(string) string { return "" })
	assert.EqualError(t, err, usage)
}

type statusOnly struct{ mcp.VoiceService }

func (statusOnly) Status(_ context.Context, _, guildID, userID string) (voice.StatusResult, error) {
	return voice.StatusResult{AccountID: "default", GuildID: guildID, UserID: userID}, nil
}

func TestRunStatus(t *testing.T) {
	srv := httptest.NewServer(mcp.Handler(mcp.NewServer(statusOnly{}, "test")))
	defer srv.Close()

	cfg := ctlConfig{Addr: srv.URL, Timeout: 5 * time.Second, Command: "status", GuildID: "g1", UserID: "u1"}
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &out))
	assert.Equal(t, "User u1 voice: not in voice; botConnected=false\n", out.String())

	out.Reset()
	cfg.JSON = true
	require.NoError(t, run(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), `"botConnected":false`)
}
