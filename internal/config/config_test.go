package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
enabled: true
baseUrl: https://api.fluxer.app/v1/
voice:
  enabled: true
  minUtteranceMs: 300
accounts:
  default:
    name: " Main "
  helper:
    apiToken: helper-token
    voice:
      enabled: true
      autoJoin:
        - guildId: g1
          channelId: c1
      autoSubscribeUsers: ["*"]
      maxBufferMs: 5000
      tts:
        provider: openai
        voice: alloy
  off:
    enabled: false
`

func loadSample(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	f, err := LoadFile(path)
	require.NoError(t, err)
	return f
}

func TestResolveAccount(t *testing.T) {
	cfg := &Config{
		Env:  &Env{FluxerAPIToken: " env-token ", FluxerBaseURL: "https://env.example/"},
		File: loadSample(t),
	}

	def := cfg.ResolveAccount("")
	assert.Equal(t, "default", def.AccountID)
	assert.Equal(t, "Main", def.Name)
	assert.Equal(t, "env-token", def.APIToken)
	assert.Equal(t, SourceEnv, def.TokenSource)
	assert.Equal(t, "https://api.fluxer.app/v1", def.BaseURL)
	assert.Equal(t, SourceConfig, def.BaseURLSource)
	assert.True(t, def.Configured())
	assert.Equal(t, 300, def.Config.Voice.PipelineSettings().MinUtteranceMs)

	helper := cfg.ResolveAccount(" HELPER ")
	assert.Equal(t, "helper", helper.AccountID)
	assert.Equal(t, "helper-token", helper.APIToken)
	assert.Equal(t, SourceConfig, helper.TokenSource)
	s := helper.Config.Voice.PipelineSettings()
	assert.Equal(t, 250, s.MinUtteranceMs, "account voice block replaces the top-level one")
	assert.Equal(t, 5000, s.MaxBufferMs)
	assert.Equal(t, "alloy", s.TTSVoice)
	assert.Equal(t, []AutoJoinTarget{{GuildID: "g1", ChannelID: "c1"}}, helper.Config.Voice.AutoJoin)

	other := cfg.ResolveAccount("unknown")
	assert.Empty(t, other.APIToken, "env credentials only apply to the default account")
	assert.False(t, other.Configured())

	assert.False(t, cfg.ResolveAccount("off").Enabled)
	var ids []string
	for _, a := range cfg.EnabledAccounts() {
		ids = append(ids, a.AccountID)
	}
	assert.Equal(t, []string{"default", "helper"}, ids)
}

func TestTopLevelDisableWins(t *testing.T) {
	no := false
	cfg := &Config{File: &File{
		AccountConfig: AccountConfig{Enabled: &no},
		Accounts:      map[string]AccountConfig{"a": {}},
	}}
	assert.False(t, cfg.ResolveAccount("a").Enabled)
	assert.Empty(t, cfg.EnabledAccounts())
}

func TestAccountIDsDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.AccountIDs(); len(got) != 1 || got[0] != DefaultAccountID {
		t.Fatalf("AccountIDs: want=[default] got=%v", got)
	}
	if got := cfg.DefaultAccount(); got != DefaultAccountID {
		t.Fatalf("DefaultAccount: want=default got=%s", got)
	}
}

func TestLoadFileMissing(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, f.Accounts)
}

func TestResolveRestAPI(t *testing.T) {
	cases := []struct {
		in, api, version string
	}{
		{"https://api.fluxer.app/v1", "https://api.fluxer.app", "1"},
		{"https://host/api/V9/", "https://host/api", "9"},
		{"https://host/api", "https://host/api", "1"},
		{"https://host", "https://host", "1"},
	}
	for _, tc := range cases {
		api, version, err := ResolveRestAPI(tc.in)
		if err != nil {
			t.Fatalf("ResolveRestAPI(%q): %v", tc.in, err)
		}
		if api != tc.api || version != tc.version {
			t.Fatalf("ResolveRestAPI(%q): want=(%s,%s) got=(%s,%s)", tc.in, tc.api, tc.version, api, version)
		}
	}
	if _, _, err := ResolveRestAPI("not a url"); err == nil {
		t.Fatalf("expected error for invalid URL")
	}
}

func TestLoadEnvDefaults(t *testing.T) {
	e, err := LoadEnvFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"ARCHIVE_BACKEND": "redis",
		"REDIS_TTL":       "2h",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":9010", e.ControlAddr)
	assert.Equal(t, "ffmpeg", e.FFmpegPath)
	assert.Equal(t, "redis", e.Archive.Backend)
	assert.Equal(t, 2*time.Hour, e.Archive.RedisTTL)
	assert.Equal(t, 15*time.Second, e.WhisperTimeout())
}
