package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fluxer-voice-lab/internal/pipeline"
)

// DefaultAccountID is used when a caller names no account.
const DefaultAccountID = "default"

// DefaultVolume is the playback volume when none is configured.
const DefaultVolume = 100

// AutoJoinTarget is a channel joined on startup.
type AutoJoinTarget struct {
	GuildID   string `yaml:"guildId"`
	ChannelID string `yaml:"channelId"`
}

// TTSConfig selects the synthesis voice.
type TTSConfig struct {
	Provider string `yaml:"provider"`
	Voice    string `yaml:"voice"`
}

// VoiceConfig holds per-account voice behavior.
type VoiceConfig struct {
	Enabled                *bool            `yaml:"enabled"`
	AutoJoin               []AutoJoinTarget `yaml:"autoJoin"`
	AutoSubscribeUsers     []string         `yaml:"autoSubscribeUsers"`
	MinUtteranceMs         int              `yaml:"minUtteranceMs"`
	MinUtteranceFallbackMs int              `yaml:"minUtteranceFallbackMs"`
	MaxBufferMs            int              `yaml:"maxBufferMs"`
	Volume                 int              `yaml:"volume"`
	TTS                    TTSConfig        `yaml:"tts"`
}

// IsEnabled reports whether voice is on; it defaults to false.
func (v *VoiceConfig) IsEnabled() bool {
	return v != nil && v.Enabled != nil && *v.Enabled
}

// PipelineSettings converts the voice block into session settings with
// defaults applied.
func (v *VoiceConfig) PipelineSettings() pipeline.Settings {
	s := pipeline.DefaultSettings
	if v == nil {
		return s
	}
	if v.MinUtteranceMs > 0 {
		s.MinUtteranceMs = v.MinUtteranceMs
	}
	if v.MinUtteranceFallbackMs > 0 {
		s.MinUtteranceFallbackMs = v.MinUtteranceFallbackMs
	}
	if v.MaxBufferMs > 0 {
		s.MaxBufferMs = v.MaxBufferMs
	}
	s.TTSProvider = v.TTS.Provider
	s.TTSVoice = v.TTS.Voice
	return s
}

// PlaybackVolume returns the configured volume or DefaultVolume.
func (v *VoiceConfig) PlaybackVolume() int {
	if v == nil || v.Volume <= 0 {
		return DefaultVolume
	}
	return v.Volume
}

// AccountConfig is one account entry. The same shape is used for top-level
// defaults.
type AccountConfig struct {
	Name       string       `yaml:"name"`
	Enabled    *bool        `yaml:"enabled"`
	APIToken   string       `yaml:"apiToken"`
	BaseURL    string       `yaml:"baseUrl"`
	AuthScheme string       `yaml:"authScheme"`
	Voice      *VoiceConfig `yaml:"voice"`
}

// File is the account configuration file.
type File struct {
	AccountConfig `yaml:",inline"`
	Accounts      map[string]AccountConfig `yaml:"accounts"`
}

// LoadFile parses path. An empty path or a missing file yields an empty
// configuration.
func LoadFile(path string) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Source records where a resolved credential came from.
type Source string

const (
	SourceEnv    Source = "env"
	SourceConfig Source = "config"
	SourceNone   Source = "none"
)

// Account is an account with defaults merged and credentials resolved.
type Account struct {
	AccountID     string
	Enabled       bool
	Name          string
	APIToken      string
	BaseURL       string
	TokenSource   Source
	BaseURLSource Source
	Config        AccountConfig
}

// Configured reports whether the account has the credentials needed to
// open a gateway client.
func (a Account) Configured() bool {
	return a.APIToken != "" && a.BaseURL != ""
}

// Config joins the environment and the account file.
type Config struct {
	Env  *Env
	File *File
}

// NormalizeAccountID trims and lower-cases id; empty becomes the default.
func NormalizeAccountID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return DefaultAccountID
	}
	return id
}

func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func (c *Config) file() *File {
	if c.File == nil {
		return &File{}
	}
	return c.File
}

// AccountIDs lists configured accounts, sorted, or the default account when
// none are configured.
func (c *Config) AccountIDs() []string {
	f := c.file()
	ids := make([]string, 0, len(f.Accounts))
	for id := range f.Accounts {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []string{DefaultAccountID}
	}
	sort.Strings(ids)
	return ids
}

// DefaultAccount returns the default account id when configured, otherwise
// the first configured id.
func (c *Config) DefaultAccount() string {
	ids := c.AccountIDs()
	for _, id := range ids {
		if id == DefaultAccountID {
			return id
		}
	}
	return ids[0]
}

func (c *Config) merged(accountID string) AccountConfig {
	f := c.file()
	m := f.AccountConfig
	acct, ok := f.Accounts[accountID]
	if !ok {
		return m
	}
	if acct.Name != "" {
		m.Name = acct.Name
	}
	if acct.Enabled != nil {
		m.Enabled = acct.Enabled
	}
	if acct.APIToken != "" {
		m.APIToken = acct.APIToken
	}
	if acct.BaseURL != "" {
		m.BaseURL = acct.BaseURL
	}
	if acct.AuthScheme != "" {
		m.AuthScheme = acct.AuthScheme
	}
	if acct.Voice != nil {
		m.Voice = acct.Voice
	}
	return m
}

// ResolveAccount merges defaults into the named account and resolves its
// credentials. Environment credentials apply only to the default account.
func (c *Config) ResolveAccount(id string) Account {
	accountID := NormalizeAccountID(id)
	f := c.file()
	baseEnabled := f.Enabled == nil || *f.Enabled
	m := c.merged(accountID)
	accountEnabled := m.Enabled == nil || *m.Enabled

	var envToken, envBase string
	if accountID == DefaultAccountID && c.Env != nil {
		envToken = strings.TrimSpace(c.Env.FluxerAPIToken)
		envBase = strings.TrimSpace(c.Env.FluxerBaseURL)
	}
	cfgToken := strings.TrimSpace(m.APIToken)
	cfgBase := normalizeBaseURL(m.BaseURL)

	a := Account{
		AccountID:     accountID,
		Enabled:       baseEnabled && accountEnabled,
		Name:          strings.TrimSpace(m.Name),
		TokenSource:   SourceNone,
		BaseURLSource: SourceNone,
		Config:        m,
	}
	switch {
	case cfgToken != "":
		a.APIToken, a.TokenSource = cfgToken, SourceConfig
	case envToken != "":
		a.APIToken, a.TokenSource = envToken, SourceEnv
	}
	switch {
	case cfgBase != "":
		a.BaseURL, a.BaseURLSource = cfgBase, SourceConfig
	case envBase != "":
		a.BaseURL, a.BaseURLSource = normalizeBaseURL(envBase), SourceEnv
	}
	return a
}

// EnabledAccounts resolves every enabled account.
func (c *Config) EnabledAccounts() []Account {
	var out []Account
	for _, id := range c.AccountIDs() {
		if a := c.ResolveAccount(id); a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

var versionSuffix = regexp.MustCompile(`(?i)^(.*)/v(\d+)$`)

// ResolveRestAPI splits a trailing /v<N> path segment from baseURL. The
// version defaults to "1".
func ResolveRestAPI(baseURL string) (api, version string, err error) {
	u, err := url.Parse(normalizeBaseURL(baseURL))
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("invalid base URL %q", baseURL)
	}
	origin := u.Scheme + "://" + u.Host
	path := strings.TrimRight(u.Path, "/")
	if m := versionSuffix.FindStringSubmatch(path); m != nil {
		return origin + m[1], m[2], nil
	}
	return origin + path, "1", nil
}
