package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/fluxer-voice-lab/internal/config"
	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/transport"
)

// ReadyTimeout bounds how long Open waits for the gateway READY event.
const ReadyTimeout = 15 * time.Second

// maxLoggedPayload caps raw gateway payloads in debug logs.
const maxLoggedPayload = 8 * 1024

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type rawVoiceState struct {
	GuildID      string     `json:"guild_id"`
	ChannelID    string     `json:"channel_id"`
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id"`
	ConnectionID flexString `json:"connection_id"`
}

func (r rawVoiceState) update(guildID string) transport.StateUpdate {
	if r.GuildID != "" {
		guildID = r.GuildID
	}
	return transport.StateUpdate{
		GuildID:      guildID,
		ChannelID:    r.ChannelID,
		UserID:       r.UserID,
		SessionID:    r.SessionID,
		ConnectionID: string(r.ConnectionID),
	}
}

type rawVoiceServer struct {
	GuildID      string     `json:"guild_id"`
	Endpoint     string     `json:"endpoint"`
	Token        string     `json:"token"`
	ConnectionID flexString `json:"connection_id"`
}

type rawVoiceStates struct {
	GuildID     string          `json:"guild_id"`
	ID          string          `json:"id"`
	VoiceStates []rawVoiceState `json:"voice_states"`
}

// voiceEventSink receives decoded gateway voice events.
type voiceEventSink interface {
	HandleVoiceStateUpdate(transport.StateUpdate)
	HandleVoiceServerUpdate(transport.ServerUpdate)
	VoiceStatesSync(guildID string, states []transport.StateUpdate)
}

// dispatchRawEvent decodes the voice-related gateway dispatches. discordgo's
// typed structs drop connection_id, so the raw payload is used.
func dispatchRawEvent(sink voiceEventSink, typ string, raw json.RawMessage) bool {
	switch typ {
	case "VOICE_STATE_UPDATE":
		var st rawVoiceState
		if err := json.Unmarshal(raw, &st); err != nil {
			logging.Warnw("voice: bad VOICE_STATE_UPDATE", "err", err)
			return false
		}
		sink.HandleVoiceStateUpdate(st.update(""))
	case "VOICE_SERVER_UPDATE":
		var sv rawVoiceServer
		if err := json.Unmarshal(raw, &sv); err != nil {
			logging.Warnw("voice: bad VOICE_SERVER_UPDATE", "err", err)
			return false
		}
		sink.HandleVoiceServerUpdate(transport.ServerUpdate{
			GuildID:      sv.GuildID,
			Endpoint:     sv.Endpoint,
			Token:        sv.Token,
			ConnectionID: string(sv.ConnectionID),
		})
	case "VOICE_STATES_SYNC", "GUILD_CREATE":
		var vs rawVoiceStates
		if err := json.Unmarshal(raw, &vs); err != nil {
			logging.Warnw("voice: bad voice state list", "type", typ, "err", err)
			return false
		}
		guildID := vs.GuildID
		if guildID == "" {
			guildID = vs.ID
		}
		if guildID == "" || (typ == "GUILD_CREATE" && len(vs.VoiceStates) == 0) {
			return false
		}
		states := make([]transport.StateUpdate, 0, len(vs.VoiceStates))
		for _, st := range vs.VoiceStates {
			states = append(states, st.update(guildID))
		}
		sink.VoiceStatesSync(guildID, states)
	default:
		return false
	}
	return true
}

var endpointMu sync.Mutex

// setRESTEndpoints points discordgo's package-level endpoints at api. The
// endpoints are process-wide, so every account shares the last base URL set.
func setRESTEndpoints(api, version string) {
	endpointMu.Lock()
	defer endpointMu.Unlock()
	base := strings.TrimRight(api, "/") + "/"
	if discordgo.EndpointDiscord == base && discordgo.APIVersion == version {
		return
	}
	if discordgo.EndpointDiscord != "https://discord.com/" && discordgo.EndpointDiscord != base {
		logging.Warnw("voice: REST base URL changed; discordgo endpoints are process-wide", "previous", discordgo.EndpointDiscord, "next", base)
	}
	discordgo.APIVersion = version
	discordgo.EndpointDiscord = base
	discordgo.EndpointAPI = base + "v" + version + "/"
	discordgo.EndpointGuilds = discordgo.EndpointAPI + "guilds/"
	discordgo.EndpointChannels = discordgo.EndpointAPI + "channels/"
	discordgo.EndpointUsers = discordgo.EndpointAPI + "users/"
	discordgo.EndpointGateway = discordgo.EndpointAPI + "gateway"
	discordgo.EndpointGatewayBot = discordgo.EndpointGateway + "/bot"
	discordgo.EndpointWebhooks = discordgo.EndpointAPI + "webhooks/"
	discordgo.EndpointVoice = discordgo.EndpointAPI + "voice/"
	discordgo.EndpointVoiceRegions = discordgo.EndpointVoice + "regions"
}

// DiscordClient is the gateway session of one account. It implements
// Gateway and Directory and feeds voice events to its Manager.
type DiscordClient struct {
	accountID string
	s         *discordgo.Session
	names     *nameCache

	mu      sync.Mutex
	userID  string
	manager *Manager

	ready     chan struct{}
	readyOnce sync.Once
}

var (
	_ Gateway   = (*DiscordClient)(nil)
	_ Directory = (*DiscordClient)(nil)
)

// NewDiscordClient builds an unopened session for account.
func NewDiscordClient(account config.Account) (*DiscordClient, error) {
	if !account.Configured() {
		return nil, fmt.Errorf("%w for account %q", ErrNotConfigured, account.AccountID)
	}
	api, version, err := config.ResolveRestAPI(account.BaseURL)
	if err != nil {
		return nil, err
	}
	setRESTEndpoints(api, version)

	token := account.APIToken
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discordgo.New: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	s.StateEnabled = true

	c := &DiscordClient{
		accountID: account.AccountID,
		s:         s,
		ready:     make(chan struct{}),
	}
	c.names = newNameCache(c.lookupChannelName)
	s.AddHandler(c.onReady)
	s.AddHandler(c.onEvent)
	return c, nil
}

// Attach routes voice events to m.
func (c *DiscordClient) Attach(m *Manager) {
	c.mu.Lock()
	c.manager = m
	c.mu.Unlock()
}

// Open connects the session and waits for READY.
func (c *DiscordClient) Open(ctx context.Context) error {
	if err := c.s.Open(); err != nil {
		return fmt.Errorf("gateway open: %w", err)
	}
	timer := time.NewTimer(ReadyTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		logging.Infow("voice: gateway ready", "account.id", c.accountID, "user.id", c.UserID())
		return nil
	case <-timer.C:
		_ = c.s.Close()
		return fmt.Errorf("%w within %dms", ErrNotReady, ReadyTimeout.Milliseconds())
	case <-ctx.Done():
		_ = c.s.Close()
		return ctx.Err()
	}
}

// Close closes the gateway session.
func (c *DiscordClient) Close() error { return c.s.Close() }

func (c *DiscordClient) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		c.mu.Lock()
		c.userID = r.User.ID
		c.mu.Unlock()
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *DiscordClient) onEvent(_ *discordgo.Session, evt *discordgo.Event) {
	if !strings.HasPrefix(evt.Type, "VOICE_") && evt.Type != "GUILD_CREATE" {
		return
	}
	c.mu.Lock()
	m := c.manager
	c.mu.Unlock()
	if evt.Type != "GUILD_CREATE" {
		logging.Debugw("voice: gateway event", "account.id", c.accountID, "type", evt.Type, "payload", redactedPayload(evt.RawData, maxLoggedPayload))
	}
	if m == nil {
		return
	}
	dispatchRawEvent(m, evt.Type, evt.RawData)
}

// UserID returns the bot's user id once READY arrived.
func (c *DiscordClient) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// UpdateVoiceState sends the gateway voice state op.
func (c *DiscordClient) UpdateVoiceState(guildID, channelID string) error {
	select {
	case <-c.ready:
	default:
		return ErrNotReady
	}
	return c.s.ChannelVoiceJoinManual(guildID, channelID, false, false)
}

// ChannelGuild resolves the guild a channel belongs to.
func (c *DiscordClient) ChannelGuild(_ context.Context, channelID string) (string, error) {
	if c.s.State != nil {
		if ch, err := c.s.State.Channel(channelID); err == nil && ch != nil {
			return ch.GuildID, nil
		}
	}
	ch, err := c.s.Channel(channelID)
	if err != nil || ch == nil {
		return "", fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	c.names.set(channelID, ch.Name)
	return ch.GuildID, nil
}

// ChannelName returns a cached channel name, or "".
func (c *DiscordClient) ChannelName(_ context.Context, channelID string) string {
	return c.names.get(channelID)
}

func (c *DiscordClient) lookupChannelName(channelID string) string {
	if c.s.State != nil {
		if ch, err := c.s.State.Channel(channelID); err == nil && ch != nil {
			return ch.Name
		}
	}
	if ch, err := c.s.Channel(channelID); err == nil && ch != nil {
		return ch.Name
	}
	return ""
}

// MemberVoiceChannel looks the member's voice state up in the session cache.
func (c *DiscordClient) MemberVoiceChannel(_ context.Context, guildID, userID string) string {
	if c.s.State == nil {
		return ""
	}
	vs, err := c.s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// nameCache caches id -> name lookups for cacheTTL.
type nameCache struct {
	lookup func(id string) string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	val    string
	expiry time.Time
}

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

func newNameCache(lookup func(string) string) *nameCache {
	return &nameCache{lookup: lookup, ttl: cacheTTL, now: time.Now, entries: make(map[string]cacheEntry)}
}

func (n *nameCache) get(id string) string {
	if id == "" {
		return ""
	}
	n.mu.Lock()
	if e, ok := n.entries[id]; ok {
		if n.now().Before(e.expiry) {
			n.mu.Unlock()
			return e.val
		}
		delete(n.entries, id)
	}
	n.mu.Unlock()
	val := n.lookup(id)
	if val != "" {
		n.set(id, val)
	}
	return val
}

func (n *nameCache) set(id, val string) {
	if id == "" || val == "" {
		return
	}
	n.mu.Lock()
	n.entries[id] = cacheEntry{val: val, expiry: n.now().Add(n.ttl)}
	n.mu.Unlock()
}
