package voice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/transport"
	"github.com/fluxer-voice-lab/internal/transport/legacy"
	"github.com/fluxer-voice-lab/internal/transport/rtc"
)

// DefaultJoinTimeout bounds how long a join waits for the gateway events.
const DefaultJoinTimeout = 20 * time.Second

// Options configure a Manager.
type Options struct {
	Factory     TransportFactory
	JoinTimeout time.Duration
	Metrics     *metrics.Metrics
	// OnMigrate runs before the old transport is torn down when the voice
	// server moves a connected channel.
	OnMigrate func(old, replacement transport.Transport)
}

// DefaultFactory builds the real transports.
func DefaultFactory(m *metrics.Metrics) TransportFactory {
	return func(kind transport.Kind, guildID, channelID, userID string) transport.Transport {
		if kind == transport.KindRTC {
			return rtc.New(guildID, channelID, m)
		}
		return legacy.New(guildID, channelID, userID, legacy.Options{Metrics: m})
	}
}

// pendingJoin collects the two gateway events a join waits for. It completes
// once server is set, and state too for legacy endpoints.
type pendingJoin struct {
	guildID   string
	channelID string
	state     *transport.StateUpdate
	server    *transport.ServerUpdate
	timer     *time.Timer

	once sync.Once
	done chan struct{}
	t    transport.Transport
	err  error
}

func (p *pendingJoin) finish(t transport.Transport, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.t, p.err = t, err
		close(p.done)
	})
}

// Manager keeps at most one transport per channel. All map access is under
// mu; transports are never connected or disconnected while holding it.
type Manager struct {
	gw      Gateway
	factory TransportFactory
	timeout time.Duration
	metrics *metrics.Metrics
	migrate func(old, replacement transport.Transport)

	mu      sync.Mutex
	conns   map[string]transport.Transport
	connIDs map[string]string
	// guild -> user -> channel
	states  map[string]map[string]string
	pending map[string]*pendingJoin
}

// NewManager returns a Manager signalling through gw.
func NewManager(gw Gateway, opts Options) *Manager {
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	f := opts.Factory
	if f == nil {
		f = DefaultFactory(m)
	}
	timeout := opts.JoinTimeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	return &Manager{
		gw:      gw,
		factory: f,
		timeout: timeout,
		metrics: m,
		migrate: opts.OnMigrate,
		conns:   make(map[string]transport.Transport),
		connIDs: make(map[string]string),
		states:  make(map[string]map[string]string),
		pending: make(map[string]*pendingJoin),
	}
}

// Join connects to channelID and returns its transport. A connected
// transport already bound to the channel is returned as is.
func (m *Manager) Join(ctx context.Context, guildID, channelID string) (transport.Transport, error) {
	if err := requireParams("join", "guildId", guildID, "channelId", channelID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if t := m.conns[channelID]; t != nil {
		if t.Kind() != transport.KindRTC || t.Connected() {
			m.mu.Unlock()
			m.metrics.Joins.WithLabelValues("reused").Inc()
			return t, nil
		}
		delete(m.conns, channelID)
		m.mu.Unlock()
		t.Disconnect()
		m.mu.Lock()
	}
	p := m.pending[channelID]
	if p == nil {
		p = &pendingJoin{guildID: guildID, channelID: channelID, done: make(chan struct{})}
		p.timer = time.AfterFunc(m.timeout, func() { m.expire(p) })
		m.pending[channelID] = p
		m.mu.Unlock()

		logging.Debugw("voice: requesting join", append(logging.GuildFields(guildID), "channel.id", channelID)...)
		if err := m.gw.UpdateVoiceState(guildID, channelID); err != nil {
			m.mu.Lock()
			if m.pending[channelID] == p {
				delete(m.pending, channelID)
			}
			m.mu.Unlock()
			m.metrics.Joins.WithLabelValues("error").Inc()
			p.finish(nil, fmt.Errorf("voice state update: %w", err))
		}
	} else {
		m.mu.Unlock()
	}

	select {
	case <-p.done:
		return p.t, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) expire(p *pendingJoin) {
	m.mu.Lock()
	if m.pending[p.channelID] != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, p.channelID)
	m.mu.Unlock()
	m.metrics.Joins.WithLabelValues("timeout").Inc()
	logging.Warnw("voice: join timed out", append(logging.GuildFields(p.guildID), "channel.id", p.channelID)...)
	p.finish(nil, ErrJoinTimeout)
}

// HandleVoiceStateUpdate records a member's voice channel and feeds the
// bot's own updates into a pending join.
func (m *Manager) HandleVoiceStateUpdate(su transport.StateUpdate) {
	if su.GuildID == "" {
		return
	}
	botID := m.gw.UserID()
	m.mu.Lock()
	m.setStateLocked(su.GuildID, su.UserID, su.ChannelID)
	key := su.ChannelID
	if key == "" {
		key = su.GuildID
	}
	isBot := botID != "" && su.UserID == botID
	if isBot && su.ConnectionID != "" {
		m.connIDs[key] = su.ConnectionID
	}
	p := m.pending[key]
	if p == nil {
		p = m.pending[su.GuildID]
	}
	var run func()
	if p != nil && isBot {
		logging.Debugw("voice: state update for bot completes pending join", "channel.id", key)
		st := su
		p.state = &st
		run = m.completeLocked(p)
	}
	m.mu.Unlock()
	if run != nil {
		go run()
	}
}

// HandleVoiceServerUpdate completes a pending join in the guild, or acts on
// a connected channel: an empty endpoint or token disconnects it, a new RTC
// server migrates it.
func (m *Manager) HandleVoiceServerUpdate(su transport.ServerUpdate) {
	m.mu.Lock()
	p := m.pending[su.GuildID]
	if p == nil {
		for _, k := range sortedKeys(m.pending) {
			if m.pending[k].guildID == su.GuildID {
				p = m.pending[k]
				break
			}
		}
	}
	if p != nil {
		logging.Debugw("voice: server update for pending join",
			"guild.id", su.GuildID, "channel.id", p.channelID, "endpoint", su.Endpoint, "has_token", su.Token != "")
		srv := su
		p.server = &srv
		run := m.completeLocked(p)
		m.mu.Unlock()
		if run != nil {
			go run()
		}
		return
	}

	userID := m.gw.UserID()
	if userID == "" {
		m.mu.Unlock()
		logging.Debugw("voice: server update before the client user is known", "guild.id", su.GuildID)
		return
	}
	var old transport.Transport
	for _, k := range sortedKeys(m.conns) {
		if m.conns[k].GuildID() == su.GuildID {
			old = m.conns[k]
			break
		}
	}
	if old == nil {
		m.mu.Unlock()
		return
	}
	channelID := old.ChannelID()

	if su.Endpoint == "" || su.Token == "" {
		delete(m.conns, channelID)
		m.mu.Unlock()
		logging.Infow("voice: server endpoint cleared, disconnecting", append(logging.GuildFields(su.GuildID), "channel.id", channelID)...)
		m.metrics.ForcedDisconnects.Inc()
		old.Disconnect()
		return
	}
	if !transport.IsRTCEndpoint(su.Endpoint, su.Token) {
		m.mu.Unlock()
		return
	}
	if old.Kind() == transport.KindRTC && old.SameServer(su.Endpoint, su.Token) {
		m.mu.Unlock()
		return
	}

	delete(m.conns, channelID)
	delete(m.connIDs, channelID)
	if su.ConnectionID != "" {
		m.connIDs[channelID] = su.ConnectionID
	}
	next := m.factory(transport.KindRTC, su.GuildID, channelID, userID)
	m.registerLocked(channelID, next)
	m.mu.Unlock()

	logging.Infow("voice: server migration, reconnecting", append(logging.GuildFields(su.GuildID), "channel.id", channelID)...)
	m.metrics.Migrations.Inc()
	if m.migrate != nil {
		m.migrate(old, next)
	}
	old.Disconnect()

	state := transport.StateUpdate{GuildID: su.GuildID, ChannelID: channelID, UserID: userID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := next.Connect(ctx, su, state); err != nil {
			m.dropIfCurrent(channelID, next)
			logging.Errorw("voice: migration connect failed", append(logging.GuildFields(su.GuildID), "channel.id", channelID, "err", err)...)
			next.Disconnect()
		}
	}()
}

// completeLocked turns a satisfied pending join into a registered transport
// and returns the connect step to run without the lock. It returns nil while
// the join still waits for events.
func (m *Manager) completeLocked(p *pendingJoin) func() {
	if p.server == nil {
		return nil
	}
	useRTC := transport.IsRTCEndpoint(p.server.Endpoint, p.server.Token)
	if !useRTC && p.state == nil {
		return nil
	}
	userID := m.gw.UserID()
	if userID == "" {
		logging.Debugw("voice: client user not available, join stays pending", "channel.id", p.channelID)
		return nil
	}
	state := transport.StateUpdate{GuildID: p.guildID, ChannelID: p.channelID, UserID: userID}
	if p.state != nil {
		state = *p.state
	}
	id := p.server.ConnectionID
	if id == "" {
		id = state.ConnectionID
	}
	if id != "" {
		m.connIDs[p.channelID] = id
	} else {
		delete(m.connIDs, p.channelID)
	}
	if m.pending[p.channelID] == p {
		delete(m.pending, p.channelID)
	}
	kind := transport.KindLegacy
	if useRTC {
		kind = transport.KindRTC
	}
	t := m.factory(kind, p.guildID, p.channelID, userID)
	m.registerLocked(p.channelID, t)
	server := *p.server

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := t.Connect(ctx, server, state); err != nil {
			m.dropIfCurrent(p.channelID, t)
			t.Disconnect()
			m.metrics.Joins.WithLabelValues("error").Inc()
			p.finish(nil, fmt.Errorf("voice connect: %w", err))
			return
		}
		m.metrics.Joins.WithLabelValues("ok").Inc()
		logging.Infow("voice: connected", append(logging.GuildFields(p.guildID), "channel.id", p.channelID, "kind", string(kind))...)
		p.finish(t, nil)
	}
}

func (m *Manager) registerLocked(channelID string, t transport.Transport) {
	m.conns[channelID] = t
	var cancel func()
	cancel = t.On(func(ev transport.Event) {
		if ev.Type != transport.EventDisconnect {
			return
		}
		m.mu.Lock()
		if m.conns[channelID] == t {
			delete(m.conns, channelID)
			delete(m.connIDs, channelID)
		}
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (m *Manager) dropIfCurrent(channelID string, t transport.Transport) {
	m.mu.Lock()
	if m.conns[channelID] == t {
		delete(m.conns, channelID)
	}
	m.mu.Unlock()
}

// Leave disconnects every channel in guildID and, if there was one, tells
// the gateway the bot left voice.
func (m *Manager) Leave(guildID string) error {
	m.mu.Lock()
	var gone []transport.Transport
	for _, k := range sortedKeys(m.conns) {
		if t := m.conns[k]; t.GuildID() == guildID {
			gone = append(gone, t)
			delete(m.conns, k)
			delete(m.connIDs, k)
		}
	}
	m.mu.Unlock()
	for _, t := range gone {
		t.Disconnect()
	}
	if len(gone) == 0 {
		return nil
	}
	return m.gw.UpdateVoiceState(guildID, "")
}

// LeaveChannel disconnects one channel.
func (m *Manager) LeaveChannel(channelID string) error {
	m.mu.Lock()
	t := m.conns[channelID]
	delete(m.conns, channelID)
	delete(m.connIDs, channelID)
	m.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Disconnect()
	if t.GuildID() == "" {
		return nil
	}
	return m.gw.UpdateVoiceState(t.GuildID(), "")
}

// Close disconnects every transport without signalling the gateway.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]transport.Transport, 0, len(m.conns))
	for _, k := range sortedKeys(m.conns) {
		all = append(all, m.conns[k])
	}
	m.conns = make(map[string]transport.Transport)
	m.connIDs = make(map[string]string)
	m.mu.Unlock()
	for _, t := range all {
		t.Disconnect()
	}
}

// Connection returns the transport for a channel id, or the first one in a
// guild id.
func (m *Manager) Connection(channelOrGuildID string) transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.conns[channelOrGuildID]; t != nil {
		return t
	}
	for _, k := range sortedKeys(m.conns) {
		if m.conns[k].GuildID() == channelOrGuildID {
			return m.conns[k]
		}
	}
	return nil
}

// ConnectionID returns the gateway connection id stored for channelID.
func (m *Manager) ConnectionID(channelID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connIDs[channelID]
}

// VoiceStatesSync seeds voice membership for a guild in bulk.
func (m *Manager) VoiceStatesSync(guildID string, states []transport.StateUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		m.setStateLocked(guildID, st.UserID, st.ChannelID)
	}
}

func (m *Manager) setStateLocked(guildID, userID, channelID string) {
	g := m.states[guildID]
	if g == nil {
		g = make(map[string]string)
		m.states[guildID] = g
	}
	g[userID] = channelID
}

// VoiceChannelID returns the channel userID is in, or "".
func (m *Manager) VoiceChannelID(guildID, userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[guildID][userID]
}

// ListParticipantsInChannel returns the users last seen in channelID, sorted.
func (m *Manager) ListParticipantsInChannel(guildID, channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for user, ch := range m.states[guildID] {
		if ch == channelID && ch != "" {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// SubscribeChannelParticipants calls subscribe for every known member of
// channelID other than the bot. Only RTC connections can receive audio; for
// anything else it does nothing. It returns the ids that subscribed.
func (m *Manager) SubscribeChannelParticipants(channelID string, subscribe func(t transport.Transport, participantID string) error) []string {
	m.mu.Lock()
	t := m.conns[channelID]
	m.mu.Unlock()
	if t == nil || t.Kind() != transport.KindRTC {
		return nil
	}
	bot := m.gw.UserID()
	var ok []string
	for _, id := range m.ListParticipantsInChannel(t.GuildID(), channelID) {
		if id == bot {
			continue
		}
		if err := subscribe(t, id); err != nil {
			logging.Warnw("voice: participant subscribe failed", "channel.id", channelID, "participant.id", id, "err", err)
			continue
		}
		ok = append(ok, id)
	}
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
