package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/transport"
	"github.com/fluxer-voice-lab/internal/transport/transporttest"
)

const (
	botID          = "bot-1"
	legacyEndpoint = "voice.example/?v=4"
	rtcEndpoint    = "sfu-a.example"
)

type voiceCall struct {
	GuildID   string
	ChannelID string
}

type fakeGateway struct {
	mu    sync.Mutex
	user  string
	err   error
	calls []voiceCall
	sent  chan voiceCall
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{user: botID, sent: make(chan voiceCall, 16)}
}

func (g *fakeGateway) UserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.user
}

func (g *fakeGateway) UpdateVoiceState(guildID, channelID string) error {
	g.mu.Lock()
	err := g.err
	c := voiceCall{GuildID: guildID, ChannelID: channelID}
	g.calls = append(g.calls, c)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	g.sent <- c
	return nil
}

func (g *fakeGateway) Calls() []voiceCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]voiceCall(nil), g.calls...)
}

type fakeFactory struct {
	mu         sync.Mutex
	made       []*transporttest.Fake
	connectErr error
}

func (f *fakeFactory) build(kind transport.Kind, guildID, channelID, _ string) transport.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	fk := transporttest.New(kind, guildID, channelID)
	fk.ConnectErr = f.connectErr
	f.made = append(f.made, fk)
	return fk
}

func (f *fakeFactory) Made() []*transporttest.Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transporttest.Fake(nil), f.made...)
}

type joinOut struct {
	t   transport.Transport
	err error
}

func newTestManager(opts Options) (*Manager, *fakeGateway, *fakeFactory) {
	gw := newFakeGateway()
	ff := &fakeFactory{}
	if opts.Factory == nil {
		opts.Factory = ff.build
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return NewManager(gw, opts), gw, ff
}

func startJoin(m *Manager, guildID, channelID string) chan joinOut {
	out := make(chan joinOut, 1)
	go func() {
		t, err := m.Join(context.Background(), guildID, channelID)
		out <- joinOut{t, err}
	}()
	return out
}

func waitCall(t *testing.T, gw *fakeGateway) voiceCall {
	t.Helper()
	select {
	case c := <-gw.sent:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no voice state update sent")
	}
	return voiceCall{}
}

func waitJoin(t *testing.T, ch chan joinOut) joinOut {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("join did not finish")
	}
	return joinOut{}
}

// joinRTC runs a join that completes with a server update only.
func joinRTC(t *testing.T, m *Manager, gw *fakeGateway, guildID, channelID, endpoint string) transport.Transport {
	t.Helper()
	ch := startJoin(m, guildID, channelID)
	waitCall(t, gw)
	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: guildID, Endpoint: endpoint, Token: "tok", ConnectionID: "conn-1"})
	out := waitJoin(t, ch)
	require.NoError(t, out.err)
	return out.t
}

func TestJoinCompletesInEitherEventOrder(t *testing.T) {
	state := transport.StateUpdate{GuildID: "g1", ChannelID: "c1", UserID: botID, SessionID: "s1", ConnectionID: "from-state"}
	server := transport.ServerUpdate{GuildID: "g1", Endpoint: legacyEndpoint, Token: "tok"}

	orders := map[string]func(m *Manager){
		"state first": func(m *Manager) {
			m.HandleVoiceStateUpdate(state)
			m.HandleVoiceServerUpdate(server)
		},
		"server first": func(m *Manager) {
			m.HandleVoiceServerUpdate(server)
			m.HandleVoiceStateUpdate(state)
		},
	}
	for name, deliver := range orders {
		t.Run(name, func(t *testing.T) {
			m, gw, ff := newTestManager(Options{})
			ch := startJoin(m, "g1", "c1")
			if diff := cmp.Diff(voiceCall{"g1", "c1"}, waitCall(t, gw)); diff != "" {
				t.Fatalf("voice state update mismatch (-want +got):\n%s", diff)
			}
			deliver(m)
			out := waitJoin(t, ch)
			require.NoError(t, out.err)
			require.Len(t, ff.Made(), 1)
			assert.Equal(t, transport.KindLegacy, out.t.Kind())
			assert.Same(t, ff.Made()[0], out.t)
			assert.Equal(t, "from-state", m.ConnectionID("c1"))
			assert.Same(t, out.t, m.Connection("c1"))
			assert.Same(t, out.t, m.Connection("g1"))
		})
	}
}

func TestLegacyJoinWaitsForState(t *testing.T) {
	m, gw, ff := newTestManager(Options{JoinTimeout: 80 * time.Millisecond})
	ch := startJoin(m, "g1", "c1")
	waitCall(t, gw)
	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: "g1", Endpoint: legacyEndpoint, Token: "tok"})
	out := waitJoin(t, ch)
	require.ErrorIs(t, out.err, ErrJoinTimeout)
	assert.Empty(t, ff.Made())
}

func TestRTCJoinNeedsOnlyServerUpdate(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	tr := joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	assert.Equal(t, transport.KindRTC, tr.Kind())
	assert.Equal(t, "conn-1", m.ConnectionID("c1"))
	assert.Equal(t, rtcEndpoint, ff.Made()[0].Server().Endpoint)
}

func TestJoinTimeout(t *testing.T) {
	m, gw, _ := newTestManager(Options{JoinTimeout: 30 * time.Millisecond})
	ch := startJoin(m, "g1", "c1")
	waitCall(t, gw)
	out := waitJoin(t, ch)
	if !errors.Is(out.err, ErrJoinTimeout) {
		t.Fatalf("join error: want=%v got=%v", ErrJoinTimeout, out.err)
	}
	// A late server update must not resurrect the expired join.
	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: "g1", Endpoint: rtcEndpoint, Token: "tok"})
	assert.Nil(t, m.Connection("c1"))
}

func TestJoinReusesConnectedTransport(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	first := joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	again, err := m.Join(context.Background(), "g1", "c1")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Len(t, gw.Calls(), 1)
	assert.Len(t, ff.Made(), 1)
}

func TestJoinGatewayErrorRejects(t *testing.T) {
	m, gw, _ := newTestManager(Options{})
	gw.err = errors.New("socket closed")
	_, err := m.Join(context.Background(), "g1", "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket closed")
}

func TestJoinRequiresIDs(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	_, err := m.Join(context.Background(), "g1", "")
	var pe *ParamError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "voice join requires channelId", pe.Error())
}

func TestConnectFailureRemovesTransport(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	ff.connectErr = errors.New("handshake failed")
	ch := startJoin(m, "g1", "c1")
	waitCall(t, gw)
	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: "g1", Endpoint: rtcEndpoint, Token: "tok"})
	out := waitJoin(t, ch)
	require.Error(t, out.err)
	assert.Contains(t, out.err.Error(), "handshake failed")
	assert.Nil(t, m.Connection("c1"))
	assert.Equal(t, 1, ff.Made()[0].Disconnects())
}

func TestSameServerUpdateIsNoop(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	tr := joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: "g1", Endpoint: rtcEndpoint, Token: "tok"})
	assert.Len(t, ff.Made(), 1)
	assert.Same(t, tr, m.Connection("c1"))
	assert.Equal(t, 0, ff.Made()[0].Disconnects())
}

func TestServerMigrationRecreatesTransport(t *testing.T) {
	var migrated [2]transport.Transport
	var oldDisconnectsAtHook int
	m, gw, ff := newTestManager(Options{})
	m.migrate = func(old, replacement transport.Transport) {
		migrated = [2]transport.Transport{old, replacement}
		oldDisconnectsAtHook = old.(*transporttest.Fake).Disconnects()
	}
	old := joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)

	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: "g1", Endpoint: "sfu-b.example", Token: "tok2", ConnectionID: "conn-2"})

	made := ff.Made()
	require.Len(t, made, 2)
	next := made[1]
	assert.Same(t, old, migrated[0])
	assert.Same(t, next, migrated[1])
	assert.Equal(t, 0, oldDisconnectsAtHook)
	assert.Equal(t, 1, old.(*transporttest.Fake).Disconnects())
	assert.Same(t, next, m.Connection("c1"))
	assert.Equal(t, "conn-2", m.ConnectionID("c1"))
	require.Eventually(t, next.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sfu-b.example", next.Server().Endpoint)
}

func TestLegacyServerUpdateIsIgnoredWhenConnected(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	tr := joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: "g1", Endpoint: legacyEndpoint, Token: "tok"})
	assert.Len(t, ff.Made(), 1)
	assert.Same(t, tr, m.Connection("c1"))
}

func TestEmptyEndpointForcesDisconnect(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	m.HandleVoiceServerUpdate(transport.ServerUpdate{GuildID: "g1"})
	assert.Nil(t, m.Connection("c1"))
	assert.Equal(t, 1, ff.Made()[0].Disconnects())
}

func TestDisconnectEventForgetsTransport(t *testing.T) {
	m, gw, _ := newTestManager(Options{})
	tr := joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	tr.Disconnect()
	assert.Nil(t, m.Connection("c1"))
	assert.Equal(t, "", m.ConnectionID("c1"))
}

func TestLeaveDisconnectsEveryChannelInGuild(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	joinRTC(t, m, gw, "g1", "c2", rtcEndpoint)
	joinRTC(t, m, gw, "g2", "c3", rtcEndpoint)

	require.NoError(t, m.Leave("g1"))
	made := ff.Made()
	require.Len(t, made, 3)
	assert.Equal(t, 1, made[0].Disconnects())
	assert.Equal(t, 1, made[1].Disconnects())
	assert.Equal(t, 0, made[2].Disconnects())
	assert.Nil(t, m.Connection("g1"))
	assert.NotNil(t, m.Connection("g2"))

	calls := gw.Calls()
	if diff := cmp.Diff(voiceCall{"g1", ""}, calls[len(calls)-1]); diff != "" {
		t.Fatalf("leave voice state mismatch (-want +got):\n%s", diff)
	}

	// Nothing left to leave: no gateway traffic.
	n := len(gw.Calls())
	require.NoError(t, m.Leave("g1"))
	assert.Len(t, gw.Calls(), n)
}

func TestLeaveChannel(t *testing.T) {
	m, gw, ff := newTestManager(Options{})
	joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	require.NoError(t, m.LeaveChannel("c1"))
	assert.Equal(t, 1, ff.Made()[0].Disconnects())
	assert.Nil(t, m.Connection("c1"))
	require.NoError(t, m.LeaveChannel("missing"))
}

func TestVoiceStatesAndChannelParticipants(t *testing.T) {
	m, gw, _ := newTestManager(Options{})
	m.VoiceStatesSync("g1", []transport.StateUpdate{
		{UserID: "u2", ChannelID: "c1"},
		{UserID: "u1", ChannelID: "c1"},
		{UserID: botID, ChannelID: "c1"},
		{UserID: "u3", ChannelID: "c9"},
	})
	m.HandleVoiceStateUpdate(transport.StateUpdate{GuildID: "g1", UserID: "u3", ChannelID: ""})

	assert.Equal(t, "c1", m.VoiceChannelID("g1", "u1"))
	assert.Equal(t, "", m.VoiceChannelID("g1", "u3"))
	if diff := cmp.Diff([]string{"bot-1", "u1", "u2"}, m.ListParticipantsInChannel("g1", "c1")); diff != "" {
		t.Fatalf("participants mismatch (-want +got):\n%s", diff)
	}

	joinRTC(t, m, gw, "g1", "c1", rtcEndpoint)
	var got []string
	ok := m.SubscribeChannelParticipants("c1", func(_ transport.Transport, id string) error {
		got = append(got, id)
		if id == "u2" {
			return errors.New("no track")
		}
		return nil
	})
	assert.Equal(t, []string{"u1", "u2"}, got)
	assert.Equal(t, []string{"u1"}, ok)
	assert.Nil(t, m.SubscribeChannelParticipants("nope", nil))
}

type recordingSink struct {
	states  []transport.StateUpdate
	servers []transport.ServerUpdate
	synced  map[string][]transport.StateUpdate
}

func (r *recordingSink) HandleVoiceStateUpdate(s transport.StateUpdate)   { r.states = append(r.states, s) }
func (r *recordingSink) HandleVoiceServerUpdate(s transport.ServerUpdate) { r.servers = append(r.servers, s) }
func (r *recordingSink) VoiceStatesSync(g string, s []transport.StateUpdate) {
	if r.synced == nil {
		r.synced = map[string][]transport.StateUpdate{}
	}
	r.synced[g] = s
}

func TestDispatchRawEvent(t *testing.T) {
	sink := &recordingSink{}
	require.True(t, dispatchRawEvent(sink, "VOICE_STATE_UPDATE",
		[]byte(`{"guild_id":"g1","channel_id":null,"user_id":"u1","session_id":"s","connection_id":12345}`)))
	require.True(t, dispatchRawEvent(sink, "VOICE_SERVER_UPDATE",
		[]byte(`{"guild_id":"g1","endpoint":"sfu.example","token":"t","connection_id":"abc"}`)))
	require.True(t, dispatchRawEvent(sink, "GUILD_CREATE",
		[]byte(`{"id":"g2","voice_states":[{"user_id":"u9","channel_id":"c9"}]}`)))
	require.False(t, dispatchRawEvent(sink, "GUILD_CREATE", []byte(`{"id":"g3"}`)))
	require.False(t, dispatchRawEvent(sink, "MESSAGE_CREATE", []byte(`{}`)))

	want := transport.StateUpdate{GuildID: "g1", UserID: "u1", SessionID: "s", ConnectionID: "12345"}
	if diff := cmp.Diff([]transport.StateUpdate{want}, sink.states); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "abc", sink.servers[0].ConnectionID)
	assert.Equal(t, []transport.StateUpdate{{GuildID: "g2", UserID: "u9", ChannelID: "c9"}}, sink.synced["g2"])
}

func TestRedactedPayload(t *testing.T) {
	got := redactedPayload([]byte(`{"token":"secret","guild_id":"g1","nested":[{"session_id":"x"}]}`), 0)
	assert.NotContains(t, got, "secret")
	assert.NotContains(t, got, `"x"`)
	assert.Contains(t, got, `"guild_id":"g1"`)

	long := redactedPayload([]byte(`{"guild_id":"0123456789"}`), 8)
	assert.Contains(t, long, "<truncated")
	assert.Equal(t, "<raw data omitted>", redactedPayload([]byte("not json"), 0))
}
