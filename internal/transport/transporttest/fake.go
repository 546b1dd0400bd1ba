// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/fluxer-voice-lab/internal/transport"
)

// Fake is a scriptable transport.Transport. Events are injected with Emit.
type Fake struct {
	transport.Emitter

	KindValue transport.Kind
	Guild     string
	Channel   string

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// PlayHook runs inside Play after the source was read.
	PlayHook func(ctx context.Context, data []byte) error

	mu           sync.Mutex
	participants []string
	subs         map[string]int
	stops        map[string]int
	played       [][]byte
	connected    bool
	server       transport.ServerUpdate
	state        transport.StateUpdate
	volume       int
	disconnects  int
	stopCalls    int
}

// New returns a connected-capable fake of the given kind.
func New(kind transport.Kind, guildID, channelID string) *Fake {
	return &Fake{
		KindValue: kind,
		Guild:     guildID,
		Channel:   channelID,
		subs:      make(map[string]int),
		stops:     make(map[string]int),
		volume:    100,
	}
}

func (f *Fake) Kind() transport.Kind { return f.KindValue }
func (f *Fake) GuildID() string      { return f.Guild }
func (f *Fake) ChannelID() string    { return f.Channel }

func (f *Fake) Connect(_ context.Context, server transport.ServerUpdate, state transport.StateUpdate) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	f.connected = true
	f.server = server
	f.state = state
	f.mu.Unlock()
	f.Emit(transport.Event{Type: transport.EventReady})
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) SameServer(endpoint, token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.KindValue == transport.KindRTC && f.connected && f.server.Endpoint == endpoint && f.server.Token == token
}

// Server returns the last server update passed to Connect.
func (f *Fake) Server() transport.ServerUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.server
}

func (f *Fake) Play(ctx context.Context, src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.played = append(f.played, data)
	f.mu.Unlock()
	if f.PlayHook != nil {
		return f.PlayHook(ctx, data)
	}
	return nil
}

func (f *Fake) Stop() {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
}

func (f *Fake) SetVolume(pct int) {
	f.mu.Lock()
	f.volume = pct
	f.mu.Unlock()
}

// Volume returns the last volume set.
func (f *Fake) Volume() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

// SetParticipants replaces the wire-level participant list.
func (f *Fake) SetParticipants(ids ...string) {
	f.mu.Lock()
	f.participants = append([]string(nil), ids...)
	f.mu.Unlock()
}

func (f *Fake) ParticipantIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.participants...)
	sort.Strings(out)
	return out
}

func (f *Fake) SubscribeParticipantAudio(id string) (transport.Subscription, error) {
	if f.KindValue != transport.KindRTC {
		return nil, transport.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnects > 0 {
		return nil, transport.ErrClosed
	}
	f.subs[id]++
	return &sub{f: f, id: id}, nil
}

// Subscribed returns how many times id was subscribed.
func (f *Fake) Subscribed(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[id]
}

// Stopped returns how many subscriptions for id were stopped.
func (f *Fake) Stopped(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[id]
}

// Played returns copies of everything passed to Play.
func (f *Fake) Played() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.played...)
}

// Disconnects returns how often Disconnect was called.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Disconnect marks the fake closed and emits a disconnect event the first
// time.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	first := f.disconnects == 1
	f.connected = false
	f.mu.Unlock()
	if first {
		f.Emit(transport.Event{Type: transport.EventDisconnect})
	}
}

// Frame emits an audio frame from id.
func (f *Fake) Frame(id string, samples []int16) {
	f.Emit(transport.Event{
		Type:          transport.EventAudioFrame,
		ParticipantID: id,
		Frame:         &transport.AudioFrame{ParticipantID: id, SampleRate: 48000, Channels: 1, Samples: samples},
	})
}

// SpeakerStart emits a speaker start for id.
func (f *Fake) SpeakerStart(id string) {
	f.Emit(transport.Event{Type: transport.EventSpeakerStart, ParticipantID: id})
}

// SpeakerStop emits a speaker stop for id.
func (f *Fake) SpeakerStop(id string) {
	f.Emit(transport.Event{Type: transport.EventSpeakerStop, ParticipantID: id})
}

type sub struct {
	f    *Fake
	id   string
	once sync.Once
}

func (s *sub) ParticipantID() string { return s.id }

func (s *sub) Stop() {
	s.once.Do(func() {
		s.f.mu.Lock()
		s.f.stops[s.id]++
		s.f.mu.Unlock()
	})
}
