// Package rtc implements the SFU room voice transport on the LiveKit
// protocol.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/fluxer-voice-lab/internal/audio"
	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/transport"
)

var errMissingServer = errors.New("missing voice server endpoint or token")

// Conn is an RTC room transport bound to one channel.
type Conn struct {
	guildID   string
	channelID string
	metrics   *metrics.Metrics

	emitter transport.Emitter

	mu             sync.Mutex
	room           *lksdk.Room
	destroyed      bool
	disconnected   bool
	lastEndpoint   string
	lastToken      string
	volume         int
	subs           map[string]*receiveSubscription
	tracks         map[string]*webrtc.TrackRemote
	speakers       speakerSet
	cancelPlay     context.CancelFunc
	connectTimeout time.Duration
}

var _ transport.Transport = (*Conn)(nil)

// New returns an unconnected room transport.
func New(guildID, channelID string, m *metrics.Metrics) *Conn {
	if m == nil {
		m = metrics.Default()
	}
	return &Conn{
		guildID:        guildID,
		channelID:      channelID,
		metrics:        m,
		volume:         audio.DefaultVolume,
		subs:           make(map[string]*receiveSubscription),
		tracks:         make(map[string]*webrtc.TrackRemote),
		speakers:       make(speakerSet),
		connectTimeout: 15 * time.Second,
	}
}

func (c *Conn) Kind() transport.Kind { return transport.KindRTC }
func (c *Conn) GuildID() string      { return c.guildID }
func (c *Conn) ChannelID() string    { return c.channelID }

func (c *Conn) On(fn func(transport.Event)) func() { return c.emitter.On(fn) }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && c.room != nil && c.room.ConnectionState() == lksdk.ConnectionStateConnected
}

// SameServer reports whether endpoint and token are those of the last
// successful connect.
func (c *Conn) SameServer(endpoint, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(endpoint) == c.lastEndpoint && token == c.lastToken
}

// SetVolume sets playback volume in percent, clamped to 0..200.
func (c *Conn) SetVolume(pct int) {
	c.mu.Lock()
	c.volume = audio.ClampVolume(pct)
	c.mu.Unlock()
}

func (c *Conn) currentVolume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// Connect joins the room named by the server update's token.
func (c *Conn) Connect(ctx context.Context, server transport.ServerUpdate, _ transport.StateUpdate) error {
	raw := strings.TrimSpace(server.Endpoint)
	if raw == "" || server.Token == "" {
		c.emitter.Emit(transport.Event{Type: transport.EventError, Err: errMissingServer})
		return errMissingServer
	}
	url := transport.BuildRTCURL(raw)

	cb := lksdk.NewRoomCallback()
	cb.OnDisconnected = c.onRoomDisconnected
	cb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		c.onParticipantDisconnected(rp.Identity())
	}
	cb.OnActiveSpeakersChanged = func(ps []lksdk.Participant) {
		ids := make([]string, 0, len(ps))
		for _, p := range ps {
			ids = append(ids, p.Identity())
		}
		c.onActiveSpeakers(ids)
	}
	cb.ParticipantCallback.OnTrackSubscribed = func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.Lock()
		c.tracks[rp.Identity()] = track
		c.mu.Unlock()
		c.subscribeTrack(rp.Identity(), track)
	}
	cb.ParticipantCallback.OnTrackUnsubscribed = func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.Lock()
		delete(c.tracks, rp.Identity())
		c.mu.Unlock()
		c.stopSubscription(rp.Identity())
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, server.Token, cb, lksdk.WithAutoSubscribe(true))
		done <- result{room, err}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	select {
	case r := <-done:
		if r.err != nil {
			err := fmt.Errorf("connect room %s: %w", url, r.err)
			c.emitter.Emit(transport.Event{Type: transport.EventError, Err: err})
			return err
		}
		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			r.room.Disconnect()
			return transport.ErrClosed
		}
		c.room = r.room
		c.disconnected = false
		c.lastEndpoint = raw
		c.lastToken = server.Token
		c.mu.Unlock()
	case <-connectCtx.Done():
		go func() {
			if r := <-done; r.room != nil {
				r.room.Disconnect()
			}
		}()
		return fmt.Errorf("connect room %s: %w", url, connectCtx.Err())
	}

	c.metrics.TransportsActive.WithLabelValues(string(transport.KindRTC)).Inc()
	logging.Infow("rtc voice connected", "guild.id", c.guildID, "channel.id", c.channelID, "url", url)
	c.emitter.Emit(transport.Event{Type: transport.EventReady})
	return nil
}

func (c *Conn) onRoomDisconnected() {
	c.mu.Lock()
	c.lastEndpoint = ""
	c.lastToken = ""
	c.mu.Unlock()
	c.emitDisconnect("room_disconnected")
}

func (c *Conn) onParticipantDisconnected(id string) {
	c.mu.Lock()
	delete(c.tracks, id)
	wasSpeaking := c.speakers.remove(id)
	c.mu.Unlock()
	c.stopSubscription(id)
	if wasSpeaking {
		c.emitter.Emit(transport.Event{Type: transport.EventSpeakerStop, ParticipantID: id})
	}
}

func (c *Conn) onActiveSpeakers(ids []string) {
	c.mu.Lock()
	started, stopped := c.speakers.diff(ids)
	c.mu.Unlock()
	for _, id := range started {
		c.emitter.Emit(transport.Event{Type: transport.EventSpeakerStart, ParticipantID: id})
	}
	for _, id := range stopped {
		c.emitter.Emit(transport.Event{Type: transport.EventSpeakerStop, ParticipantID: id})
	}
}

func (c *Conn) emitDisconnect(source string) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	hadRoom := c.room != nil
	c.mu.Unlock()
	if hadRoom {
		c.metrics.TransportsActive.WithLabelValues(string(transport.KindRTC)).Dec()
	}
	logging.Infow("rtc voice disconnected", "guild.id", c.guildID, "channel.id", c.channelID, "source", source)
	c.emitter.Emit(transport.Event{Type: transport.EventDisconnect})
}

// subscribeTrack starts pumping track, replacing any existing subscription
// for the participant.
func (c *Conn) subscribeTrack(participantID string, track *webrtc.TrackRemote) *receiveSubscription {
	c.stopSubscription(participantID)
	sub := &receiveSubscription{participantID: participantID}
	sub.onStop = func() {
		c.mu.Lock()
		if c.subs[participantID] == sub {
			delete(c.subs, participantID)
		}
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.subs[participantID] = sub
	c.mu.Unlock()
	next := func() (*rtp.Packet, error) {
		p, _, err := track.ReadRTP()
		return p, err
	}
	go sub.pump(next, c.emitter.Emit)
	return sub
}

func (c *Conn) stopSubscription(participantID string) {
	c.mu.Lock()
	sub := c.subs[participantID]
	c.mu.Unlock()
	if sub != nil {
		sub.Stop()
	}
}

// handle is the caller-facing subscription; stopping it stops whatever
// receive subscription is current for the participant.
type handle struct {
	c  *Conn
	id string
}

func (h handle) ParticipantID() string { return h.id }
func (h handle) Stop()                 { h.c.stopSubscription(h.id) }

// SubscribeParticipantAudio starts the participant's audio feed if their
// track is already known. Unknown participants still get a handle; their
// feed starts when the track is subscribed.
func (c *Conn) SubscribeParticipantAudio(participantID string) (transport.Subscription, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	track := c.tracks[participantID]
	_, active := c.subs[participantID]
	c.mu.Unlock()
	if track != nil && !active {
		c.subscribeTrack(participantID, track)
	}
	return handle{c: c, id: participantID}, nil
}

// ParticipantIDs lists remote participant identities in the room.
func (c *Conn) ParticipantIDs() []string {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	seen := make(map[string]struct{})
	if room != nil {
		for _, rp := range room.GetRemoteParticipants() {
			seen[rp.Identity()] = struct{}{}
		}
	}
	c.mu.Lock()
	for id := range c.tracks {
		seen[id] = struct{}{}
	}
	c.mu.Unlock()
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Play publishes a microphone track and streams src (Ogg/Opus) into it,
// re-encoded as 10ms frames at the current volume. The track is unpublished
// when playback ends.
func (c *Conn) Play(ctx context.Context, src io.Reader) error {
	c.mu.Lock()
	room := c.room
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return transport.ErrClosed
	}
	if room == nil {
		return transport.ErrNotReady
	}
	c.Stop()
	playCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelPlay = cancel
	c.mu.Unlock()
	defer cancel()

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: audio.SampleRate,
		Channels:  2,
	})
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "audio",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return fmt.Errorf("publish audio track: %w", err)
	}
	defer func() {
		if err := room.LocalParticipant.UnpublishTrack(pub.SID()); err != nil {
			logging.Debugw("rtc: unpublish failed", "err", err)
		}
		_ = track.Close()
	}()

	sink, err := newFrameSink(func(s media.Sample) error { return track.WriteSample(s, nil) }, newPlayoutClock())
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}
	started := time.Now()
	err = decodeFrames(playCtx, src, c.currentVolume, sink.capture)
	if err == nil {
		// let the tail of the queue reach the wire before unpublishing
		err = sink.clock.waitForPlayout(playCtx)
	}
	c.metrics.PlaybackDuration.WithLabelValues(string(transport.KindRTC)).Observe(time.Since(started).Seconds())
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil
	}
	return err
}

// Stop aborts the current playback, if any.
func (c *Conn) Stop() {
	c.mu.Lock()
	cancel := c.cancelPlay
	c.cancelPlay = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect leaves the room, stops every subscription and emits
// EventDisconnect once.
func (c *Conn) Disconnect() {
	c.Stop()
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	room := c.room
	subs := make([]*receiveSubscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.tracks = make(map[string]*webrtc.TrackRemote)
	for id := range c.speakers {
		delete(c.speakers, id)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
	if room != nil {
		room.Disconnect()
	}
	c.emitDisconnect("disconnect")
}
