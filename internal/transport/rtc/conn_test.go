package rtc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/transport"
)

func TestSpeakerDiff(t *testing.T) {
	s := make(speakerSet)
	started, stopped := s.diff([]string{"a", "b"})
	assert.Equal(t, []string{"a", "b"}, started)
	assert.Empty(t, stopped)

	started, stopped = s.diff([]string{"b", "c"})
	assert.Equal(t, []string{"c"}, started)
	assert.Equal(t, []string{"a"}, stopped)

	started, stopped = s.diff(nil)
	assert.Empty(t, started)
	assert.Equal(t, []string{"b", "c"}, stopped)
}

func collect(c *Conn) *[]transport.Event {
	var evs []transport.Event
	c.On(func(ev transport.Event) { evs = append(evs, ev) })
	return &evs
}

func TestActiveSpeakersAndParticipantDisconnect(t *testing.T) {
	c := New("g1", "c1", metrics.New(nil))
	evs := collect(c)

	c.onActiveSpeakers([]string{"user:1", "user:2"})
	c.onParticipantDisconnected("user:1")
	c.onParticipantDisconnected("user:3")
	c.onActiveSpeakers([]string{"user:2"})

	var got []string
	for _, ev := range *evs {
		got = append(got, ev.Type.String()+":"+ev.ParticipantID)
	}
	require.Equal(t, []string{
		"speaker_start:user:1",
		"speaker_start:user:2",
		"speaker_stop:user:1",
	}, got)
}

func TestDisconnectEmitsOnce(t *testing.T) {
	c := New("g1", "c1", metrics.New(nil))
	evs := collect(c)
	c.lastEndpoint, c.lastToken = "sfu.example", "tok"
	require.True(t, c.SameServer(" sfu.example ", "tok"))
	require.False(t, c.SameServer("sfu.example", "other"))

	c.onRoomDisconnected()
	c.Disconnect()
	c.Disconnect()

	require.Len(t, *evs, 1)
	require.Equal(t, transport.EventDisconnect, (*evs)[0].Type)
	require.False(t, c.SameServer("sfu.example", "tok"), "server identity is cleared on room disconnect")
	_, err := c.SubscribeParticipantAudio("u1")
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, c.Play(context.Background(), nil), transport.ErrClosed)
}

func TestConnectRequiresEndpointAndToken(t *testing.T) {
	c := New("g1", "c1", metrics.New(nil))
	err := c.Connect(context.Background(), transport.ServerUpdate{Endpoint: "sfu.example"}, transport.StateUpdate{})
	require.ErrorIs(t, err, errMissingServer)
	require.False(t, c.Connected())
}

func TestSetVolumeClamps(t *testing.T) {
	c := New("g1", "c1", metrics.New(nil))
	c.SetVolume(250)
	require.Equal(t, 200, c.currentVolume())
	c.SetVolume(-1)
	require.Equal(t, 0, c.currentVolume())
}

func TestFrameAccumulator(t *testing.T) {
	acc := &frameAccumulator{size: 4}
	require.Empty(t, acc.push([]int16{1, 2, 3}))
	frames := acc.push([]int16{4, 5, 6, 7, 8, 9})
	require.Equal(t, [][]int16{{1, 2, 3, 4}, {5, 6, 7, 8}}, frames)
	require.Equal(t, []int16{9, 0, 0, 0}, acc.remainder())
	require.Nil(t, acc.remainder())
}

func TestPlayoutClockWaitsWhenAhead(t *testing.T) {
	now := time.Unix(0, 0)
	var slept []time.Duration
	clock := &playoutClock{
		now: func() time.Time { return now },
		sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			now = now.Add(d)
			return nil
		},
	}
	var written int
	for i := 0; i < 60; i++ {
		if clock.queued() > maxQueued {
			require.NoError(t, clock.waitForPlayout(context.Background()))
		}
		clock.add(frameDuration)
		written++
	}
	require.Equal(t, 60, written)
	require.Len(t, slept, 1)
	require.Equal(t, 510*time.Millisecond, slept[0])
	require.Equal(t, 90*time.Millisecond, clock.queued())
}

func TestPumpStopsOnEOFAndStop(t *testing.T) {
	sub := &receiveSubscription{participantID: "p"}
	var evs []transport.Event
	calls := 0
	next := func() (*rtp.Packet, error) {
		calls++
		if calls == 1 {
			return &rtp.Packet{}, nil
		}
		return nil, io.EOF
	}
	sub.pump(next, func(ev transport.Event) { evs = append(evs, ev) })
	require.Equal(t, 2, calls)
	require.Empty(t, evs, "EOF ends the pump without an error event")

	failing := &receiveSubscription{participantID: "q"}
	failing.pump(func() (*rtp.Packet, error) { return nil, errors.New("boom") }, func(ev transport.Event) { evs = append(evs, ev) })
	require.Len(t, evs, 1)
	require.Equal(t, transport.EventError, evs[0].Type)

	stopped := 0
	s := &receiveSubscription{participantID: "r", onStop: func() { stopped++ }}
	s.Stop()
	s.Stop()
	require.Equal(t, 1, stopped)
}
