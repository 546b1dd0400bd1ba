package rtc

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/hraban/opus"
	"github.com/pion/rtp"

	"github.com/fluxer-voice-lab/internal/audio"
	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/transport"
)

const (
	// ingestChannels is the channel count of frames handed to listeners.
	ingestChannels = 1
	// frameSamples is one 10ms frame at 48kHz mono.
	frameSamples = audio.SampleRate / 100
	// maxOpusFrameSamples covers the longest Opus packet (120ms).
	maxOpusFrameSamples = audio.SampleRate * 120 / 1000
)

// frameAccumulator re-slices arbitrary PCM runs into fixed-size frames.
type frameAccumulator struct {
	size int
	buf  []int16
}

func (a *frameAccumulator) push(samples []int16) [][]int16 {
	a.buf = append(a.buf, samples...)
	var out [][]int16
	for len(a.buf) >= a.size {
		f := make([]int16, a.size)
		copy(f, a.buf[:a.size])
		out = append(out, f)
		a.buf = a.buf[a.size:]
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return out
}

// remainder returns the leftover samples zero-padded to a full frame, or nil
// when nothing is left.
func (a *frameAccumulator) remainder() []int16 {
	if len(a.buf) == 0 {
		return nil
	}
	f := make([]int16, a.size)
	copy(f, a.buf)
	a.buf = nil
	return f
}

// readRTP yields the next packet of a remote track.
type readRTP func() (*rtp.Packet, error)

// receiveSubscription pumps one participant's audio track into the emitter.
type receiveSubscription struct {
	participantID string
	stopped       atomic.Bool
	onStop        func()
}

func (s *receiveSubscription) ParticipantID() string { return s.participantID }

func (s *receiveSubscription) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	if s.onStop != nil {
		s.onStop()
	}
}

// pump decodes RTP Opus packets from the track and emits 10ms mono frames until
// the subscription stops or the track ends.
func (s *receiveSubscription) pump(next readRTP, emit func(transport.Event)) {
	dec, err := opus.NewDecoder(audio.SampleRate, ingestChannels)
	if err != nil {
		emit(transport.Event{Type: transport.EventError, ParticipantID: s.participantID, Err: err})
		return
	}
	pcm := make([]int16, maxOpusFrameSamples*ingestChannels)
	acc := &frameAccumulator{size: frameSamples * ingestChannels}
	for !s.stopped.Load() {
		pkt, err := next()
		if err != nil {
			if !s.stopped.Load() && !errors.Is(err, io.EOF) {
				emit(transport.Event{Type: transport.EventError, ParticipantID: s.participantID, Err: err})
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			logging.Debugw("rtc: opus decode failed", "participant.id", s.participantID, "err", err)
			continue
		}
		for _, f := range acc.push(pcm[:n*ingestChannels]) {
			if s.stopped.Load() {
				return
			}
			emit(transport.Event{
				Type:          transport.EventAudioFrame,
				ParticipantID: s.participantID,
				Frame: &transport.AudioFrame{
					ParticipantID: s.participantID,
					SampleRate:    audio.SampleRate,
					Channels:      ingestChannels,
					Samples:       f,
				},
			})
		}
	}
}
