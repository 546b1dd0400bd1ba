package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/fluxer-voice-lab/internal/audio"
	opuspkt "github.com/fluxer-voice-lab/internal/opus"
)

const (
	frameDuration = 10 * time.Millisecond
	// maxQueued is how far ahead of real time playback may run before it
	// waits for the queue to play out.
	maxQueued = 500 * time.Millisecond
)

// playoutClock tracks when everything written so far will have played.
type playoutClock struct {
	mu       sync.Mutex
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	deadline time.Time
}

func newPlayoutClock() *playoutClock {
	return &playoutClock{now: time.Now, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *playoutClock) queued() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.deadline.Sub(c.now())
	if q < 0 {
		return 0
	}
	return q
}

func (c *playoutClock) add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.deadline.Before(now) {
		c.deadline = now
	}
	c.deadline = c.deadline.Add(d)
}

func (c *playoutClock) waitForPlayout(ctx context.Context) error {
	return c.sleep(ctx, c.queued())
}

// frameSink encodes 10ms PCM frames and writes them to the published track,
// waiting on the playout clock when too far ahead.
type frameSink struct {
	enc   *opus.Encoder
	write func(media.Sample) error
	clock *playoutClock
	buf   []byte
}

func newFrameSink(write func(media.Sample) error, clock *playoutClock) (*frameSink, error) {
	enc, err := opus.NewEncoder(audio.SampleRate, ingestChannels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	return &frameSink{enc: enc, write: write, clock: clock, buf: make([]byte, 4000)}, nil
}

func (s *frameSink) capture(ctx context.Context, frame []int16) error {
	if s.clock.queued() > maxQueued {
		if err := s.clock.waitForPlayout(ctx); err != nil {
			return err
		}
	}
	n, err := s.enc.Encode(frame, s.buf)
	if err != nil {
		return err
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	if err := s.write(media.Sample{Data: data, Duration: frameDuration}); err != nil {
		return err
	}
	s.clock.add(frameDuration)
	return nil
}

// decodeFrames demuxes src, decodes each Opus frame to float PCM, converts
// to dithered int16 and hands fixed 10ms frames to sink after applying the
// volume returned by vol. Leftover samples are padded to a full frame.
func decodeFrames(ctx context.Context, src io.Reader, vol func() int, sink func(context.Context, []int16) error) error {
	dec, err := opus.NewDecoder(audio.SampleRate, ingestChannels)
	if err != nil {
		return err
	}
	pr := opuspkt.NewPacketReader(src)
	pcm := make([]float32, maxOpusFrameSamples*ingestChannels)
	acc := &frameAccumulator{size: frameSamples * ingestChannels}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, err := pr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n, err := dec.DecodeFloat32(pkt, pcm)
		if err != nil {
			continue
		}
		for _, f := range acc.push(audio.FloatToInt16(pcm[:n*ingestChannels])) {
			if err := sink(ctx, audio.ApplyVolume(f, vol())); err != nil {
				return err
			}
		}
	}
	if f := acc.remainder(); f != nil {
		return sink(ctx, audio.ApplyVolume(f, vol()))
	}
	return nil
}
