package speech

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fluxer-voice-lab/internal/audio"
	"github.com/fluxer-voice-lab/internal/pipeline"
)

// FFmpeg transcodes synthesized speech to 48kHz stereo Ogg/Opus with 20ms
// frames by running an ffmpeg subprocess.
type FFmpeg struct {
	Path string
}

var _ pipeline.Transcoder = (*FFmpeg)(nil)

const stderrTail = 512

func (f *FFmpeg) args(in, out string, sp pipeline.Speech) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if strings.HasPrefix(strings.ToLower(sp.Format), "pcm") {
		rate := sp.SampleRate
		if rate <= 0 {
			rate = audio.SampleRate
		}
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(rate), "-ac", "1")
	}
	return append(args,
		"-i", in,
		"-vn",
		"-c:a", "libopus",
		"-f", "ogg",
		"-ar", "48000",
		"-ac", "2",
		"-b:a", "64000",
		"-application", "voip",
		"-frame_duration", "20",
		out,
	)
}

// Transcode runs ffmpeg and returns its stderr tail on a non-zero exit.
func (f *FFmpeg) Transcode(ctx context.Context, in, out string, sp pipeline.Speech) error {
	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, path, f.args(in, out, sp)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		if msg == "" {
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}
