package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fluxer-voice-lab/internal/audio"
	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/transport"
)

// tempFiles tracks files created while processing one utterance so they are
// removed on every exit path.
type tempFiles struct {
	dir   string
	paths []string
}

func (tf *tempFiles) write(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(tf.dir, pattern)
	if err != nil {
		return "", err
	}
	tf.paths = append(tf.paths, f.Name())
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", err
	}
	return f.Name(), f.Close()
}

func (tf *tempFiles) reserve(pattern string) (string, error) {
	return tf.write(pattern, nil)
}

func (tf *tempFiles) removeAll() {
	for _, p := range tf.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Debugw("pipeline: temp file cleanup failed", "path", p, "err", err)
		}
	}
	tf.paths = nil
}

func speechExt(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case f == "":
		return ".bin"
	case strings.HasPrefix(f, "pcm"):
		return ".pcm"
	case strings.Contains(f, "mp3") || strings.Contains(f, "mpeg"):
		return ".mp3"
	case strings.Contains(f, "wav"):
		return ".wav"
	case strings.Contains(f, "ogg") || strings.Contains(f, "opus"):
		return ".ogg"
	}
	return "." + f
}

// stageError tags an error with the pipeline stage it came from.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

// process runs one accepted utterance: responder, synthesis, transcode and
// playback through t.
func process(ctx context.Context, d Deps, settings Settings, t transport.Transport, u Utterance) (err error) {
	tf := &tempFiles{dir: d.TempDir}
	defer tf.removeAll()

	wav := audio.EncodeWAV(u.Samples, u.SampleRate, u.Channels)
	wavPath, err := tf.write("utterance-*.wav", wav)
	if err != nil {
		return stageErr("wav", err)
	}
	rec := Record{Utterance: u, WAV: wav, CreatedAt: d.now()}
	defer func() {
		if d.Archiver == nil {
			return
		}
		if aerr := d.Archiver.Archive(context.WithoutCancel(ctx), rec); aerr != nil {
			logging.Warnw("pipeline: archive failed", "utterance.id", u.ID, "err", aerr)
		}
	}()

	if d.Responder == nil {
		return stageErr("responder", errors.New("no responder configured"))
	}
	reply, err := d.Responder.Respond(ctx, ResponderRequest{
		Utterance:   u,
		WAV:         wav,
		WAVPath:     wavPath,
		ContentType: "audio/wav",
		Settings:    settings,
	})
	if errors.Is(err, ErrNoReply) {
		return nil
	}
	if err != nil {
		return stageErr("responder", err)
	}
	reply = strings.TrimSpace(reply)
	rec.Reply = reply
	if reply == "" {
		return nil
	}

	if d.Synthesizer == nil || d.Transcoder == nil {
		return stageErr("tts", errors.New("no synthesizer configured"))
	}
	sp, err := d.Synthesizer.Synthesize(ctx, reply, settings)
	if err != nil {
		return stageErr("tts", err)
	}
	if len(sp.Audio) == 0 {
		return stageErr("tts", errors.New("empty audio"))
	}
	rec.Speech = &sp
	ttsPath, err := tf.write("tts-*"+speechExt(sp.Format), sp.Audio)
	if err != nil {
		return stageErr("tts", err)
	}
	oggPath, err := tf.reserve("reply-*.ogg")
	if err != nil {
		return stageErr("transcode", err)
	}
	if err := d.Transcoder.Transcode(ctx, ttsPath, oggPath, sp); err != nil {
		return stageErr("transcode", err)
	}

	f, err := os.Open(oggPath)
	if err != nil {
		return stageErr("playback", err)
	}
	defer f.Close()
	started := time.Now()
	if err := t.Play(ctx, f); err != nil {
		return stageErr("playback", err)
	}
	logging.Debugw("pipeline: reply played", "utterance.id", u.ID, "playback_ms", time.Since(started).Milliseconds())
	return nil
}
