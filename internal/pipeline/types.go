// Package pipeline turns subscribed participants' audio into spoken replies:
// per-channel sessions buffer utterances between speaker events, gate them
// on length, and process them one at a time through the responder, TTS and
// transcoder before playing the result back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxer-voice-lab/internal/metrics"
)

var (
	// ErrRTCRequired is returned when subscribing on a transport without a
	// receive path.
	ErrRTCRequired = errors.New("voice subscribe requires an RTC voice connection")
	// ErrNoReply is returned by a Responder that chose not to answer.
	ErrNoReply = errors.New("no reply")
	// ErrSessionClosed is returned for operations on a torn-down session.
	ErrSessionClosed = errors.New("voice session closed")
)

// Target identifies one voice destination.
type Target struct {
	AccountID string
	GuildID   string
	ChannelID string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.AccountID, t.GuildID, t.ChannelID)
}

// Settings controls utterance gating and buffering.
type Settings struct {
	MinUtteranceMs         int
	MinUtteranceFallbackMs int
	MaxBufferMs            int
	TTSProvider            string
	TTSVoice               string
}

// DefaultSettings are applied for zero fields.
var DefaultSettings = Settings{
	MinUtteranceMs:         250,
	MinUtteranceFallbackMs: 2500,
	MaxBufferMs:            20000,
}

func (s Settings) withDefaults() Settings {
	if s.MinUtteranceMs <= 0 {
		s.MinUtteranceMs = DefaultSettings.MinUtteranceMs
	}
	if s.MinUtteranceFallbackMs <= 0 {
		s.MinUtteranceFallbackMs = DefaultSettings.MinUtteranceFallbackMs
	}
	if s.MaxBufferMs <= 0 {
		s.MaxBufferMs = DefaultSettings.MaxBufferMs
	}
	return s
}

// Utterance is one accepted span of a participant's speech.
type Utterance struct {
	ID            string
	Target        Target
	ParticipantID string
	ResolvedID    string
	SampleRate    int
	Channels      int
	Samples       []int16
	StartedAt     time.Time
	DurationMs    int
}

// ResponderRequest carries an utterance to the text responder as an
// attached WAV file.
type ResponderRequest struct {
	Utterance   Utterance
	WAV         []byte
	WAVPath     string
	ContentType string
	Settings    Settings
}

// Responder turns an utterance into reply text. Returning ErrNoReply or an
// empty string skips synthesis.
type Responder interface {
	Respond(ctx context.Context, req ResponderRequest) (string, error)
}

// Speech is synthesized reply audio.
type Speech struct {
	Audio      []byte
	Format     string
	SampleRate int
}

// Synthesizer turns reply text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, s Settings) (Speech, error)
}

// Transcoder converts synthesized audio at inPath into Ogg/Opus at outPath.
type Transcoder interface {
	Transcode(ctx context.Context, inPath, outPath string, sp Speech) error
}

// Record is what the archive keeps for one processed utterance.
type Record struct {
	Utterance Utterance
	WAV       []byte
	Reply     string
	Speech    *Speech
	CreatedAt time.Time
}

// Archiver stores processed utterances. Failures are logged by the caller.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Deps are the collaborators a session calls while processing.
type Deps struct {
	Responder   Responder
	Synthesizer Synthesizer
	Transcoder  Transcoder
	Archiver    Archiver
	Metrics     *metrics.Metrics
	TempDir     string
	Now         func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) metrics() *metrics.Metrics {
	if d.Metrics != nil {
		return d.Metrics
	}
	return metrics.Default()
}
