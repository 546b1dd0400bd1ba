// Package archive stores processed utterances for later inspection: the
// captured WAV plus a JSON sidecar describing the utterance and its reply.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fluxer-voice-lab/internal/metrics"
	"github.com/fluxer-voice-lab/internal/pipeline"
)

// Metadata is the sidecar written next to each archived WAV.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	ParticipantID string `json:"participant_id"`
	ResolvedID    string `json:"resolved_id,omitempty"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	DurationMs    int    `json:"duration_ms"`
	StartedUTC    string `json:"started_utc,omitempty"`
	CreatedUTC    string `json:"created_utc"`
	Reply         string `json:"reply,omitempty"`
	TTSFormat     string `json:"tts_format,omitempty"`
	TTSSampleRate int    `json:"tts_sample_rate,omitempty"`
	TTSBytes      int    `json:"tts_bytes,omitempty"`
	WAVPath       string `json:"wav_path,omitempty"`
}

// MetadataFor builds the sidecar for rec.
func MetadataFor(rec pipeline.Record) Metadata {
	u := rec.Utterance
	m := Metadata{
		CorrelationID: u.ID,
		AccountID:     u.Target.AccountID,
		GuildID:       u.Target.GuildID,
		ChannelID:     u.Target.ChannelID,
		ParticipantID: u.ParticipantID,
		ResolvedID:    u.ResolvedID,
		SampleRate:    u.SampleRate,
		Channels:      u.Channels,
		DurationMs:    u.DurationMs,
		CreatedUTC:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		Reply:         rec.Reply,
	}
	if !u.StartedAt.IsZero() {
		m.StartedUTC = u.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.Speech != nil {
		m.TTSFormat = rec.Speech.Format
		m.TTSSampleRate = rec.Speech.SampleRate
		m.TTSBytes = len(rec.Speech.Audio)
	}
	return m
}

func (m Metadata) encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// objectBase names an archived utterance:
// <account>/<guild>/<channel>/<timestamp>_<id>.
func objectBase(rec pipeline.Record) string {
	t := rec.Utterance.Target
	ts := rec.CreatedAt.UTC().Format("20060102T150405.000Z")
	return strings.Join([]string{safe(t.AccountID), safe(t.GuildID), safe(t.ChannelID), ts + "_" + safe(rec.Utterance.ID)}, "/")
}

func safe(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

// Instrumented counts archive writes by backend and result.
type Instrumented struct {
	Backend string
	Inner   pipeline.Archiver
	Metrics *metrics.Metrics
}

func (a *Instrumented) Archive(ctx context.Context, rec pipeline.Record) error {
	err := a.Inner.Archive(ctx, rec)
	result := "ok"
	if err != nil {
		result = "error"
		err = fmt.Errorf("%s archive: %w", a.Backend, err)
	}
	if a.Metrics != nil {
		a.Metrics.ArchiveWrites.WithLabelValues(a.Backend, result).Inc()
	}
	return err
}
