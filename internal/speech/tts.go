package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/pipeline"
)

// TTSClient performs text to audio synthesis against an external service.
// The service may answer with raw audio (format taken from Content-Type) or
// a JSON envelope {success, audio (base64), format, sampleRate}.
type TTSClient struct {
	URL       string
	AuthToken string
	HTTP      *http.Client
	Timeout   time.Duration
	Attempts  int
}

var _ pipeline.Synthesizer = (*TTSClient)(nil)

type ttsRequest struct {
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

type ttsEnvelope struct {
	Success    *bool  `json:"success"`
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Error      string `json:"error"`
}

// Synthesize requests audio for text.
func (t *TTSClient) Synthesize(ctx context.Context, text string, s pipeline.Settings) (pipeline.Speech, error) {
	if t == nil || t.URL == "" {
		return pipeline.Speech{}, fmt.Errorf("tts client not configured")
	}
	body, err := json.Marshal(ttsRequest{Text: text, Provider: s.TTSProvider, Voice: s.TTSVoice})
	if err != nil {
		return pipeline.Speech{}, err
	}
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	resp, err := PostWithRetries(ctx, t.HTTP, Post{
		URL:       t.URL,
		Body:      body,
		AuthToken: t.AuthToken,
		Timeout:   t.Timeout,
		Attempts:  attempts,
	})
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err)
		return pipeline.Speech{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		logging.Warnw("tts: returned non-2xx", "status", resp.StatusCode)
		return pipeline.Speech{}, fmt.Errorf("tts returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.Speech{}, err
	}

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return decodeEnvelope(data)
	}
	sp := pipeline.Speech{Audio: data, Format: formatFromMediaType(mediaType)}
	if v := params["rate"]; v != "" {
		sp.SampleRate, _ = strconv.Atoi(v)
	}
	if v := resp.Header.Get("X-Sample-Rate"); v != "" && sp.SampleRate == 0 {
		sp.SampleRate, _ = strconv.Atoi(v)
	}
	return sp, nil
}

func decodeEnvelope(data []byte) (pipeline.Speech, error) {
	var env ttsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return pipeline.Speech{}, fmt.Errorf("decode tts response: %w", err)
	}
	if env.Success != nil && !*env.Success {
		msg := env.Error
		if msg == "" {
			msg = "unknown error"
		}
		return pipeline.Speech{}, fmt.Errorf("tts failed: %s", msg)
	}
	audio, err := base64.StdEncoding.DecodeString(env.Audio)
	if err != nil {
		return pipeline.Speech{}, fmt.Errorf("decode tts audio: %w", err)
	}
	return pipeline.Speech{Audio: audio, Format: env.Format, SampleRate: env.SampleRate}, nil
}

func formatFromMediaType(mt string) string {
	switch strings.ToLower(mt) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/pcm", "audio/l16":
		return "pcm_s16le"
	}
	return "wav"
}
