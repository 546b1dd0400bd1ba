package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fluxer-voice-lab/internal/logging"
)

// WhisperClient posts WAV audio to a whisper-style HTTP service and returns
// the transcript.
type WhisperClient struct {
	URL       string
	Language  string
	Translate bool
	Timeout   time.Duration
	Attempts  int
	HTTP      *http.Client
}

// Transcript is the decoded STT response.
type Transcript struct {
	Text         string
	ProcessingMs int
}

func (w *WhisperClient) endpoint() string {
	u, err := url.Parse(w.URL)
	if err != nil {
		return w.URL
	}
	q := u.Query()
	if w.Translate {
		q.Set("task", "translate")
	}
	if w.Language != "" {
		q.Set("language", w.Language)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Transcribe sends wav and returns the trimmed transcript text.
func (w *WhisperClient) Transcribe(ctx context.Context, wav []byte, correlationID string) (Transcript, error) {
	if w == nil || w.URL == "" {
		return Transcript{}, fmt.Errorf("whisper client not configured")
	}
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	sent := time.Now()
	resp, err := PostWithRetries(ctx, w.HTTP, Post{
		URL:           w.endpoint(),
		Body:          wav,
		ContentType:   "audio/wav",
		CorrelationID: correlationID,
		Timeout:       w.Timeout,
		Attempts:      attempts,
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Transcript{}, fmt.Errorf("whisper returned status %d", resp.StatusCode)
	}
	var out struct {
		Text         string          `json:"text"`
		ProcessingMs json.RawMessage `json:"processing_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcript{}, fmt.Errorf("decode whisper response: %w", err)
	}
	tr := Transcript{Text: strings.TrimSpace(out.Text)}
	if v := resp.Header.Get("X-Processing-Time-ms"); v != "" {
		tr.ProcessingMs, _ = strconv.Atoi(v)
	}
	if tr.ProcessingMs == 0 && len(out.ProcessingMs) > 0 {
		tr.ProcessingMs = parseLooseInt(out.ProcessingMs)
	}
	logging.Debugw("speech: transcript received", "correlation_id", correlationID, "stt_latency_ms", time.Since(sent).Milliseconds(), "stt_server_ms", tr.ProcessingMs, "chars", len(tr.Text))
	return tr, nil
}

// parseLooseInt accepts a JSON number or a quoted number.
func parseLooseInt(raw json.RawMessage) int {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, _ := strconv.Atoi(strings.TrimSpace(s))
		return n
	}
	return 0
}
