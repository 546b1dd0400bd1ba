// Package speech implements the external collaborators of the utterance
// pipeline: speech-to-text plus chat completion as the responder, the TTS
// service, and the ffmpeg transcoder.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/pipeline"
)

// ErrNoReply is returned when the responder has nothing to say.
var ErrNoReply = pipeline.ErrNoReply

// Post describes one POST made by PostWithRetries.
type Post struct {
	URL           string
	Body          []byte
	ContentType   string
	AuthToken     string
	CorrelationID string
	Timeout       time.Duration
	Attempts      int
}

var retryBackoff = func(attempt int) time.Duration {
	return time.Duration(200*(1<<attempt)) * time.Millisecond
}

// PostWithRetries posts p.Body with per-attempt timeouts, retrying network
// errors and 5xx responses with exponential backoff. The caller must close
// the response body.
func PostWithRetries(ctx context.Context, client *http.Client, p Post) (*http.Response, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff(i - 1)):
			}
		}
		resp, err := postOnce(ctx, client, p)
		if err != nil {
			lastErr = err
			logging.Debugw("speech: POST attempt failed", "url", p.URL, "attempt", i+1, "err", err, "correlation_id", p.CorrelationID)
			continue
		}
		if resp.StatusCode >= 500 && i < p.Attempts-1 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error status=%d", resp.StatusCode)
			logging.Debugw("speech: POST server error", "url", p.URL, "attempt", i+1, "status", resp.StatusCode, "correlation_id", p.CorrelationID)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

type cancelBody struct {
	*bytes.Reader
	cancel context.CancelFunc
}

func (c cancelBody) Close() error {
	c.cancel()
	return nil
}

// postOnce issues one request. The response body is fully buffered so the
// attempt's timeout context can be released before returning.
func postOnce(ctx context.Context, client *http.Client, p Post) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		cancel()
		return nil, err
	}
	ct := p.ContentType
	if ct == "" {
		ct = "application/json"
	}
	req.Header.Set("Content-Type", ct)
	if p.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.AuthToken)
	}
	if p.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", p.CorrelationID)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelBody{Reader: bytes.NewReader(buf.Bytes()), cancel: cancel}
	return resp, nil
}
