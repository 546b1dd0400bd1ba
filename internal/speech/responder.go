package speech

import (
	"context"
	"fmt"
	"strings"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/pipeline"
	"github.com/fluxer-voice-lab/llm"
)

// Transcriber turns WAV audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, correlationID string) (Transcript, error)
}

// ChatCompleter produces a reply for a conversation.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// DefaultSystemPrompt frames replies for speech output.
const DefaultSystemPrompt = "You are a voice assistant in a group voice channel. Answer in one or two short spoken sentences without markdown."

// Responder transcribes an utterance and asks the chat model for a reply.
type Responder struct {
	STT          Transcriber
	Chat         ChatCompleter
	SystemPrompt string
	MaxTokens    int
	// Wake, when set, drops transcripts that do not start with a wake
	// phrase and strips the phrase from those that do.
	Wake *WakeDetector
}

var _ pipeline.Responder = (*Responder)(nil)

// Respond returns ErrNoReply when nothing intelligible was said or the model
// returned an empty answer.
func (r *Responder) Respond(ctx context.Context, req pipeline.ResponderRequest) (string, error) {
	if r.STT == nil || r.Chat == nil {
		return "", fmt.Errorf("responder not configured")
	}
	u := req.Utterance
	tr, err := r.STT.Transcribe(ctx, req.WAV, u.ID)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	if tr.Text == "" {
		return "", ErrNoReply
	}
	logging.InfowCtx(ctx, "speech: transcript", "utterance.id", u.ID, "participant.id", u.ParticipantID, "transcript", tr.Text)
	text := tr.Text
	if r.Wake != nil {
		matched, stripped := r.Wake.Detect(text)
		if !matched {
			logging.DebugwCtx(ctx, "speech: no wake phrase", "utterance.id", u.ID)
			return "", ErrNoReply
		}
		if stripped != "" {
			text = stripped
		}
	}

	prompt := r.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	resp, err := r.Chat.CreateChatCompletion(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Name: sanitizeName(u.ParticipantID), Content: text},
		},
		MaxTokens: r.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", ErrNoReply
	}
	return reply, nil
}

// sanitizeName keeps the characters chat APIs accept in a message name.
func sanitizeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	return b.String()
}
