package speech

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxer-voice-lab/internal/pipeline"
)

func TestWakeDetector(t *testing.T) {
	cases := []struct {
		name     string
		window   int
		text     string
		matched  bool
		stripped string
	}{
		{"exact", 0, "Hey Echo", true, ""},
		{"prefix with comma", 0, "hey echo, what time is it?", true, "what time is it"},
		{"leading quote", 0, "\"Hey   echo what's up", true, "what's up"},
		{"not at start", 0, "so hey echo what's up", false, ""},
		{"inside window", 3, "so hey echo what's up", true, "what's up"},
		{"outside window", 2, "well so hey echo now", false, ""},
		{"empty", 0, "   ", false, ""},
	}
	d := NewWakeDetector([]string{"hey echo", " "}, 0)
	require.NotNil(t, d)
	require.Len(t, d.Phrases, 1)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d.WindowWords = tc.window
			matched, stripped := d.Detect(tc.text)
			if matched != tc.matched || stripped != tc.stripped {
				t.Fatalf("Detect(%q): want=(%v,%q) got=(%v,%q)", tc.text, tc.matched, tc.stripped, matched, stripped)
			}
		})
	}
	assert.Nil(t, NewWakeDetector(nil, 0))
}

func TestResponderWakeGate(t *testing.T) {
	req := pipeline.ResponderRequest{Utterance: pipeline.Utterance{ID: "u1", ParticipantID: "7"}}
	chat := &fakeChat{reply: "ok"}
	r := &Responder{STT: fakeSTT{text: "Hey echo, turn it up"}, Chat: chat, Wake: NewWakeDetector([]string{"hey echo"}, 0)}
	reply, err := r.Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, "turn it up", chat.got.Messages[1].Content)

	r.STT = fakeSTT{text: "turn it up"}
	_, err = r.Respond(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoReply)
}
