package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRTCEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		token    string
		want     bool
	}{
		{"empty", "", "tok", false},
		{"access token in query", "wss://sfu.example/rtc?access_token=abc", "", true},
		{"rtc path with query", "wss://sfu.example/rtc?room=1", "tok", true},
		{"bare host with token", "voice.example:443", "tok", true},
		{"legacy query without rtc", "voice.example/?v=4", "tok", false},
		{"bare host without token", "voice.example", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRTCEndpoint(tc.endpoint, tc.token); got != tc.want {
				t.Fatalf("IsRTCEndpoint(%q,%q): want=%v got=%v", tc.endpoint, tc.token, tc.want, got)
			}
		})
	}
}

func TestBuildRTCURL(t *testing.T) {
	require.Equal(t, "wss://sfu.example:443", BuildRTCURL("https://sfu.example:443/rtc?x=1"))
	require.Equal(t, "ws://localhost:7880", BuildRTCURL("ws://localhost:7880/"))
	require.Equal(t, "wss://sfu.example", BuildRTCURL("sfu.example"))
	require.Equal(t, "wss://sfu.example", BuildRTCURL("//sfu.example/path"))
}

func TestEmitterOrderAndCancel(t *testing.T) {
	var e Emitter
	var got []string
	cancelA := e.On(func(ev Event) { got = append(got, "a:"+ev.Type.String()) })
	e.On(func(ev Event) { got = append(got, "b:"+ev.Type.String()) })

	e.Emit(Event{Type: EventSpeakerStart})
	cancelA()
	cancelA()
	e.Emit(Event{Type: EventDisconnect})

	require.Equal(t, []string{"a:speaker_start", "b:speaker_start", "b:disconnect"}, got)
}
