package logging

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type captureLogger struct {
	noopLogger
	mu    sync.Mutex
	lines []string
	kv    [][]interface{}
}

func (c *captureLogger) Infow(msg string, kv ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, msg)
	c.kv = append(c.kv, kv)
}

func TestSetLoggerRoutesPackageCalls(t *testing.T) {
	c := &captureLogger{}
	SetLogger(c)
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), "guild.id", "g1")
	ctx = WithFields(ctx, "channel.id", "c1")
	InfowCtx(ctx, "joined", "ok", true)

	if len(c.lines) != 1 || c.lines[0] != "joined" {
		t.Fatalf("unexpected lines: %v", c.lines)
	}
	got := c.kv[0]
	want := []interface{}{"guild.id", "g1", "channel.id", "c1", "ok", true}
	if len(got) != len(want) {
		t.Fatalf("kv length mismatch: want=%v got=%v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kv[%d] mismatch: want=%v got=%v", i, want[i], got[i])
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": zap.DebugLevel.String(),
		"WARN":  zap.WarnLevel.String(),
		"error": zap.ErrorLevel.String(),
		"":      zap.InfoLevel.String(),
		"bogus": zap.InfoLevel.String(),
	}
	for in, want := range cases {
		if got := ParseLevel(in).String(); got != want {
			t.Fatalf("ParseLevel(%q): want=%s got=%s", in, want, got)
		}
	}
}

func TestSamplerAllowsOncePerInterval(t *testing.T) {
	s := NewSampler(time.Second)
	base := time.Unix(100, 0)
	s.now = func() time.Time { return base }

	if !s.Allow("p1") {
		t.Fatalf("first call should be allowed")
	}
	if s.Allow("p1") {
		t.Fatalf("second call inside interval should be suppressed")
	}
	if !s.Allow("p2") {
		t.Fatalf("other keys are independent")
	}
	base = base.Add(1500 * time.Millisecond)
	if !s.Allow("p1") {
		t.Fatalf("call after interval should be allowed")
	}
}

func TestParticipantFieldsOmitsSameIdentity(t *testing.T) {
	if got := ParticipantFields("u1", "u1"); len(got) != 2 {
		t.Fatalf("want 2 fields got=%v", got)
	}
	if got := ParticipantFields("u1", "user:u1"); len(got) != 4 {
		t.Fatalf("want 4 fields got=%v", got)
	}
}
