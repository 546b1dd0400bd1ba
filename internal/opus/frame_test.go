package opus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePacketSingleFrame(t *testing.T) {
	for _, toc := range []byte{0x00, 0x78, 0xFC, 0x4C} {
		buf := []byte{toc, 1, 2, 3, 4}
		res, ok := ParsePacket(buf)
		if !ok {
			t.Fatalf("toc=%#x: want ok", toc)
		}
		if len(res.Frames) != 1 || !bytes.Equal(res.Frames[0], buf) {
			t.Fatalf("toc=%#x: want single frame equal to input got=%v", toc, res.Frames)
		}
		if res.Consumed != len(buf) {
			t.Fatalf("toc=%#x: consumed want=%d got=%d", toc, len(buf), res.Consumed)
		}
	}
}

func TestParsePacket(t *testing.T) {
	cases := []struct {
		name     string
		in       []byte
		ok       bool
		frames   [][]byte
		consumed int
	}{
		{name: "too short", in: []byte{0x78}, ok: false},
		{
			name:     "code1 two frames",
			in:       []byte{0x79, 1, 0xA, 0xB, 0xC, 0xD, 0xE},
			ok:       true,
			frames:   [][]byte{{0x78, 0xA, 0xB}, {0x78, 0xC, 0xD, 0xE}},
			consumed: 7,
		},
		{name: "code1 first length overflows", in: []byte{0x79, 5, 1, 2}, ok: false},
		{
			name:     "code2 equal halves",
			in:       []byte{0x7A, 0, 1, 2, 3, 4},
			ok:       true,
			frames:   [][]byte{{0x78, 1, 2}, {0x78, 3, 4}},
			consumed: 6,
		},
		{
			name:     "code2 odd remainder not consumed",
			in:       []byte{0x7A, 0, 1, 2, 3, 4, 5},
			ok:       true,
			frames:   [][]byte{{0x78, 1, 2}, {0x78, 3, 4}},
			consumed: 6,
		},
		{name: "code2 too short", in: []byte{0x7A, 0, 1}, ok: false},
		{
			name:     "code3 three frames last inferred",
			in:       []byte{0x7B, 3, 0, 1, 0xA, 0xB, 0xC, 0xD, 0xE, 0xF},
			ok:       true,
			frames:   [][]byte{{0x78, 0xA}, {0x78, 0xB, 0xC}, {0x78, 0xD, 0xE, 0xF}},
			consumed: 10,
		},
		{name: "code3 zero count", in: []byte{0x7B, 0, 1, 2}, ok: false},
		{name: "code3 declared exceeds buffer", in: []byte{0x7B, 2, 9, 1, 2}, ok: false},
		{
			name:     "code3 single frame",
			in:       []byte{0x7B, 1, 7, 8},
			ok:       true,
			frames:   [][]byte{{0x78, 7, 8}},
			consumed: 4,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, ok := ParsePacket(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok want=%v got=%v", tc.ok, ok)
			}
			if !ok {
				if res.Frames != nil {
					t.Fatalf("insufficient data must not return frames, got=%v", res.Frames)
				}
				return
			}
			if diff := cmp.Diff(tc.frames, res.Frames); diff != "" {
				t.Fatalf("frames mismatch (-want +got):\n%s", diff)
			}
			if res.Consumed != tc.consumed {
				t.Fatalf("consumed want=%d got=%d", tc.consumed, res.Consumed)
			}
		})
	}
}

func TestParsePacketCode3LengthRoundTrip(t *testing.T) {
	lens := []int{5, 17, 1, 40}
	var payload []byte
	in := []byte{0x03 | 0x80, byte(len(lens))}
	for _, l := range lens[:len(lens)-1] {
		in = append(in, byte(l-1))
	}
	for i, l := range lens {
		payload = append(payload, bytes.Repeat([]byte{byte(i + 1)}, l)...)
	}
	in = append(in, payload...)

	res, ok := ParsePacket(in)
	if !ok {
		t.Fatalf("want ok")
	}
	if len(res.Frames) != len(lens) {
		t.Fatalf("frame count want=%d got=%d", len(lens), len(res.Frames))
	}
	var rebuilt []byte
	for i, f := range res.Frames {
		if f[0] != 0x80 {
			t.Fatalf("frame %d toc want=%#x got=%#x", i, 0x80, f[0])
		}
		if len(f)-1 != lens[i] {
			t.Fatalf("frame %d length want=%d got=%d", i, lens[i], len(f)-1)
		}
		rebuilt = append(rebuilt, f[1:]...)
	}
	if !bytes.Equal(rebuilt, payload) {
		t.Fatalf("payload not reconstructed")
	}
	if res.Consumed != len(in) {
		t.Fatalf("consumed want=%d got=%d", len(in), res.Consumed)
	}
}

func TestReadAllEmptyStream(t *testing.T) {
	frames, err := ReadAll(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("want no frames got=%d", len(frames))
	}
}
