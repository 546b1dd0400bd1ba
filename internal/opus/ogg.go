package opus

import (
	"bytes"
	"errors"
	"io"

	"github.com/jonas747/ogg"
)

var (
	headMagic = []byte("OpusHead")
	tagsMagic = []byte("OpusTags")
)

// PacketReader yields single-frame Opus packets from an Ogg/Opus stream.
// Header packets are skipped and multi-frame packets are split with
// ParsePacket.
type PacketReader struct {
	dec     *ogg.PacketDecoder
	pending [][]byte
	// Malformed counts packets dropped because their declared lengths did
	// not fit.
	Malformed int
}

// NewPacketReader wraps an Ogg stream.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{dec: ogg.NewPacketDecoder(ogg.NewDecoder(r))}
}

// Next returns the next frame, or io.EOF once the stream is exhausted. A
// truncated final page is reported as io.EOF.
func (p *PacketReader) Next() ([]byte, error) {
	for len(p.pending) == 0 {
		packet, _, err := p.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if bytes.HasPrefix(packet, headMagic) || bytes.HasPrefix(packet, tagsMagic) {
			continue
		}
		res, ok := ParsePacket(packet)
		if !ok {
			p.Malformed++
			continue
		}
		p.pending = res.Frames
	}
	f := p.pending[0]
	p.pending = p.pending[1:]
	return f, nil
}

// ReadAll drains r and returns every frame.
func ReadAll(r io.Reader) ([][]byte, error) {
	pr := NewPacketReader(r)
	var out [][]byte
	for {
		f, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}
