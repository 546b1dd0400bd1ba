package legacy

import (
	"github.com/pion/rtp"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	payloadType = 0x78
	// frameTicks advances the RTP timestamp per 20ms stereo Opus packet.
	frameTicks = 960 * 2
)

// sealer turns Opus payloads into encrypted RTP packets. Not safe for
// concurrent use; the pacer is its only caller.
type sealer struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
	key       [32]byte
}

func (s *sealer) seal(opusPayload []byte) ([]byte, error) {
	h := rtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: s.sequence,
		Timestamp:      s.timestamp,
		SSRC:           s.ssrc,
	}
	header, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	s.sequence++
	s.timestamp += frameTicks

	var nonce [24]byte
	copy(nonce[:], header)
	return secretbox.Seal(header, opusPayload, &nonce, &s.key), nil
}
