package legacy

import (
	"encoding/binary"
	"errors"
)

const discoveryPacketSize = 70

var errDiscoveryShort = errors.New("UDP discovery response too short")

// discoveryRequest is the 70-byte IP discovery probe for ssrc.
func discoveryRequest(ssrc uint32) []byte {
	b := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint32(b[0:], 1)
	binary.BigEndian.PutUint16(b[4:], discoveryPacketSize)
	binary.BigEndian.PutUint32(b[6:], ssrc)
	return b
}

// parseDiscoveryResponse recovers our external address from the echoed
// probe: a NUL-terminated IP string at offset 10 and the port in the last
// two bytes.
func parseDiscoveryResponse(b []byte) (string, int, error) {
	if len(b) < discoveryPacketSize {
		return "", 0, errDiscoveryShort
	}
	n := int(binary.BigEndian.Uint16(b[4:]))
	end := n + 8
	if end > discoveryPacketSize {
		end = discoveryPacketSize
	}
	ip := make([]byte, 0, 16)
	for i := 10; i < end && b[i] != 0; i++ {
		ip = append(ip, b[i])
	}
	port := int(binary.BigEndian.Uint16(b[68:]))
	return string(ip), port, nil
}
