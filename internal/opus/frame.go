// Package opus splits Opus packets into single-frame packets and reads them
// out of Ogg containers produced by the transcoder.
package opus

// Result holds the frames recovered from one packet and the number of input
// bytes they account for.
type Result struct {
	Frames   [][]byte
	Consumed int
}

// ParsePacket splits an Opus packet by its TOC frame-count code. Every
// returned frame carries the original TOC byte with the count bits cleared so
// it decodes on its own. ok is false when the buffer is shorter than the
// lengths it declares; callers should wait for more data rather than consume
// a partial packet.
func ParsePacket(buf []byte) (res Result, ok bool) {
	if len(buf) < 2 {
		return Result{}, false
	}
	toc := buf[0]
	single := toc & 0xFC

	switch toc & 0x03 {
	case 0:
		return Result{Frames: [][]byte{clone(buf)}, Consumed: len(buf)}, true

	case 1:
		l1 := int(buf[1]) + 1
		if len(buf) < 2+l1 {
			return Result{}, false
		}
		return Result{
			Frames: [][]byte{
				withTOC(single, buf[2:2+l1]),
				withTOC(single, buf[2+l1:]),
			},
			Consumed: len(buf),
		}, true

	case 2:
		if len(buf) < 3 {
			return Result{}, false
		}
		l := (len(buf) - 2) / 2
		if l < 1 {
			return Result{}, false
		}
		return Result{
			Frames: [][]byte{
				withTOC(single, buf[2:2+l]),
				withTOC(single, buf[2+l:2+2*l]),
			},
			Consumed: 2 + 2*l,
		}, true

	default:
		n := int(buf[1])
		if n < 1 {
			return Result{}, false
		}
		header := 2 + n - 1
		if len(buf) < header {
			return Result{}, false
		}
		lens := make([]int, n)
		sum := 0
		for i := 0; i < n-1; i++ {
			lens[i] = int(buf[2+i]) + 1
			sum += lens[i]
		}
		last := len(buf) - header - sum
		if last < 0 {
			return Result{}, false
		}
		lens[n-1] = last

		frames := make([][]byte, 0, n)
		off := header
		for _, l := range lens {
			if off+l > len(buf) {
				return Result{}, false
			}
			frames = append(frames, withTOC(single, buf[off:off+l]))
			off += l
		}
		return Result{Frames: frames, Consumed: off}, true
	}
}

func withTOC(toc byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = toc
	copy(out[1:], payload)
	return out
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
