package audio

import (
	"encoding/binary"
	"math"
	"math/rand"
)

const (
	// SampleRate is the engine-wide PCM rate in Hz.
	SampleRate = 48000
	// DefaultVolume is the playback volume in percent.
	DefaultVolume = 100
	// MaxVolume is the upper bound accepted by ClampVolume.
	MaxVolume = 200
)

// FloatToInt16 converts normalized float samples to int16 with triangular
// dither. Non-finite input becomes silence.
func FloatToInt16(in []float32) []int16 {
	return floatToInt16(in, rand.Float64)
}

func floatToInt16(in []float32, rnd func() float64) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		v := float64(f)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[i] = 0
			continue
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		var scaled float64
		if v < 0 {
			scaled = v * 32768
		} else {
			scaled = v * 32767
		}
		scaled += (rnd() + rnd() - 1) * 0.5
		out[i] = clamp16(math.Round(scaled))
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// ClampVolume bounds a volume percentage to [0, MaxVolume].
func ClampVolume(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > MaxVolume {
		return MaxVolume
	}
	return pct
}

// ApplyVolume scales samples by pct/100. At 100% the input slice is returned
// unchanged; otherwise a new slice is allocated.
func ApplyVolume(samples []int16, pct int) []int16 {
	vol := float64(ClampVolume(pct)) / 100
	if vol == 1 {
		return samples
	}
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clamp16(math.Round(float64(s) * vol))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16 decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Flatten concatenates chunks into one contiguous buffer.
func Flatten(chunks [][]int16) []int16 {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]int16, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// DurationMs returns the playback length of n samples per channel.
func DurationMs(n, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return n * 1000 / sampleRate
}

// SamplesFor returns the sample count covering ms milliseconds.
func SamplesFor(ms, sampleRate int) int {
	return ms * sampleRate / 1000
}
