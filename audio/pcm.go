// Package audio holds the PCM helpers shared by the capture side and the server:
// float32 quantization, little-endian PCM16 framing and signal level.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the capture rate the recognizer is configured for.
	SampleRate = 16000
	// MimeType of the synthesized reply sent back on the audio channel.
	MimeType = "audio/mpeg"

	// PlaybackBytesPerSecond approximates the synthesized stream bitrate (32 KB/s).
	PlaybackBytesPerSecond = 32000
	// MinPlayback is the shortest playback window assumed for any reply.
	MinPlayback = 2 * time.Second
)

// FloatToPCM16 quantizes samples in [-1, 1] to signed 16-bit PCM.
// Values are clamped, positives scale by 32767 and negatives by 32768,
// and the result is rounded half away from zero.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = quantize(float64(s))
	}
	return out
}

func quantize(s float64) int16 {
	switch {
	case math.IsNaN(s):
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s >= 0:
		return int16(math.Round(s * 32767))
	default:
		return int16(math.Round(s * 32768))
	}
}

// EncodePCM16LE serializes samples as little-endian bytes, the audio channel wire format.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE parses little-endian PCM16. A trailing odd byte is ignored.
func DecodePCM16LE(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// Level returns the RMS of a PCM16 LE frame normalized to 0..100.
func Level(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	return math.Min(100, rms/32768*100)
}

// EstimatePlayback guesses how long a synthesized blob of n bytes plays for.
// It is a heuristic on byte size, not a decode of the stream.
func EstimatePlayback(n int, bytesPerSecond int, floor time.Duration) time.Duration {
	if bytesPerSecond <= 0 {
		return floor
	}
	d := time.Duration(float64(n) / float64(bytesPerSecond) * float64(time.Second))
	if d < floor {
		return floor
	}
	return d
}
