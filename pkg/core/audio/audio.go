// Package audio provides PCM16 math shared by the capture and playback
// pipelines: formats and duration arithmetic, volume metering, and
// sample-rate conversion.
package audio

import (
	"math"
	"time"
)

const bytesPerSample = 2

// Format describes the shape of a 16-bit signed little-endian PCM stream.
type Format struct {
	SampleRateHz int
	Channels     int
}

// CaptureFormat is the negotiated outbound format: 16kHz mono PCM16.
var CaptureFormat = Format{SampleRateHz: 16000, Channels: 1}

// PlaybackFormat is the negotiated inbound format: 24kHz mono PCM16.
var PlaybackFormat = Format{SampleRateHz: 24000, Channels: 1}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRateHz * f.Channels * bytesPerSample
}

// Duration returns the playing time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// BytesFor returns how many bytes cover d of audio, rounded down to a
// whole frame.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	frame := f.Channels * bytesPerSample
	if frame > 0 {
		n -= n % frame
	}
	return n
}

// RMS computes the root-mean-square energy of PCM16 audio, in [0,1].
func RMS(pcm []byte) float64 {
	samples := len(pcm) / bytesPerSample
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// Peak returns the maximum absolute amplitude in the PCM data, in [0,1].
func Peak(pcm []byte) float64 {
	if len(pcm) < bytesPerSample {
		return 0
	}
	var maxAbs float64
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 before Abs so -32768 does not overflow on negate.
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// Volume derives the UI metering sample for one chunk: short-window RMS
// clamped to [0,1]. Ephemeral, re-derived per chunk.
func Volume(pcm []byte) float64 {
	v := RMS(pcm)
	if v > 1 {
		return 1
	}
	return v
}

// Resample converts PCM16 from one format to another: interleaved channels
// are averaged down to mono first, then the rate is converted by linear
// interpolation. Returns the input unchanged when formats already match.
func Resample(pcm []byte, from, to Format) []byte {
	if from == to || len(pcm) == 0 {
		return pcm
	}

	samples := decodeMono(pcm, from.Channels)
	if from.SampleRateHz != to.SampleRateHz && from.SampleRateHz > 0 && to.SampleRateHz > 0 {
		samples = convertRate(samples, from.SampleRateHz, to.SampleRateHz)
	}

	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func decodeMono(pcm []byte, channels int) []int16 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / (channels * bytesPerSample)
	samples := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var acc int
		base := f * channels * bytesPerSample
		for c := 0; c < channels; c++ {
			i := base + c*bytesPerSample
			acc += int(int16(pcm[i]) | int16(pcm[i+1])<<8)
		}
		samples[f] = int16(acc / channels)
	}
	return samples
}

func convertRate(in []int16, fromHz, toHz int) []int16 {
	if len(in) == 0 || fromHz == toHz {
		return in
	}
	outLen := int(int64(len(in)) * int64(toHz) / int64(fromHz))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromHz) / float64(toHz)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(in[idx])
		b := float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
