package speech

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
)

// SampleRate is the rate expected by the recognition service.
const SampleRate = 16000

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// ErrInvalidWAV is returned for input that is not an integer PCM WAV file.
var ErrInvalidWAV = errors.New("not a PCM WAV file")

// DecodeWAV reads a PCM WAV stream and returns 16 kHz mono signed 16-bit
// little-endian samples.
func DecodeWAV(r io.ReadSeeker) ([]byte, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	if d.WavAudioFormat != wavFormatPCM && d.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: audio format %d", ErrInvalidWAV, d.WavAudioFormat)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav samples: %w", err)
	}
	return ToPCM16(buf.Data, int(d.NumChans), int(d.SampleRate), int(d.BitDepth))
}

// ToPCM16 converts interleaved integer samples to 16 kHz mono 16-bit PCM.
// Channels are averaged, samples rescaled to 16 bits and resampled linearly.
// 8-bit input is treated as unsigned, as WAV stores it.
func ToPCM16(samples []int, channels, rate, bitDepth int) ([]byte, error) {
	if channels <= 0 || rate <= 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrInvalidWAV, channels, rate)
	}
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bitDepth)
	}

	frames := len(samples) / channels
	mono := make([]float64, frames)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += float64(scaleTo16(samples[i*channels+ch], bitDepth))
		}
		mono[i] = sum / float64(channels)
	}

	out := resample(mono, rate, SampleRate)
	pcm := make([]byte, 2*len(out))
	for i, v := range out {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(clamp16(v)))
	}
	return pcm, nil
}

func scaleTo16(v, bitDepth int) int {
	switch bitDepth {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

func resample(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float64, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
