package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPCM is returned by [DecodePCM16] when a payload is not a whole
// number of 16-bit samples.
var ErrMalformedPCM = errors.New("audio: malformed pcm16 payload")

// EncodeSample quantises a normalised sample to a signed 16-bit integer.
// The sample is clamped to [-1, 1]; positive values scale by 32767 and
// negative values by 32768 so both ends of the int16 range are reachable.
func EncodeSample(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// DecodeSample maps a signed 16-bit integer back to a normalised sample.
func DecodeSample(v int16) float32 {
	return float32(v) / 32768
}

// EncodePCM16 converts a frame to little-endian PCM16. Sample order and count
// are preserved; the sequence number and rate are carried over.
func EncodePCM16(f Frame) EncodedFrame {
	data := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(EncodeSample(s)))
	}
	return EncodedFrame{
		Data:       data,
		Encoding:   PCM16LE,
		SampleRate: f.SampleRate,
		Seq:        f.Seq,
	}
}

// DecodePCM16 converts a PCM16 payload back into a mono frame.
func DecodePCM16(e EncodedFrame) (Frame, error) {
	if e.Encoding != "" && e.Encoding != PCM16LE {
		return Frame{}, fmt.Errorf("audio: decode: unsupported encoding %q", e.Encoding)
	}
	if len(e.Data)%2 != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedPCM, len(e.Data))
	}
	samples := make([]float32, len(e.Data)/2)
	for i := range samples {
		samples[i] = DecodeSample(int16(binary.LittleEndian.Uint16(e.Data[i*2:])))
	}
	return Frame{
		Samples:    samples,
		SampleRate: e.SampleRate,
		Channels:   1,
		Seq:        e.Seq,
	}, nil
}
