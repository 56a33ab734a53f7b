package audio

import (
	"log/slog"
	"sync"
)

// Resampler converts mono PCM16 frames to a fixed target rate. It logs a
// warning on the first rate mismatch and on the first misaligned payload.
// Create one per stream; not designed for shared use across goroutines.
type Resampler struct {
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert resamples frame to the target rate. If the rates already match the
// frame is returned unchanged (zero allocation). Misaligned payloads yield a
// frame with no data, which callers should drop.
func (r *Resampler) Convert(frame EncodedFrame) EncodedFrame {
	if len(frame.Data)%2 != 0 {
		r.warnedCorrupt.Do(func() {
			slog.Warn("audio resampler: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
			)
		})
		return EncodedFrame{Encoding: frame.Encoding, SampleRate: r.TargetRate, Seq: frame.Seq}
	}

	if frame.SampleRate == r.TargetRate || r.TargetRate <= 0 {
		return frame
	}

	r.warnedMismatch.Do(func() {
		slog.Info("audio rate mismatch: resampling",
			"from", formatString(frame.SampleRate, 1),
			"to", formatString(r.TargetRate, 1),
		)
	})

	return EncodedFrame{
		Data:       ResampleMono16(frame.Data, frame.SampleRate, r.TargetRate),
		Encoding:   frame.Encoding,
		SampleRate: r.TargetRate,
		Seq:        frame.Seq,
	}
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// DownmixToMono averages interleaved channels into a single channel.
func DownmixToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
