package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Default stream parameters for a voice session.
const (
	// CaptureSampleRate is the microphone rate expected by the speech service.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised speech returned by the
	// speech service.
	PlaybackSampleRate = 24000

	// CaptureFrameSize is the number of samples per captured frame.
	CaptureFrameSize = 4096
)

// Frame is a block of normalised audio flowing through the pipeline.
// Frames are produced by capture, consumed by the encoder and the level meter,
// and produced again by the decoder for playback. A Frame must not be mutated
// after it has been handed to a consumer.
type Frame struct {
	// Samples holds normalised samples in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for synthesised speech).
	SampleRate int

	// Channels is always 1 in a voice session.
	Channels int

	// Seq is the position of the frame in its stream, starting at 0.
	Seq uint64
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate, f.Channels)
}

// Encoding identifies the byte layout of an [EncodedFrame].
type Encoding string

// PCM16LE is signed 16-bit little-endian PCM, the only wire encoding in use.
const PCM16LE Encoding = "pcm16le"

// EncodedFrame is the wire form of a [Frame]. It exists only between the
// encoder and the transport (outbound) or the transport and the decoder
// (inbound).
type EncodedFrame struct {
	Data       []byte
	Encoding   Encoding
	SampleRate int
	Seq        uint64
}

// MIMEType returns the media descriptor for the frame, e.g.
// "audio/pcm;rate=16000".
func (e EncodedFrame) MIMEType() string {
	return PCMMIMEType(e.SampleRate)
}

// Duration returns the playback length of the encoded payload.
func (e EncodedFrame) Duration() time.Duration {
	return samplesDuration(len(e.Data)/2, e.SampleRate, 1)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// PCMMIMEType returns the media descriptor for raw PCM16 at rate.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMMIMEType extracts the sample rate from a descriptor such as
// "audio/pcm;rate=24000". ok is false when mime is not raw PCM. A PCM
// descriptor without a rate parameter reports fallback.
func ParsePCMMIMEType(mime string, fallback int) (rate int, ok bool) {
	base, params, _ := strings.Cut(mime, ";")
	if !strings.EqualFold(strings.TrimSpace(base), "audio/pcm") {
		return 0, false
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || !strings.EqualFold(k, "rate") {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return fallback, true
}

func samplesDuration(samples, rate, channels int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	frames := int64(samples / channels)
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
