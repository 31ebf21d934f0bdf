package wave

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Encoding names follow ffmpeg's codec identifiers.
const (
	EncodingPCM16   = "pcm_s16le"
	EncodingFloat32 = "pcm_f32le"
)

// Format describes how samples are laid out in a wave file.
type Format struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// FormatFor returns the mono format for an ffmpeg encoding name.
func FormatFor(encoding string, sampleRate int) (Format, error) {
	switch encoding {
	case EncodingPCM16:
		return Format{Encoding: encoding, SampleRate: sampleRate, Channels: 1, BitDepth: 16}, nil
	case EncodingFloat32:
		return Format{Encoding: encoding, SampleRate: sampleRate, Channels: 1, BitDepth: 32}, nil
	default:
		return Format{}, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// Writer streams samples into a wave file. Close finalizes the header and
// must be called exactly once.
type Writer struct {
	enc    *wav.Encoder
	format Format
	frames int
}

func NewWriter(w io.WriteSeeker, format Format) (*Writer, error) {
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", format.SampleRate)
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	var audioFormat int
	switch format.Encoding {
	case EncodingPCM16:
		audioFormat = formatPCM
		format.BitDepth = 16
	case EncodingFloat32:
		audioFormat = formatIEEEFloat
		format.BitDepth = 32
	default:
		return nil, fmt.Errorf("unsupported encoding %q", format.Encoding)
	}
	writer := &Writer{
		enc:    wav.NewEncoder(w, format.SampleRate, format.BitDepth, format.Channels, audioFormat),
		format: format,
	}
	// Emit the header up front so a session with no audio still closes to a
	// valid, empty file.
	if err := writer.writeInts(nil); err != nil {
		return nil, err
	}
	return writer, nil
}

// WritePCM16 appends little-endian signed 16-bit interleaved samples.
func (w *Writer) WritePCM16(pcm []byte) error {
	if w.format.Encoding != EncodingPCM16 {
		return fmt.Errorf("writer encoding is %s", w.format.Encoding)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	return w.writeInts(data)
}

// WriteSamples appends normalized samples in the writer's encoding.
func (w *Writer) WriteSamples(samples []float32) error {
	switch w.format.Encoding {
	case EncodingPCM16:
		data := make([]int, len(samples))
		for i, s := range samples {
			data[i] = int(math.Round(float64(clamp(s)) * 32767))
		}
		return w.writeInts(data)
	default:
		// The encoder writes 32-bit ints little-endian, so the float bit
		// patterns land in the file unchanged and in a single write.
		data := make([]int, len(samples))
		for i, s := range samples {
			data[i] = int(int32(math.Float32bits(s)))
		}
		return w.writeInts(data)
	}
}

func (w *Writer) writeInts(data []int) error {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: w.format.Channels, SampleRate: w.format.SampleRate},
		Data:           data,
		SourceBitDepth: w.format.BitDepth,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.frames += len(data)
	return nil
}

func (w *Writer) Format() Format { return w.format }

// Frames returns the number of samples written so far.
func (w *Writer) Frames() int { return w.frames }

func (w *Writer) Close() error {
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Encode writes buf as a complete wave file in the given format.
func Encode(w io.WriteSeeker, buf SampleBuffer, format Format) error {
	if format.SampleRate == 0 {
		format.SampleRate = buf.SampleRate
	}
	writer, err := NewWriter(w, format)
	if err != nil {
		return err
	}
	if err := writer.WriteSamples(buf.Samples); err != nil {
		return err
	}
	return writer.Close()
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
