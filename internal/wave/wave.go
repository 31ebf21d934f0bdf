package wave

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/wav"
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

var (
	ErrMissing           = errors.New("audio file not found")
	ErrInvalidHeader     = errors.New("unrecognized wave header")
	ErrTruncated         = errors.New("truncated wave data")
	ErrUnsupportedFormat = errors.New("unsupported wave sample format")
)

// DecodeError reports why a file could not be turned into a SampleBuffer.
type DecodeError struct {
	Path   string
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg = msg + ": " + e.Detail
	}
	if e.Path != "" {
		return fmt.Sprintf("decode %s: %s", e.Path, msg)
	}
	return "decode: " + msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SampleBuffer is mono audio normalized to [-1, 1].
type SampleBuffer struct {
	Samples    []float32
	SampleRate int
}

// Duration in seconds.
func (b SampleBuffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Peak returns the largest absolute sample value.
func (b SampleBuffer) Peak() float32 {
	var peak float32
	for _, s := range b.Samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// RMS returns the root mean square level of the buffer.
func (b SampleBuffer) RMS() float64 {
	if len(b.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range b.Samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(b.Samples)))
}

// Decode reads the whole file at path into a SampleBuffer.
func Decode(path string) (SampleBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SampleBuffer{}, &DecodeError{Path: path, Err: ErrMissing}
		}
		return SampleBuffer{}, &DecodeError{Path: path, Err: ErrMissing, Detail: err.Error()}
	}
	defer f.Close()

	buf, err := DecodeReader(f)
	if err != nil {
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			decErr.Path = path
		}
		return SampleBuffer{}, err
	}
	return buf, nil
}

// DecodeReader decodes PCM integer (8/16/24/32 bit) or IEEE float (32/64 bit)
// wave data. Multi-channel input is averaged down to mono.
func DecodeReader(r io.ReadSeeker) (SampleBuffer, error) {
	d := wav.NewDecoder(r)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return SampleBuffer{}, &DecodeError{Err: ErrInvalidHeader, Detail: err.Error()}
	}
	if d.NumChans == 0 || d.SampleRate == 0 || d.BitDepth == 0 {
		return SampleBuffer{}, &DecodeError{Err: ErrInvalidHeader, Detail: "missing fmt chunk"}
	}

	convert, err := sampleConverter(d.WavAudioFormat, d.BitDepth)
	if err != nil {
		return SampleBuffer{}, err
	}

	if err := d.FwdToPCM(); err != nil {
		return SampleBuffer{}, &DecodeError{Err: ErrInvalidHeader, Detail: err.Error()}
	}
	if d.PCMChunk == nil || d.PCMSize < 0 {
		return SampleBuffer{}, &DecodeError{Err: ErrInvalidHeader, Detail: "missing data chunk"}
	}
	size, err := declaredDataSize(r)
	if err != nil {
		return SampleBuffer{}, &DecodeError{Err: ErrInvalidHeader, Detail: err.Error()}
	}
	if remaining, ok := remainingBytes(r); ok && size > remaining {
		return SampleBuffer{}, &DecodeError{
			Err:    ErrTruncated,
			Detail: fmt.Sprintf("data chunk declares %d bytes, %d present", size, remaining),
		}
	}

	// The pad byte after an odd-sized chunk is not part of the samples.
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return SampleBuffer{}, &DecodeError{Err: ErrTruncated, Detail: err.Error()}
	}

	width := int(d.BitDepth) / 8
	channels := int(d.NumChans)
	frameSize := width * channels
	if len(raw)%frameSize != 0 {
		return SampleBuffer{}, &DecodeError{
			Err:    ErrTruncated,
			Detail: fmt.Sprintf("%d bytes is not a whole number of %d-byte frames", len(raw), frameSize),
		}
	}

	frames := len(raw) / frameSize
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		frame := raw[i*frameSize : (i+1)*frameSize]
		var sum float64
		for c := 0; c < channels; c++ {
			sum += convert(frame[c*width : (c+1)*width])
		}
		samples[i] = float32(sum / float64(channels))
	}

	return SampleBuffer{Samples: samples, SampleRate: int(d.SampleRate)}, nil
}

func sampleConverter(format uint16, bitDepth uint16) (func([]byte) float64, error) {
	switch format {
	case formatPCM:
		switch bitDepth {
		case 8:
			return func(b []byte) float64 { return (float64(b[0]) - 128) / 128 }, nil
		case 16:
			return func(b []byte) float64 {
				return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
			}, nil
		case 24:
			return func(b []byte) float64 {
				v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
				if v&0x800000 != 0 {
					v |= ^0xFFFFFF
				}
				return float64(v) / 8388608
			}, nil
		case 32:
			return func(b []byte) float64 {
				return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
			}, nil
		}
	case formatIEEEFloat:
		switch bitDepth {
		case 32:
			return func(b []byte) float64 {
				return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			}, nil
		case 64:
			return func(b []byte) float64 {
				return math.Float64frombits(binary.LittleEndian.Uint64(b))
			}, nil
		}
	case formatExtensible:
		return nil, &DecodeError{Err: ErrUnsupportedFormat, Detail: "WAVE_FORMAT_EXTENSIBLE"}
	}
	return nil, &DecodeError{
		Err:    ErrUnsupportedFormat,
		Detail: fmt.Sprintf("format %d with %d bits per sample", format, bitDepth),
	}
}

// declaredDataSize re-reads the data chunk's size field. The riff parser
// rounds odd sizes up to the word boundary, which would pull the pad byte
// into the samples. r must be positioned at the start of the chunk data and
// is left there.
func declaredDataSize(r io.ReadSeeker) (int64, error) {
	if _, err := r.Seek(-4, io.SeekCurrent); err != nil {
		return 0, fmt.Errorf("seek data chunk header: %w", err)
	}
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return 0, fmt.Errorf("read data chunk size: %w", err)
	}
	return int64(size), nil
}

func remainingBytes(r io.ReadSeeker) (int64, bool) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, false
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, false
	}
	return end - cur, true
}
