package engine

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/wave"
)

type mockEngine struct {
	silence float64
}

// NewMock returns a deterministic engine: silence (peak at or below the
// threshold) transcribes to "", anything else to a summary of the buffer.
func NewMock(silence float64) Engine {
	return &mockEngine{silence: silence}
}

func (m *mockEngine) Transcribe(_ context.Context, buf wave.SampleBuffer) (string, error) {
	if float64(buf.Peak()) <= m.silence {
		return "", nil
	}
	return fmt.Sprintf("[transcript samples=%d rms=%.3f]", len(buf.Samples), buf.RMS()), nil
}

func (m *mockEngine) Close() error { return nil }
