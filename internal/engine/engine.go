package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

var (
	ErrModelMissing       = errors.New("model file not found")
	ErrModelInvalid       = errors.New("model file invalid")
	ErrBackendUnavailable = errors.New("engine backend not available in this build")
	ErrClosed             = errors.New("engine closed")
)

// Engine turns a mono sample buffer into text.
type Engine interface {
	Transcribe(ctx context.Context, buf wave.SampleBuffer) (string, error)
	Close() error
}

// New verifies the configured model and builds the backend for cfg.Mode. The
// returned engine is always Serialized.
func New(cfg config.EngineConfig, log *slog.Logger) (Engine, error) {
	log = log.With(slog.String("component", "engine"), slog.String("mode", cfg.Mode))

	if cfg.ModelPath != "" || cfg.Mode == "whisper" {
		if err := checkModel(cfg.ModelPath); err != nil {
			return nil, err
		}
	}

	var (
		inner Engine
		err   error
	)
	switch cfg.Mode {
	case "", "mock":
		inner = NewMock(cfg.Silence)
	case "exec":
		inner, err = NewExec(cfg)
	case "http":
		inner, err = NewHTTP(cfg)
	case "whisper":
		inner, err = newWhisper(cfg, log)
	default:
		err = fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	log.Info("engine ready", slog.String("model_path", cfg.ModelPath))
	return NewSerialized(inner), nil
}

func checkModel(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no model path configured", ErrModelMissing)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrModelMissing, path)
		}
		return fmt.Errorf("%w: %v", ErrModelInvalid, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrModelInvalid, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrModelInvalid, path)
	}
	return nil
}

// Serialized allows at most one Transcribe call in flight on the wrapped
// engine.
type Serialized struct {
	mu     sync.Mutex
	inner  Engine
	closed bool
}

func NewSerialized(inner Engine) *Serialized {
	if s, ok := inner.(*Serialized); ok {
		return s
	}
	return &Serialized{inner: inner}
}

func (s *Serialized) Transcribe(ctx context.Context, buf wave.SampleBuffer) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.inner.Transcribe(ctx, buf)
}

func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}
