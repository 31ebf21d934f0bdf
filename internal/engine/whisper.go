//go:build whisper

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

// whisperEngine runs whisper.cpp in-process. The model is loaded once and a
// fresh context is created per buffer.
type whisperEngine struct {
	model    whisper.Model
	language string
	threads  int
	log      *slog.Logger
}

func newWhisper(cfg config.EngineConfig, log *slog.Logger) (Engine, error) {
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrModelInvalid, cfg.ModelPath, err)
	}
	return &whisperEngine{model: model, language: cfg.Language, threads: cfg.Threads, log: log}, nil
}

func (w *whisperEngine) Transcribe(ctx context.Context, buf wave.SampleBuffer) (string, error) {
	if buf.SampleRate != whisper.SampleRate {
		return "", fmt.Errorf("whisper expects %d Hz audio, got %d Hz", whisper.SampleRate, buf.SampleRate)
	}
	wctx, err := w.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if w.language != "" && w.model.IsMultilingual() {
		if err := wctx.SetLanguage(w.language); err != nil {
			return "", fmt.Errorf("set language %q: %w", w.language, err)
		}
	}
	if w.threads > 0 {
		wctx.SetThreads(uint(w.threads))
	}

	abort := func() bool { return ctx.Err() != nil }
	if err := wctx.Process(buf.Samples, func() bool { return !abort() }, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("next segment: %w", err)
		}
		w.log.Debug("segment",
			slog.Int("num", seg.Num),
			slog.Duration("start", seg.Start),
			slog.Duration("end", seg.End),
			slog.String("text", seg.Text))
		segments = append(segments, seg.Text)
	}
	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

func (w *whisperEngine) Close() error {
	return w.model.Close()
}
