package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

var errNoEngine = errors.New("no engine loaded")

type pipelineDoneMsg struct {
	cycle     uint64
	sessionID string
	stage     string
	text      string
	err       error
	elapsed   time.Duration
}

// startPipeline decodes and transcribes handle on a worker goroutine. The
// state must already be recorded(handle); the result comes back through the
// mailbox.
func (m *Machine) startPipeline(ctx context.Context, handle recorder.Handle) {
	m.busy = true
	m.cycle++
	cycle := m.cycle
	eng := m.engine

	go func() {
		started := time.Now()
		stage, text, err := m.runPipeline(ctx, eng, handle)
		m.post(ctx, pipelineDoneMsg{
			cycle:     cycle,
			sessionID: handle.SessionID,
			stage:     stage,
			text:      text,
			err:       err,
			elapsed:   time.Since(started),
		})
	}()
}

func (m *Machine) runPipeline(ctx context.Context, eng engine.Engine, handle recorder.Handle) (string, string, error) {
	log := m.log.With(slog.String("session_id", handle.SessionID))
	attrs := trace.WithAttributes(attribute.String("session_id", handle.SessionID))

	if err := m.opts.Player.Play(handle.Location); err != nil {
		log.Warn("playback failed", slog.String("error", err.Error()))
	}

	_, decodeSpan := m.tracer.Start(ctx, "scribe.decode", attrs)
	buf, err := m.opts.Decode(handle.Location)
	if err != nil {
		decodeSpan.RecordError(err)
		decodeSpan.SetStatus(codes.Error, err.Error())
		decodeSpan.End()
		return "decode", "", err
	}
	decodeSpan.SetAttributes(
		attribute.Int("samples", len(buf.Samples)),
		attribute.Int("sample_rate", buf.SampleRate))
	decodeSpan.End()

	if eng == nil {
		return "transcribe", "", errNoEngine
	}

	tctx := ctx
	if m.opts.TranscribeTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, m.opts.TranscribeTimeout)
		defer cancel()
	}
	tctx, span := m.tracer.Start(tctx, "scribe.transcribe", attrs)
	defer span.End()
	text, err := eng.Transcribe(tctx, buf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "transcribe", "", err
	}
	log.Debug("transcription complete", slog.Float64("audio_seconds", buf.Duration()), slog.Int("chars", len(text)))
	return "transcribe", text, nil
}

func (m *Machine) onPipelineDone(msg pipelineDoneMsg) {
	if msg.cycle == m.cycle {
		m.busy = false
	}
	outcome := "ok"
	if msg.err != nil {
		outcome = msg.stage + "_error"
	}
	m.pipelineDur.Record(context.Background(), msg.elapsed.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))

	current := m.container.Current()
	if current.Kind != state.KindRecorded || current.SessionID() != msg.sessionID {
		m.log.Info("dropping stale pipeline result",
			slog.String("session_id", msg.sessionID),
			slog.String("state", current.String()))
		return
	}
	if msg.err != nil {
		m.log.Warn("transcription failed",
			slog.String("session_id", msg.sessionID),
			slog.String("stage", msg.stage),
			slog.String("error", msg.err.Error()))
		m.set(state.TranscribingError(msg.err.Error()))
		return
	}
	m.set(state.Transcribed(msg.text))
}
