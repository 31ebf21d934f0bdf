package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

var (
	ErrCommandUnavailable = errors.New("command unavailable in current state")
	ErrStopped            = errors.New("orchestrator stopped")
)

const recordingUnfinished = "recording did not finish successfully"

// EngineFactory builds the transcription engine from the configured model.
type EngineFactory func(ctx context.Context) (engine.Engine, error)

// SampleSource resolves a fixed sample identifier to a wave file.
type SampleSource interface {
	Lookup(id string) (string, error)
}

type Options struct {
	Recorder  recorder.Recorder
	Player    recorder.Player
	Samples   SampleSource
	NewEngine EngineFactory
	// Decode defaults to wave.Decode.
	Decode func(path string) (wave.SampleBuffer, error)

	OutputPath        string
	Format            wave.Format
	TranscribeTimeout time.Duration
	MailboxSize       int
	Logger            *slog.Logger
}

// Machine owns the published state. Commands, recorder notifications and
// worker results are all messages consumed by Run; nothing else writes to
// the container.
type Machine struct {
	opts      Options
	log       *slog.Logger
	container *state.Container
	mailbox   chan message
	done      chan struct{}

	// Owned by the Run goroutine.
	engine        engine.Engine
	activeSession string
	busy          bool
	cycle         uint64
	loadGen       uint64

	tracer      trace.Tracer
	transitions metric.Int64Counter
	pipelineDur metric.Float64Histogram
	rejected    metric.Int64Counter
}

func New(opts Options) (*Machine, error) {
	if opts.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if opts.NewEngine == nil {
		return nil, errors.New("engine factory is required")
	}
	if opts.Samples == nil {
		return nil, errors.New("sample source is required")
	}
	if opts.OutputPath == "" {
		return nil, errors.New("output path is required")
	}
	if opts.Player == nil {
		opts.Player = recorder.NopPlayer{}
	}
	if opts.Decode == nil {
		opts.Decode = wave.Decode
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Machine{
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "orchestrator")),
		container: state.NewContainer(state.LoadingModel()),
		mailbox:   make(chan message, opts.MailboxSize),
		done:      make(chan struct{}),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-scribe/orchestrator"),
	}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/orchestrator")
	var err error
	m.transitions, err = meter.Int64Counter("scribe.state.transitions",
		metric.WithDescription("State transitions by target kind"))
	if err != nil {
		return fmt.Errorf("create transitions counter: %w", err)
	}
	m.pipelineDur, err = meter.Float64Histogram("scribe.pipeline.duration",
		metric.WithDescription("Decode plus transcribe latency"),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("create pipeline histogram: %w", err)
	}
	m.rejected, err = meter.Int64Counter("scribe.commands.rejected",
		metric.WithDescription("Commands rejected in the current state"))
	if err != nil {
		return fmt.Errorf("create rejected counter: %w", err)
	}
	return nil
}

func (m *Machine) State() state.State { return m.container.Current() }

func (m *Machine) Container() *state.Container { return m.container }

func (m *Machine) Subscribe() *state.Subscription { return m.container.Subscribe() }

// Run loads the model and processes messages until ctx is cancelled. An
// active recording is stopped, the engine closed and every subscription
// ended on the way out.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)

	go m.forwardNotifications(ctx)
	m.startLoad(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case msg := <-m.mailbox:
			m.handle(ctx, msg)
		}
	}
}

func (m *Machine) shutdown() {
	if m.container.Current().Kind == state.KindRecording {
		if err := m.opts.Recorder.Stop(); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
			m.log.Warn("stop recording on shutdown failed", slog.String("error", err.Error()))
		}
	}
	m.opts.Player.Stop()
	m.closeEngine()
	m.container.Close()
}

func (m *Machine) closeEngine() {
	if m.engine == nil {
		return
	}
	if err := m.engine.Close(); err != nil {
		m.log.Warn("close engine failed", slog.String("error", err.Error()))
	}
	m.engine = nil
}

func (m *Machine) forwardNotifications(ctx context.Context) {
	notes := m.opts.Recorder.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if !m.post(ctx, notificationMsg{n}) {
				return
			}
		}
	}
}

// post enqueues an internal message; it gives up once Run has exited.
func (m *Machine) post(ctx context.Context, msg message) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.mailbox <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
}

func (m *Machine) set(s state.State) {
	prev := m.container.Current()
	if err := m.container.Set(s); err != nil {
		m.log.Error("refusing invalid state", slog.String("state", s.String()), slog.String("error", err.Error()))
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(s.Kind))))
	m.log.Info("state transition",
		slog.String("from", string(prev.Kind)),
		slog.String("to", s.String()))
}

func (m *Machine) reject(command string) error {
	current := m.container.Current()
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("kind", string(current.Kind))))
	m.log.Debug("command rejected", slog.String("command", command), slog.String("state", current.String()))
	return fmt.Errorf("%w: %s while %s", ErrCommandUnavailable, command, current.Kind)
}

// idle reports whether a new cycle may start now.
func (m *Machine) idle() bool {
	return !m.busy && m.container.Current().CanStartCycle()
}

func newSessionID() string { return uuid.NewString() }
