package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

type message any

type commandKind string

const (
	cmdToggle commandKind = "toggle"
	cmdStop   commandKind = "stop"
	cmdSample commandKind = "sample"
	cmdReload commandKind = "reload"
)

type commandMsg struct {
	kind     commandKind
	sampleID string
	reply    chan reply
}

type reply struct {
	state state.State
	err   error
}

type notificationMsg struct {
	n recorder.Notification
}

type modelLoadedMsg struct {
	gen uint64
	eng engine.Engine
	err error
}

// ToggleRecording stops an active recording or starts a new one. A stop is
// only requested here; the state stays recording until the device reports
// completion.
func (m *Machine) ToggleRecording(ctx context.Context) (state.State, error) {
	return m.command(ctx, commandMsg{kind: cmdToggle})
}

// StopRecording requests a stop and is a no-op when nothing is recording.
func (m *Machine) StopRecording(ctx context.Context) (state.State, error) {
	return m.command(ctx, commandMsg{kind: cmdStop})
}

// TranscribeSample runs the pipeline over the fixed sample id.
func (m *Machine) TranscribeSample(ctx context.Context, id string) (state.State, error) {
	return m.command(ctx, commandMsg{kind: cmdSample, sampleID: id})
}

// ReloadModel rebuilds the engine. It is the recovery path out of
// model_load_error and is refused while a cycle is in progress.
func (m *Machine) ReloadModel(ctx context.Context) (state.State, error) {
	return m.command(ctx, commandMsg{kind: cmdReload})
}

// Wait blocks until pred holds for the current or a later state.
func (m *Machine) Wait(ctx context.Context, pred func(state.State) bool) (state.State, error) {
	sub := m.container.Subscribe()
	defer sub.Close()
	for {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return m.State(), ErrStopped
			}
			if pred(s) {
				return s, nil
			}
		case <-ctx.Done():
			return m.State(), ctx.Err()
		}
	}
}

func (m *Machine) command(ctx context.Context, cmd commandMsg) (state.State, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case <-m.done:
		return m.State(), ErrStopped
	default:
	}
	select {
	case m.mailbox <- cmd:
	case <-ctx.Done():
		return m.State(), ctx.Err()
	case <-m.done:
		return m.State(), ErrStopped
	}
	select {
	case r := <-cmd.reply:
		return r.state, r.err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	case <-m.done:
		select {
		case r := <-cmd.reply:
			return r.state, r.err
		default:
			return m.State(), ErrStopped
		}
	}
}

func (m *Machine) handle(ctx context.Context, msg message) {
	switch msg := msg.(type) {
	case commandMsg:
		msg.reply <- m.apply(ctx, msg)
	case notificationMsg:
		m.onNotification(ctx, msg.n)
	case modelLoadedMsg:
		m.onModelLoaded(msg)
	case pipelineDoneMsg:
		m.onPipelineDone(msg)
	default:
		m.log.Warn("unknown mailbox message", slog.Any("message", msg))
	}
}

func (m *Machine) apply(ctx context.Context, cmd commandMsg) reply {
	current := m.container.Current()
	switch cmd.kind {
	case cmdToggle:
		if current.Kind == state.KindRecording {
			m.requestStop()
			return reply{state: current}
		}
		if !m.idle() {
			return reply{state: current, err: m.reject(string(cmd.kind))}
		}
		m.startRecording(ctx)
	case cmdStop:
		if current.Kind == state.KindRecording {
			m.requestStop()
		}
	case cmdSample:
		if !m.idle() {
			return reply{state: current, err: m.reject(string(cmd.kind))}
		}
		m.transcribeSample(ctx, cmd.sampleID)
	case cmdReload:
		if current.Kind != state.KindModelLoadError && !m.idle() {
			return reply{state: current, err: m.reject(string(cmd.kind))}
		}
		m.startLoad(ctx)
	}
	return reply{state: m.container.Current()}
}

func (m *Machine) startRecording(ctx context.Context) {
	m.opts.Player.Stop()
	handle, err := m.opts.Recorder.Start(ctx, m.opts.OutputPath, m.opts.Format)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, recorder.ErrPermissionDenied) {
			reason = recorder.ErrPermissionDenied.Error()
		}
		m.log.Warn("recording failed to start", slog.String("error", err.Error()))
		m.set(state.RecordingError(reason))
		return
	}
	m.activeSession = handle.SessionID
	m.set(state.Recording(handle))
}

func (m *Machine) requestStop() {
	if err := m.opts.Recorder.Stop(); err != nil {
		// ErrNotRecording means the device already finished and its
		// notification is queued behind this command.
		if !errors.Is(err, recorder.ErrNotRecording) {
			m.log.Warn("stop recording failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Machine) transcribeSample(ctx context.Context, id string) {
	path, err := m.opts.Samples.Lookup(id)
	if err != nil {
		m.log.Warn("sample unavailable", slog.String("sample", id), slog.String("error", err.Error()))
		m.set(state.SampleLoadError())
		return
	}
	handle := recorder.Handle{
		SessionID: newSessionID(),
		Location:  path,
		StartedAt: time.Now().UTC(),
	}
	m.set(state.Recorded(handle))
	m.startPipeline(ctx, handle)
}

func (m *Machine) onNotification(ctx context.Context, n recorder.Notification) {
	current := m.container.Current()
	log := m.log.With(slog.String("session_id", n.Handle.SessionID), slog.String("kind", string(n.Kind)))

	switch n.Kind {
	case recorder.NotificationFinished:
		if current.Kind != state.KindRecording || current.SessionID() != n.Handle.SessionID {
			log.Info("ignoring stale recording notification", slog.String("state", current.String()))
			if n.Handle.SessionID == m.activeSession {
				m.activeSession = ""
			}
			return
		}
		m.activeSession = ""
		if !n.Successful {
			reason := n.Reason
			if reason == "" {
				reason = recordingUnfinished
			}
			log.Warn("recording did not finish", slog.String("reason", reason))
			m.set(state.RecordingError(reason))
			return
		}
		handle := *current.Handle
		m.set(state.Recorded(handle))
		m.startPipeline(ctx, handle)
	case recorder.NotificationEncodeError:
		if n.Handle.SessionID == "" || n.Handle.SessionID != m.activeSession {
			log.Info("ignoring stale encode error", slog.String("reason", n.Reason))
			return
		}
		m.activeSession = ""
		reason := n.Reason
		if reason == "" {
			reason = "encode error"
		}
		log.Warn("recording encode error", slog.String("reason", reason))
		m.set(state.RecordingError(reason))
	default:
		log.Warn("unknown recorder notification")
	}
}

func (m *Machine) startLoad(ctx context.Context) {
	m.loadGen++
	gen := m.loadGen
	if m.container.Current().Kind != state.KindLoadingModel {
		m.set(state.LoadingModel())
	}
	go func() {
		eng, err := m.opts.NewEngine(ctx)
		if !m.post(ctx, modelLoadedMsg{gen: gen, eng: eng, err: err}) && eng != nil {
			_ = eng.Close()
		}
	}()
}

func (m *Machine) onModelLoaded(msg modelLoadedMsg) {
	if msg.gen != m.loadGen {
		if msg.eng != nil {
			_ = msg.eng.Close()
		}
		return
	}
	if msg.err != nil {
		reason := msg.err.Error()
		if errors.Is(msg.err, engine.ErrModelMissing) {
			reason = ""
		}
		m.log.Error("model load failed", slog.String("error", msg.err.Error()))
		m.closeEngine()
		m.set(state.ModelLoadError(reason))
		return
	}
	m.closeEngine()
	m.engine = msg.eng
	m.set(state.Transcribed(""))
}
