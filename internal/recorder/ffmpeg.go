package recorder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-scribe/internal/wave"
)

// FFmpegConfig describes how the capture process is launched.
type FFmpegConfig struct {
	Command      string
	InputFormat  string
	InputDevice  string
	StopGrace    time.Duration
	StartupProbe time.Duration
}

// FFmpegRecorder captures raw PCM from ffmpeg's stdout and encodes it into a
// wave file at the requested destination.
type FFmpegRecorder struct {
	cfg        FFmpegConfig
	base       []string
	permission Permission
	log        *slog.Logger
	notify     chan Notification
	clock      func() time.Time

	mu      sync.Mutex
	granted bool
	current *captureSession
}

type captureSession struct {
	handle  Handle
	process *os.Process
	stderr  *bytes.Buffer

	stopRequested atomic.Bool
	stopOnce      sync.Once
	result        chan Notification
	done          chan struct{}
}

func NewFFmpegRecorder(cfg FFmpegConfig, permission Permission, log *slog.Logger) (*FFmpegRecorder, error) {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 1200 * time.Millisecond
	}
	if cfg.StartupProbe <= 0 {
		cfg.StartupProbe = 250 * time.Millisecond
	}
	if permission == nil {
		permission = StaticPermission(true)
	}

	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recorder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recorder command is empty")
	}

	return &FFmpegRecorder{
		cfg:        cfg,
		base:       args,
		permission: permission,
		log:        log.With(slog.String("component", "recorder")),
		notify:     make(chan Notification, 4),
		clock:      time.Now,
	}, nil
}

func (r *FFmpegRecorder) Notifications() <-chan Notification {
	return r.notify
}

func (r *FFmpegRecorder) Start(ctx context.Context, dest string, format wave.Format) (Handle, error) {
	if err := r.requestPermission(ctx); err != nil {
		return Handle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return Handle{}, ErrAlreadyRecording
	}

	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	format.Channels = 1

	file, err := os.Create(dest)
	if err != nil {
		return Handle{}, fmt.Errorf("create recording file: %w", err)
	}
	writer, err := wave.NewWriter(file, format)
	if err != nil {
		_ = file.Close()
		return Handle{}, err
	}

	rawFormat := "s16le"
	if format.Encoding == wave.EncodingFloat32 {
		rawFormat = "f32le"
	}
	args := append([]string{}, r.base[1:]...)
	args = append(args,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", r.cfg.InputFormat,
		"-i", r.cfg.InputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", rawFormat,
		"-",
	)

	cmd := exec.Command(r.base[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = file.Close()
		return Handle{}, fmt.Errorf("failed to create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = file.Close()
		return Handle{}, fmt.Errorf("failed to start capture: %w", err)
	}

	session := &captureSession{
		handle: Handle{
			SessionID: uuid.NewString(),
			Location:  dest,
			Format:    format,
			StartedAt: r.clock().UTC(),
		},
		process: cmd.Process,
		stderr:  &stderr,
		result:  make(chan Notification, 1),
		done:    make(chan struct{}),
	}
	go session.monitor(cmd, stdout, writer, file)

	select {
	case res := <-session.result:
		<-session.done
		detail := trimSpaceSafe(stderr.String())
		if res.Kind == NotificationEncodeError {
			detail = res.Reason
		}
		if detail != "" {
			return Handle{}, fmt.Errorf("capture exited before recording started: %s", detail)
		}
		return Handle{}, errors.New("capture exited before recording started")
	case <-ctx.Done():
		session.stop(r.cfg.StopGrace)
		<-session.done
		return Handle{}, ctx.Err()
	case <-time.After(r.cfg.StartupProbe):
	}

	r.current = session
	go r.forward(session)

	r.log.Info("recording started",
		slog.String("session_id", session.handle.SessionID),
		slog.String("location", dest),
		slog.String("encoding", format.Encoding),
		slog.Int("sample_rate", format.SampleRate))
	return session.handle, nil
}

func (r *FFmpegRecorder) Stop() error {
	r.mu.Lock()
	session := r.current
	r.mu.Unlock()
	if session == nil {
		return ErrNotRecording
	}
	session.stop(r.cfg.StopGrace)
	return nil
}

// Close stops any active capture and waits for it to exit.
func (r *FFmpegRecorder) Close() {
	r.mu.Lock()
	session := r.current
	r.mu.Unlock()
	if session == nil {
		return
	}
	session.stop(r.cfg.StopGrace)
	<-session.done
}

func (r *FFmpegRecorder) requestPermission(ctx context.Context) error {
	r.mu.Lock()
	granted := r.granted
	r.mu.Unlock()
	if granted {
		return nil
	}

	ok, err := r.permission.RequestRecordPermission(ctx)
	if err != nil {
		return fmt.Errorf("request record permission: %w", err)
	}
	if !ok {
		return ErrPermissionDenied
	}

	r.mu.Lock()
	r.granted = true
	r.mu.Unlock()
	return nil
}

func (r *FFmpegRecorder) forward(session *captureSession) {
	res := <-session.result
	<-session.done

	r.mu.Lock()
	if r.current == session {
		r.current = nil
	}
	r.mu.Unlock()

	r.log.Info("recording finished",
		slog.String("session_id", res.Handle.SessionID),
		slog.String("kind", string(res.Kind)),
		slog.Bool("successful", res.Successful))
	r.notify <- res
}

func (s *captureSession) stop(grace time.Duration) {
	s.stopOnce.Do(func() {
		s.stopRequested.Store(true)
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}
		go func() {
			select {
			case <-s.done:
			case <-time.After(grace):
				if s.process != nil {
					_ = s.process.Kill()
				}
			}
		}()
	})
}

func (s *captureSession) monitor(cmd *exec.Cmd, stdout io.ReadCloser, writer *wave.Writer, file *os.File) {
	defer close(s.done)

	pumpErr := pump(stdout, writer)
	if pumpErr != nil && s.process != nil {
		_ = s.process.Kill()
	}
	waitErr := cmd.Wait()
	closeErr := writer.Close()
	if err := file.Close(); err != nil && closeErr == nil {
		closeErr = err
	}

	res := Notification{Handle: s.handle}
	switch {
	case pumpErr != nil:
		res.Kind = NotificationEncodeError
		res.Reason = pumpErr.Error()
	case closeErr != nil:
		res.Kind = NotificationEncodeError
		res.Reason = closeErr.Error()
	case s.stopRequested.Load():
		res.Kind = NotificationFinished
		res.Successful = stoppedBySignal(waitErr)
		if !res.Successful {
			res.Reason = fmt.Sprintf("%v: %s", waitErr, trimSpaceSafe(s.stderr.String()))
		}
	default:
		// Exited on its own: only a clean exit counts as a finished recording.
		res.Kind = NotificationFinished
		res.Successful = waitErr == nil
		if waitErr != nil {
			res.Reason = fmt.Sprintf("%v: %s", waitErr, trimSpaceSafe(s.stderr.String()))
		}
	}
	s.result <- res
}

// pump copies raw little-endian PCM into the wave writer, carrying partial
// samples across reads.
func pump(stdout io.Reader, writer *wave.Writer) error {
	width := 2
	if writer.Format().Encoding == wave.EncodingFloat32 {
		width = 4
	}
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			aligned := len(chunk) - len(chunk)%width
			if aligned > 0 {
				if werr := writeRaw(writer, chunk[:aligned], width); werr != nil {
					return werr
				}
			}
			carry = append([]byte(nil), chunk[aligned:]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read capture stream: %w", err)
		}
	}
}

func writeRaw(writer *wave.Writer, data []byte, width int) error {
	if width == 2 {
		return writer.WritePCM16(data)
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return writer.WriteSamples(samples)
}

// stoppedBySignal reports whether a capture we asked to stop exited because
// of that request: cleanly, killed by a signal, or with ffmpeg's 255 exit
// status for an interrupted run. Any other exit code means it failed on its
// own before the signal landed.
func stoppedBySignal(err error) bool {
	if err == nil {
		return true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	code := exitErr.ExitCode()
	return code == -1 || code == 255
}

func trimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
