package recorder

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-scribe/internal/wave"
)

// captureScript emits two s16le samples (0.5, -0.5) and idles until SIGINT.
const captureScript = `#!/usr/bin/env bash
trap 'exit 0' INT
printf '\x00\x40\x00\xc0'
while true; do sleep 0.05; done
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func newTestRecorder(t *testing.T, script string, permission Permission) *FFmpegRecorder {
	t.Helper()
	rec, err := NewFFmpegRecorder(FFmpegConfig{
		Command:      script,
		StopGrace:    2 * time.Second,
		StartupProbe: 150 * time.Millisecond,
	}, permission, testLogger())
	require.NoError(t, err)
	t.Cleanup(rec.Close)
	return rec
}

func pcm16(t *testing.T) wave.Format {
	t.Helper()
	format, err := wave.FormatFor(wave.EncodingPCM16, 16000)
	require.NoError(t, err)
	return format
}

func awaitNotification(t *testing.T, rec Recorder) Notification {
	t.Helper()
	select {
	case n := <-rec.Notifications():
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recorder notification")
		return Notification{}
	}
}

func TestFFmpegRecorderStartStop(t *testing.T) {
	t.Parallel()
	requireBash(t)

	rec := newTestRecorder(t, writeScript(t, "capture.sh", captureScript), StaticPermission(true))
	dest := filepath.Join(t.TempDir(), "out.wav")

	handle, err := rec.Start(context.Background(), dest, pcm16(t))
	require.NoError(t, err)
	assert.Equal(t, dest, handle.Location)
	assert.NotEmpty(t, handle.SessionID)
	assert.Equal(t, 1, handle.Format.Channels)

	_, err = rec.Start(context.Background(), dest, pcm16(t))
	require.ErrorIs(t, err, ErrAlreadyRecording)

	require.NoError(t, rec.Stop())
	n := awaitNotification(t, rec)
	assert.Equal(t, NotificationFinished, n.Kind)
	assert.True(t, n.Successful, n.Reason)
	assert.Equal(t, handle.SessionID, n.Handle.SessionID)

	decoded, err := wave.Decode(dest)
	require.NoError(t, err)
	require.Len(t, decoded.Samples, 2)
	assert.InDelta(t, 0.5, decoded.Samples[0], 1e-4)
	assert.InDelta(t, -0.5, decoded.Samples[1], 1e-4)

	require.ErrorIs(t, rec.Stop(), ErrNotRecording)
}

func TestFFmpegRecorderEarlyExit(t *testing.T) {
	t.Parallel()
	requireBash(t)

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'boom' 1>&2\nexit 1\n")
	rec, err := NewFFmpegRecorder(FFmpegConfig{Command: script, StartupProbe: time.Second}, nil, testLogger())
	require.NoError(t, err)

	_, err = rec.Start(context.Background(), filepath.Join(t.TempDir(), "out.wav"), pcm16(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before recording started")
	assert.Contains(t, err.Error(), "boom")
}

func TestFFmpegRecorderSpontaneousFailure(t *testing.T) {
	t.Parallel()
	requireBash(t)

	script := writeScript(t, "die.sh", "#!/usr/bin/env bash\nprintf '\\x00\\x40'\nsleep 0.5\nexit 3\n")
	rec := newTestRecorder(t, script, StaticPermission(true))

	_, err := rec.Start(context.Background(), filepath.Join(t.TempDir(), "out.wav"), pcm16(t))
	require.NoError(t, err)

	n := awaitNotification(t, rec)
	assert.Equal(t, NotificationFinished, n.Kind)
	assert.False(t, n.Successful)
	assert.NotEmpty(t, n.Reason)
}

func TestFFmpegRecorderPermissionDenied(t *testing.T) {
	t.Parallel()
	requireBash(t)

	marker := filepath.Join(t.TempDir(), "started")
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\ntouch '"+marker+"'\nsleep 1\n")
	rec := newTestRecorder(t, script, StaticPermission(false))

	dest := filepath.Join(t.TempDir(), "out.wav")
	_, err := rec.Start(context.Background(), dest, pcm16(t))
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, statErr := os.Stat(marker)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	_, statErr = os.Stat(dest)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestFFmpegRecorderRejectsEmptyCommand(t *testing.T) {
	t.Parallel()

	_, err := NewFFmpegRecorder(FFmpegConfig{Command: "   "}, nil, testLogger())
	require.Error(t, err)
}

func TestStoppedBySignal(t *testing.T) {
	t.Parallel()
	requireBash(t)

	assert.True(t, stoppedBySignal(nil))
	assert.True(t, stoppedBySignal(exec.Command("bash", "-c", "exit 255").Run()))
	assert.True(t, stoppedBySignal(exec.Command("bash", "-c", "kill -KILL $$").Run()))
	assert.False(t, stoppedBySignal(exec.Command("bash", "-c", "exit 1").Run()))
	assert.False(t, stoppedBySignal(os.ErrClosed))
}

func TestFFmpegRecorderCrashBeforeStopIsUnsuccessful(t *testing.T) {
	t.Parallel()
	requireBash(t)

	script := writeScript(t, "crash.sh", "#!/usr/bin/env bash\ntrap 'echo \"device lost\" 1>&2; exit 3' INT\nwhile true; do sleep 0.05; done\n")
	rec := newTestRecorder(t, script, StaticPermission(true))

	_, err := rec.Start(context.Background(), filepath.Join(t.TempDir(), "out.wav"), pcm16(t))
	require.NoError(t, err)
	require.NoError(t, rec.Stop())

	n := awaitNotification(t, rec)
	assert.Equal(t, NotificationFinished, n.Kind)
	assert.False(t, n.Successful)
	assert.Contains(t, n.Reason, "exit status 3")
	assert.Contains(t, n.Reason, "device lost")
}

func TestTrimSpaceSafe(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hi", trimSpaceSafe("  hi\n"))
	assert.Equal(t, "", trimSpaceSafe(""))
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o700))
	return path
}
