package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toneBuffer() wave.SampleBuffer {
	samples := make([]float32, 1600)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	return wave.SampleBuffer{Samples: samples, SampleRate: 16000}
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ggml-test.bin")
	require.NoError(t, os.WriteFile(path, []byte("lmgg"), 0o600))
	return path
}

func TestMockEngine(t *testing.T) {
	t.Parallel()

	e := NewMock(1e-4)
	text, err := e.Transcribe(context.Background(), wave.SampleBuffer{Samples: make([]float32, 16000), SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "", text)

	text, err = e.Transcribe(context.Background(), toneBuffer())
	require.NoError(t, err)
	assert.Equal(t, "[transcript samples=1600 rms=0.500]", text)
}

func TestNewChecksModelFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := New(config.EngineConfig{Mode: "mock", ModelPath: filepath.Join(dir, "missing.bin")}, testLogger())
	require.ErrorIs(t, err, ErrModelMissing)

	empty := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = New(config.EngineConfig{Mode: "mock", ModelPath: empty}, testLogger())
	require.ErrorIs(t, err, ErrModelInvalid)

	_, err = New(config.EngineConfig{Mode: "mock", ModelPath: dir}, testLogger())
	require.ErrorIs(t, err, ErrModelInvalid)

	e, err := New(config.EngineConfig{Mode: "mock", ModelPath: writeModel(t)}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &Serialized{}, e)
	require.NoError(t, e.Close())
}

func TestNewMockWithoutModel(t *testing.T) {
	t.Parallel()

	e, err := New(config.EngineConfig{Mode: "mock"}, testLogger())
	require.NoError(t, err)
	defer e.Close()
}

func TestNewWhisperRequiresModel(t *testing.T) {
	t.Parallel()

	_, err := New(config.EngineConfig{Mode: "whisper"}, testLogger())
	require.ErrorIs(t, err, ErrModelMissing)
}

func TestNewUnknownMode(t *testing.T) {
	t.Parallel()

	_, err := New(config.EngineConfig{Mode: "telepathy"}, testLogger())
	require.Error(t, err)
}

func TestExecEngine(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	script := filepath.Join(dir, "transcribe.sh")
	body := "#!/usr/bin/env bash\necho \"$@\" > '" + argsFile + "'\necho '{\"text\": \" hello world \"}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o700))

	e, err := NewExec(config.EngineConfig{Command: script, ModelPath: "/models/m.bin", Language: "en", Threads: 2})
	require.NoError(t, err)

	text, err := e.Transcribe(context.Background(), toneBuffer())
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--audio ")
	assert.Contains(t, string(args), "--model /models/m.bin --language en --threads 2")
}

func TestExecEngineFailure(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	script := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/usr/bin/env bash\necho nope 1>&2\nexit 2\n"), 0o700))

	e, err := NewExec(config.EngineConfig{Command: script})
	require.NoError(t, err)
	_, err = e.Transcribe(context.Background(), toneBuffer())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestParseExecOutput(t *testing.T) {
	t.Parallel()

	text, err := parseExecOutput([]byte("  plain words\n"))
	require.NoError(t, err)
	assert.Equal(t, "plain words", text)

	_, err = parseExecOutput([]byte("{broken"))
	require.Error(t, err)
}

func TestHTTPEngine(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if len(data) < 4 || string(data[:4]) != "RIFF" || r.FormValue("model") != "whisper-1" || r.FormValue("language") != "en" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" ask not "}`))
	}))
	defer srv.Close()

	e, err := NewHTTP(config.EngineConfig{Endpoint: srv.URL, Model: "whisper-1", TimeoutMS: 5000})
	require.NoError(t, err)
	defer e.Close()

	text, err := e.Transcribe(context.Background(), toneBuffer())
	require.NoError(t, err)
	assert.Equal(t, "ask not", text)
}

func TestHTTPEngineStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, err := NewHTTP(config.EngineConfig{Endpoint: srv.URL, TimeoutMS: 5000})
	require.NoError(t, err)
	_, err = e.Transcribe(context.Background(), toneBuffer())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type countingEngine struct {
	inflight atomic.Int32
	maxSeen  atomic.Int32
	closed   atomic.Int32
}

func (c *countingEngine) Transcribe(context.Context, wave.SampleBuffer) (string, error) {
	n := c.inflight.Add(1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	c.inflight.Add(-1)
	return "ok", nil
}

func (c *countingEngine) Close() error {
	c.closed.Add(1)
	return nil
}

func TestSerializedAllowsOneCallAtATime(t *testing.T) {
	t.Parallel()

	inner := &countingEngine{}
	s := NewSerialized(inner)
	assert.Same(t, s, NewSerialized(s))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transcribe(context.Background(), toneBuffer())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inner.maxSeen.Load())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), inner.closed.Load())

	_, err := s.Transcribe(context.Background(), toneBuffer())
	require.ErrorIs(t, err, ErrClosed)
}

func TestSerializedHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	s := NewSerialized(&countingEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Transcribe(ctx, toneBuffer())
	require.ErrorIs(t, err, context.Canceled)
}
