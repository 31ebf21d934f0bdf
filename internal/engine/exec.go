package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

type execEngine struct {
	cmd []string
	cfg config.EngineConfig
}

type execResult struct {
	Text string `json:"text"`
}

// NewExec runs an external transcriber once per buffer. The command receives
// --audio <wav> plus --model, --language and --threads when configured, and
// prints either {"text": "..."} or the plain transcript on stdout.
func NewExec(cfg config.EngineConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, buf wave.SampleBuffer) (string, error) {
	path, err := writeTempWave(buf)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.cfg.Language)
	}
	if e.cfg.Threads > 0 {
		cmdArgs = append(cmdArgs, "--threads", strconv.Itoa(e.cfg.Threads))
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("engine command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseExecOutput(stdout.Bytes())
}

func (e *execEngine) Close() error { return nil }

func parseExecOutput(out []byte) (string, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return string(trimmed), nil
	}
	var resp execResult
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return "", fmt.Errorf("decode engine response: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// writeTempWave stores buf as 16-bit PCM so external tools can read it.
func writeTempWave(buf wave.SampleBuffer) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), "scribe_engine_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	format, err := wave.FormatFor(wave.EncodingPCM16, buf.SampleRate)
	if err == nil {
		err = wave.Encode(file, buf, format)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("write engine input: %w", err)
	}
	return file.Name(), nil
}
