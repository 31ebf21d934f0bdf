package recorder

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// Player plays back a finished recording for review.
type Player interface {
	Play(path string) error
	Stop()
}

type NopPlayer struct{}

func (NopPlayer) Play(string) error { return nil }
func (NopPlayer) Stop()             {}

// CommandPlayer runs an external player (ffplay by default) with the file
// path appended to its arguments. Only one playback runs at a time.
type CommandPlayer struct {
	cmd []string
	log *slog.Logger

	mu      sync.Mutex
	current *exec.Cmd
}

func NewCommandPlayer(command string, log *slog.Logger) (*CommandPlayer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &CommandPlayer{cmd: args, log: log.With(slog.String("component", "player"))}, nil
}

func (p *CommandPlayer) Play(path string) error {
	p.Stop()

	args := append([]string{}, p.cmd[1:]...)
	args = append(args, path)
	cmd := exec.Command(p.cmd[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	p.mu.Lock()
	p.current = cmd
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if p.current == cmd {
			p.current = nil
		}
		p.mu.Unlock()
		if err != nil {
			p.log.Debug("playback exited", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (p *CommandPlayer) Stop() {
	p.mu.Lock()
	cmd := p.current
	p.current = nil
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Playing reports whether a playback process is still running.
func (p *CommandPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}
