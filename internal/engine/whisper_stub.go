//go:build !whisper

package engine

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newWhisper(config.EngineConfig, *slog.Logger) (Engine, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags whisper", ErrBackendUnavailable)
}
