package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/wave"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// Handle identifies one capture session and the file it writes.
type Handle struct {
	SessionID string      `json:"session_id"`
	Location  string      `json:"location"`
	Format    wave.Format `json:"format"`
	StartedAt time.Time   `json:"started_at"`
}

type NotificationKind string

const (
	NotificationFinished    NotificationKind = "finished"
	NotificationEncodeError NotificationKind = "encode_error"
)

// Notification is posted exactly once per session, after Stop or when the
// device fails on its own.
type Notification struct {
	Kind       NotificationKind
	Handle     Handle
	Successful bool
	Reason     string
}

// Recorder captures microphone audio into a wave file.
type Recorder interface {
	Start(ctx context.Context, dest string, format wave.Format) (Handle, error)
	// Stop asks the device to finalize the file. Completion arrives later on
	// Notifications.
	Stop() error
	Notifications() <-chan Notification
}
