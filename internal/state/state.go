package state

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/recorder"
)

type Kind string

const (
	KindLoadingModel      Kind = "loading_model"
	KindModelLoadError    Kind = "model_load_error"
	KindSampleLoadError   Kind = "sample_load_error"
	KindRecording         Kind = "recording"
	KindRecordingError    Kind = "recording_error"
	KindRecorded          Kind = "recorded"
	KindTranscribingError Kind = "transcribing_error"
	KindTranscribed       Kind = "transcribed"
)

// Kinds lists every state kind in lifecycle order.
var Kinds = []Kind{
	KindLoadingModel,
	KindModelLoadError,
	KindSampleLoadError,
	KindRecording,
	KindRecordingError,
	KindRecorded,
	KindTranscribingError,
	KindTranscribed,
}

var ErrInvalidState = errors.New("invalid state")

// State is the single observable value describing what the system is doing.
// Only the fields meaningful for Kind are set; Validate enforces that.
type State struct {
	Kind   Kind             `json:"kind"`
	Reason string           `json:"reason,omitempty"`
	Handle *recorder.Handle `json:"handle,omitempty"`
	Text   string           `json:"text"`
}

func LoadingModel() State { return State{Kind: KindLoadingModel} }

// ModelLoadError carries an optional reason; an absent model file has none.
func ModelLoadError(reason string) State {
	return State{Kind: KindModelLoadError, Reason: reason}
}

func SampleLoadError() State { return State{Kind: KindSampleLoadError} }

func Recording(h recorder.Handle) State { return State{Kind: KindRecording, Handle: &h} }

func RecordingError(reason string) State {
	return State{Kind: KindRecordingError, Reason: reason}
}

func Recorded(h recorder.Handle) State { return State{Kind: KindRecorded, Handle: &h} }

func TranscribingError(reason string) State {
	return State{Kind: KindTranscribingError, Reason: reason}
}

func Transcribed(text string) State { return State{Kind: KindTranscribed, Text: text} }

// CanStartCycle reports whether a new recording or sample transcription may
// begin from s.
func (s State) CanStartCycle() bool {
	switch s.Kind {
	case KindTranscribed, KindSampleLoadError, KindRecordingError, KindTranscribingError:
		return true
	default:
		return false
	}
}

// SessionID returns the recording session carried by s, if any.
func (s State) SessionID() string {
	if s.Handle == nil {
		return ""
	}
	return s.Handle.SessionID
}

func (s State) Validate() error {
	switch s.Kind {
	case KindRecording, KindRecorded:
		if s.Handle == nil || s.Handle.Location == "" {
			return fmt.Errorf("%w: %s requires a handle with a location", ErrInvalidState, s.Kind)
		}
		if s.Reason != "" || s.Text != "" {
			return fmt.Errorf("%w: %s carries only a handle", ErrInvalidState, s.Kind)
		}
		return nil
	case KindRecordingError, KindTranscribingError:
		if s.Reason == "" {
			return fmt.Errorf("%w: %s requires a reason", ErrInvalidState, s.Kind)
		}
	case KindModelLoadError:
	case KindTranscribed:
		if s.Reason != "" {
			return fmt.Errorf("%w: transcribed carries only text", ErrInvalidState)
		}
		if s.Handle != nil {
			return fmt.Errorf("%w: transcribed carries no handle", ErrInvalidState)
		}
		return nil
	case KindLoadingModel, KindSampleLoadError:
		if s.Reason != "" {
			return fmt.Errorf("%w: %s carries no payload", ErrInvalidState, s.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidState, s.Kind)
	}
	if s.Handle != nil || s.Text != "" {
		return fmt.Errorf("%w: %s carries no handle or text", ErrInvalidState, s.Kind)
	}
	return nil
}

func (s State) String() string {
	switch {
	case s.Handle != nil:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Handle.Location)
	case s.Reason != "":
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	case s.Kind == KindTranscribed:
		return fmt.Sprintf("%s(%q)", s.Kind, s.Text)
	default:
		return string(s.Kind)
	}
}

// OneOf returns a predicate matching any of kinds.
func OneOf(kinds ...Kind) func(State) bool {
	return func(s State) bool {
		for _, k := range kinds {
			if s.Kind == k {
				return true
			}
		}
		return false
	}
}
