package compositor

import (
	"log"
	"time"
)

// EventKind names what happened.
type EventKind string

const (
	AudioLoadError EventKind = "audio_load_error"
	VideoLoadError EventKind = "video_load_error"
	ExportError    EventKind = "export_error"
	ExportReady    EventKind = "export_ready"
)

const eventBuffer = 32

// Event is a per-clip notification for the UI. Reason is human readable.
type Event struct {
	Kind   EventKind `json:"kind"`
	ClipID string    `json:"clip_id"`
	JobID  string    `json:"job_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

// Events delivers notifications. Events are dropped when nobody keeps up.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.events <- ev:
	default:
		log.Printf("Event dropped (%s for %s): no reader", ev.Kind, ev.ClipID)
	}
}
