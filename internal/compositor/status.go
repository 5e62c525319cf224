package compositor

// Status is a snapshot for the UI.
type Status struct {
	ClipID         string  `json:"clip_id,omitempty"`
	Playing        bool    `json:"playing"`
	Time           float64 `json:"time"`
	Duration       float64 `json:"duration"`
	NarrationReady bool    `json:"narration_ready"`
	VideoReady     bool    `json:"video_ready"`
	Export         string  `json:"export"`
	ExportJob      string  `json:"export_job,omitempty"`
}

// Status reports the current selection, position and export state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Playing:        e.clock.IsPlaying(),
		Time:           e.clock.CurrentTime(),
		Duration:       e.totalDurationLocked(),
		NarrationReady: e.narration != nil,
		VideoReady:     e.video != nil,
		Export:         e.capturer.State().String(),
	}
	if e.clip != nil {
		st.ClipID = e.clip.ID
	}
	if job := e.capturer.Current(); job != nil {
		st.ExportJob = job.ID
	}
	return st
}
