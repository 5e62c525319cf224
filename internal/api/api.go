// Package api exposes the compositor's UI facade over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/satindergrewal/reelcast/internal/clip"
	"github.com/satindergrewal/reelcast/internal/compositor"
	"github.com/satindergrewal/reelcast/internal/export"
)

// maxClipBody bounds POST /api/clip; pre-supplied narration arrives inline.
const maxClipBody = 32 << 20

// Controller is the UI facade of the playback engine.
type Controller interface {
	SelectClip(c clip.Clip) (<-chan struct{}, error)
	RetryVideo() (<-chan struct{}, error)
	Play() error
	Pause()
	SeekToStart() error
	Status() compositor.Status
	RequestExport() (*export.Job, error)
	Job(id string) (*export.Job, bool)
}

var _ Controller = (*compositor.Engine)(nil)

// Handler serves the /api routes.
type Handler struct {
	ctl       Controller
	listeners func() int
}

// New creates the API handler. listeners may be nil; it reports how many
// live preview clients are connected.
func New(ctl Controller, listeners func() int) *Handler {
	return &Handler{ctl: ctl, listeners: listeners}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.status)
	mux.HandleFunc("/api/clip", h.selectClip)
	mux.HandleFunc("/api/retry-video", h.retryVideo)
	mux.HandleFunc("/api/play", h.play)
	mux.HandleFunc("/api/pause", h.pause)
	mux.HandleFunc("/api/seek-start", h.seekStart)
	mux.HandleFunc("/api/export", h.requestExport)
	mux.HandleFunc("/api/export/{id}", h.download)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto status codes. The "error" field carries
// a stable kind the UI can switch on.
func writeError(w http.ResponseWriter, err error) {
	code, kind := http.StatusInternalServerError, "internal"
	var capErr *export.CaptureError
	switch {
	case errors.Is(err, compositor.ErrNoClip):
		code, kind = http.StatusConflict, "no_clip"
	case errors.Is(err, compositor.ErrNotLoaded):
		code, kind = http.StatusConflict, "not_loaded"
	case errors.Is(err, export.ErrNotReady):
		code, kind = http.StatusConflict, "export_not_ready"
	case errors.Is(err, export.ErrBusy):
		code, kind = http.StatusConflict, "export_busy"
	case errors.As(err, &capErr):
		kind = "export_capture"
	}
	writeJSON(w, code, map[string]any{"ok": false, "error": kind, "message": err.Error()})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		compositor.Status
		Listeners int `json:"listeners"`
	}{Status: h.ctl.Status()}
	if h.listeners != nil {
		resp.Listeners = h.listeners()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) selectClip(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var c clip.Clip
	if err := json.NewDecoder(io.LimitReader(r.Body, maxClipBody)).Decode(&c); err != nil {
		http.Error(w, "invalid clip", http.StatusBadRequest)
		return
	}
	if _, err := h.ctl.SelectClip(c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "clip_id": c.ID})
}

func (h *Handler) retryVideo(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if _, err := h.ctl.RetryVideo(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *Handler) play(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := h.ctl.Play(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "playing": true})
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.ctl.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "playing": false})
}

func (h *Handler) seekStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := h.ctl.SeekToStart(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) requestExport(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	job, err := h.ctl.RequestExport()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":      true,
		"job_id":  job.ID,
		"clip_id": job.ClipID,
		"mime":    job.Codec.MIME,
	})
}

// download serves a finished artifact. Unfinished jobs answer 202 so the UI
// can poll the same URL.
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ctl.Job(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	select {
	case <-job.Done():
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": job.ID, "done": false})
		return
	}
	art, err := job.Result()
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("Serving export %s (%s, %d bytes)", job.ID, art.Name, len(art.Data))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, art.Name))
	w.Header().Set("Content-Type", art.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.Write(art.Data)
}
