package stream

import (
	"bytes"
	"image"
	"image/jpeg"
	"log"
	"net/http"
	"strconv"
)

// FrameSource hands out the most recently composited frame.
type FrameSource interface {
	Preview() *image.RGBA
}

// PreviewHandler serves the latest frame as a JPEG snapshot.
type PreviewHandler struct {
	frames  FrameSource
	quality int
}

// NewPreviewHandler creates a snapshot handler. quality is the JPEG quality
// (1-100).
func NewPreviewHandler(src FrameSource, quality int) *PreviewHandler {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &PreviewHandler{frames: src, quality: quality}
}

func (h *PreviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := h.frames.Preview()
	if frame == nil {
		http.Error(w, "no frame rendered yet", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: h.quality}); err != nil {
		log.Printf("Preview: jpeg encode error: %v", err)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(buf.Bytes())
}
