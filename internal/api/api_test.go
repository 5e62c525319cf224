package api

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/reelcast/internal/audio"
	"github.com/satindergrewal/reelcast/internal/clip"
	"github.com/satindergrewal/reelcast/internal/compositor"
	"github.com/satindergrewal/reelcast/internal/export"
	"github.com/satindergrewal/reelcast/internal/render"
	"github.com/satindergrewal/reelcast/internal/video"
)

type gatedAssets struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (a *gatedAssets) Narration(ctx context.Context, c clip.Clip) (*audio.Buffer, error) {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s := make([]float32, audio.SampleRate/2*audio.Channels) // 0.5s
	for i := range s {
		s[i] = 0.25
	}
	return audio.NewBuffer(s), nil
}

func (a *gatedAssets) BackgroundVideo(context.Context, clip.Clip) (video.Source, error) {
	return nil, nil
}

func (a *gatedAssets) StillImage(context.Context, clip.Clip) (image.Image, error) {
	return nil, nil
}

type chunkRecorder struct{ chunk func([]byte) }

func (r chunkRecorder) WriteVideo(*image.RGBA) error {
	r.chunk(make([]byte, 1024))
	return nil
}

func (r chunkRecorder) WriteAudio([]float32) error { return nil }
func (r chunkRecorder) Stop() error                { return nil }

type fixture struct {
	mux    *http.ServeMux
	engine *compositor.Engine
	graph  *audio.Graph
	assets *gatedAssets
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		graph:  audio.NewGraph(audio.DefaultLevels()),
		assets: &gatedAssets{},
		mux:    http.NewServeMux(),
	}
	_, capture := f.graph.AttachSinks()
	r, err := render.NewCompositor(36, 64)
	if err != nil {
		t.Fatal(err)
	}
	capturer := export.NewCapturer(capture, export.Options{
		Width:    36,
		Height:   64,
		FPS:      50,
		MinBytes: 2048,
		NewRecorder: func(_ context.Context, _ export.Codec, _, _, _ int, onChunk func([]byte)) (export.Recorder, error) {
			return chunkRecorder{chunk: onChunk}, nil
		},
	})
	f.engine = compositor.New(compositor.Config{Graph: f.graph, Assets: f.assets, Renderer: r, Capturer: capturer})
	New(f.engine, func() int { return 3 }).Register(f.mux)
	t.Cleanup(func() {
		f.engine.Close()
		f.graph.Close()
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func (f *fixture) waitNarration(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !f.engine.Status().NarrationReady {
		if time.Now().After(deadline) {
			t.Fatal("narration never loaded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusIdle(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	m := decode(t, rec)
	if m["export"] != "idle" || m["playing"] != false || m["listeners"] != float64(3) {
		t.Errorf("status = %v", m)
	}
	if _, ok := m["clip_id"]; ok {
		t.Error("clip_id should be omitted when nothing is selected")
	}
}

func TestRequiresPost(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/clip", "/api/play", "/api/pause", "/api/seek-start", "/api/export", "/api/retry-video"} {
		if rec := f.do(http.MethodGet, path, ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d, want 405", path, rec.Code)
		}
	}
}

func TestFacadeWithoutClip(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		path string
		code int
		kind string
	}{
		{"/api/play", http.StatusConflict, "no_clip"},
		{"/api/seek-start", http.StatusConflict, "no_clip"},
		{"/api/export", http.StatusConflict, "no_clip"},
		{"/api/retry-video", http.StatusConflict, "no_clip"},
	}
	for _, tt := range tests {
		rec := f.do(http.MethodPost, tt.path, "")
		if rec.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.path, rec.Code, tt.code)
			continue
		}
		if m := decode(t, rec); m["error"] != tt.kind {
			t.Errorf("%s: error = %v, want %s", tt.path, m["error"], tt.kind)
		}
	}
	if rec := f.do(http.MethodPost, "/api/pause", ""); rec.Code != http.StatusOK {
		t.Errorf("pause with nothing playing = %d", rec.Code)
	}
}

func TestSelectClipRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing id", `{"script":"hi"}`},
		{"reversed segment", `{"id":"a","segments":[{"text":"x","start":2,"end":1}]}`},
	}
	for _, tt := range tests {
		if rec := f.do(http.MethodPost, "/api/clip", tt.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", tt.name, rec.Code)
		}
	}
}

func TestExportBeforeNarrationReady(t *testing.T) {
	f := newFixture(t)
	f.assets.gate = make(chan struct{})
	defer close(f.assets.gate)

	if rec := f.do(http.MethodPost, "/api/clip", `{"id":"slow"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("select = %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/export", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("export = %d, want 409", rec.Code)
	}
	if m := decode(t, rec); m["error"] != "export_not_ready" {
		t.Errorf("error = %v", m["error"])
	}
	if rec := f.do(http.MethodPost, "/api/play", ""); rec.Code != http.StatusConflict {
		t.Errorf("play while loading = %d, want 409", rec.Code)
	}
}

func TestPlayPauseSeek(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/clip", `{"id":"a","segments":[{"text":"go","start":0,"end":0.2}]}`)
	f.waitNarration(t)

	if rec := f.do(http.MethodPost, "/api/play", ""); rec.Code != http.StatusOK {
		t.Fatalf("play = %d", rec.Code)
	}
	f.graph.Render()
	f.graph.Render()
	if st := f.engine.Status(); !st.Playing || st.Time <= 0 {
		t.Errorf("after play: %+v", st)
	}

	f.do(http.MethodPost, "/api/pause", "")
	if f.engine.IsPlaying() {
		t.Error("still playing after pause")
	}
	f.do(http.MethodPost, "/api/seek-start", "")
	if got := f.engine.CurrentTime(); got != 0 {
		t.Errorf("time after seek-start = %v", got)
	}
}

func TestExportDownload(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/clip", `{"id":"Clip A","segments":[{"text":"hi","start":0,"end":0.3}]}`)
	f.waitNarration(t)

	rec := f.do(http.MethodPost, "/api/export", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("export = %d: %s", rec.Code, rec.Body)
	}
	id, _ := decode(t, rec)["job_id"].(string)
	if id == "" {
		t.Fatal("no job id")
	}

	if rec := f.do(http.MethodGet, "/api/export/"+id, ""); rec.Code != http.StatusAccepted {
		t.Errorf("unfinished download = %d, want 202", rec.Code)
	}

	for i := 0; i < 40 && f.engine.IsPlaying(); i++ {
		f.graph.Render()
		f.engine.Tick(0.02)
	}
	job, _ := f.engine.Job(id)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		t.Fatalf("export: %v", err)
	}

	rec = f.do(http.MethodGet, "/api/export/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="clip-a.webm"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rec.Body.Len() < 2048 {
		t.Errorf("artifact is %d bytes", rec.Body.Len())
	}

	if rec := f.do(http.MethodGet, "/api/export/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job = %d", rec.Code)
	}
}

func TestWriteErrorCaptureFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &export.CaptureError{Reason: "too small", Err: errors.New("12 bytes")})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d", rec.Code)
	}
	if m := decode(t, rec); m["error"] != "export_capture" {
		t.Errorf("error = %v", m["error"])
	}
}
