package assets

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fogleman/gg"

	"github.com/satindergrewal/reelcast/internal/audio"
	"github.com/satindergrewal/reelcast/internal/clip"
	"github.com/satindergrewal/reelcast/internal/video"
)

// fakeDecoder turns every byte of payload into 10ms of silence.
type fakeDecoder struct {
	calls atomic.Int32
}

func (d *fakeDecoder) Decode(_ context.Context, data []byte) (*audio.Buffer, error) {
	d.calls.Add(1)
	if string(data) == "corrupt" {
		return nil, errors.New("invalid data found when processing input")
	}
	frames := len(data) * audio.SampleRate / 100
	return audio.NewBuffer(make([]float32, frames*audio.Channels)), nil
}

func (d *fakeDecoder) DecodeFile(ctx context.Context, path string) (*audio.Buffer, error) {
	return d.Decode(ctx, []byte(path))
}

type fakeNarrator struct {
	calls   atomic.Int32
	payload []byte
	err     error
	gate    chan struct{}
}

func (n *fakeNarrator) SynthesizeNarration(ctx context.Context, _ string) ([]byte, error) {
	n.calls.Add(1)
	if n.gate != nil {
		select {
		case <-n.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return n.payload, n.err
}

type fakeVideoSynth struct {
	calls   int
	locator string
	err     error
}

func (s *fakeVideoSynth) SynthesizeBackgroundVideo(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.locator, s.err
}

type fakeVideo struct {
	locator string
	dur     float64
	closed  bool
}

func (v *fakeVideo) Advance(float64) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}
func (v *fakeVideo) Seek(float64) error { return nil }
func (v *fakeVideo) Position() float64  { return 0 }
func (v *fakeVideo) Duration() float64  { return v.dur }
func (v *fakeVideo) Close() error       { v.closed = true; return nil }

func opener(opened *[]string) VideoOpener {
	return func(_ context.Context, loc string) (video.Source, error) {
		*opened = append(*opened, loc)
		return &fakeVideo{locator: loc, dur: 6}, nil
	}
}

func TestNarrationSynthesizedAndCached(t *testing.T) {
	dec := &fakeDecoder{}
	nar := &fakeNarrator{payload: make([]byte, 1820)}
	c := NewCache(dec, nar, nil, nil)
	cl := clip.Clip{ID: "a", Script: "hello", Duration: 15}

	b, err := c.Narration(context.Background(), cl)
	if err != nil {
		t.Fatalf("Narration: %v", err)
	}
	if math.Abs(b.Duration()-18.2) > 1e-6 {
		t.Errorf("duration = %v, want 18.2", b.Duration())
	}
	again, err := c.Narration(context.Background(), cl)
	if err != nil || again != b {
		t.Fatalf("second call should hit cache: %v", err)
	}
	if nar.calls.Load() != 1 || dec.calls.Load() != 1 {
		t.Errorf("synth calls = %d, decode calls = %d, want 1 each", nar.calls.Load(), dec.calls.Load())
	}
	if got, ok := c.CachedNarration("a"); !ok || got != b {
		t.Error("CachedNarration miss")
	}
}

func TestNarrationPreSuppliedSkipsSynth(t *testing.T) {
	nar := &fakeNarrator{err: errors.New("should not be called")}
	c := NewCache(&fakeDecoder{}, nar, nil, nil)
	cl := clip.Clip{ID: "a", NarrationAudio: []byte("0123456789")}

	b, err := c.Narration(context.Background(), cl)
	if err != nil {
		t.Fatalf("Narration: %v", err)
	}
	if math.Abs(b.Duration()-0.1) > 1e-6 {
		t.Errorf("duration = %v", b.Duration())
	}
	if nar.calls.Load() != 0 {
		t.Error("synthesizer called despite pre-supplied payload")
	}
}

func TestNarrationErrorsAreRetryable(t *testing.T) {
	nar := &fakeNarrator{err: errors.New("generation_error")}
	c := NewCache(&fakeDecoder{}, nar, nil, nil)
	cl := clip.Clip{ID: "a", Script: "x"}

	_, err := c.Narration(context.Background(), cl)
	var ale *AssetLoadError
	if !errors.As(err, &ale) {
		t.Fatalf("err = %v, want AssetLoadError", err)
	}
	if ale.ClipID != "a" || ale.Asset != Narration {
		t.Errorf("error = %+v", ale)
	}
	if _, ok := c.CachedNarration("a"); ok {
		t.Fatal("failed load should not be cached")
	}

	nar.err = nil
	nar.payload = []byte("ok")
	if _, err := c.Narration(context.Background(), cl); err != nil {
		t.Errorf("retry failed: %v", err)
	}
}

func TestNarrationDecodeFailure(t *testing.T) {
	c := NewCache(&fakeDecoder{}, nil, nil, nil)
	_, err := c.Narration(context.Background(), clip.Clip{ID: "a", NarrationAudio: []byte("corrupt")})
	var ale *AssetLoadError
	if !errors.As(err, &ale) || ale.Asset != Narration {
		t.Errorf("err = %v", err)
	}
}

func TestNarrationConcurrentLoadsShareOneSynth(t *testing.T) {
	nar := &fakeNarrator{payload: []byte("abc"), gate: make(chan struct{})}
	c := NewCache(&fakeDecoder{}, nar, nil, nil)
	cl := clip.Clip{ID: "a", Script: "x"}

	var wg sync.WaitGroup
	results := make([]*audio.Buffer, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.Narration(context.Background(), cl)
			if err != nil {
				t.Errorf("Narration: %v", err)
			}
			results[i] = b
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(nar.gate)
	wg.Wait()

	if n := nar.calls.Load(); n != 1 {
		t.Errorf("synth called %d times, want 1", n)
	}
	for _, b := range results[1:] {
		if b != results[0] {
			t.Error("callers got different buffers")
		}
	}
}

func TestNarrationSurvivesAbandonedCaller(t *testing.T) {
	nar := &fakeNarrator{payload: []byte("abcd"), gate: make(chan struct{})}
	c := NewCache(&fakeDecoder{}, nar, nil, nil)
	defer c.Close()
	cl := clip.Clip{ID: "a", Script: "x"}

	// First selection of a: it gets switched away while synthesis runs.
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Narration(firstCtx, cl)
		firstErr <- err
	}()
	for nar.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Reselecting a joins the load already in flight.
	type result struct {
		b   *audio.Buffer
		err error
	}
	second := make(chan result, 1)
	go func() {
		b, err := c.Narration(context.Background(), cl)
		second <- result{b, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("abandoned caller err = %v, want context.Canceled", err)
	}
	close(nar.gate)

	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("live caller: %v", r.err)
		}
		if math.Abs(r.b.Duration()-0.04) > 1e-6 {
			t.Errorf("duration = %v", r.b.Duration())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live caller never returned")
	}
	if n := nar.calls.Load(); n != 1 {
		t.Errorf("synth called %d times, want 1", n)
	}
}

func TestAbandonedLoadStillCaches(t *testing.T) {
	nar := &fakeNarrator{payload: []byte("ab"), gate: make(chan struct{})}
	c := NewCache(&fakeDecoder{}, nar, nil, nil)
	defer c.Close()
	cl := clip.Clip{ID: "a", Script: "x"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Narration(ctx, cl)
		close(done)
	}()
	for nar.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	close(nar.gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.CachedNarration("a"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("load finished but was not cached")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := c.Narration(context.Background(), cl); err != nil || nar.calls.Load() != 1 {
		t.Errorf("err = %v, synth calls = %d", err, nar.calls.Load())
	}
}

func TestCloseCancelsLoadsInFlight(t *testing.T) {
	nar := &fakeNarrator{payload: []byte("ab"), gate: make(chan struct{})}
	defer close(nar.gate)
	c := NewCache(&fakeDecoder{}, nar, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Narration(context.Background(), clip.Clip{ID: "a", Script: "x"})
		errc <- err
	}()
	for nar.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load not cancelled by Close")
	}
}

func TestBackgroundVideoNone(t *testing.T) {
	c := NewCache(&fakeDecoder{}, nil, nil, nil)
	v, err := c.BackgroundVideo(context.Background(), clip.Clip{ID: "a"})
	if v != nil || err != nil {
		t.Errorf("got %v, %v; want nil, nil", v, err)
	}
}

func TestBackgroundVideoFromLocator(t *testing.T) {
	var opened []string
	vs := &fakeVideoSynth{}
	c := NewCache(&fakeDecoder{}, nil, vs, opener(&opened))
	cl := clip.Clip{ID: "a", VideoURL: "https://cdn.example/bg.mp4", VideoPrompt: "city at night"}

	v, err := c.BackgroundVideo(context.Background(), cl)
	if err != nil {
		t.Fatal(err)
	}
	if v.Duration() != 6 || vs.calls != 0 {
		t.Errorf("duration %v, synth calls %d", v.Duration(), vs.calls)
	}
	if _, err := c.BackgroundVideo(context.Background(), cl); err != nil {
		t.Fatal(err)
	}
	if len(opened) != 1 || opened[0] != cl.VideoURL {
		t.Errorf("opened = %v", opened)
	}
}

func TestVideoFailureKeepsNarrationAndRetries(t *testing.T) {
	var opened []string
	vs := &fakeVideoSynth{err: errors.New("timeout")}
	c := NewCache(&fakeDecoder{}, nil, vs, opener(&opened))
	cl := clip.Clip{ID: "a", NarrationAudio: []byte("abc"), VideoPrompt: "waves"}

	narr, err := c.Narration(context.Background(), cl)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.BackgroundVideo(context.Background(), cl)
	var ale *AssetLoadError
	if !errors.As(err, &ale) || ale.Asset != Video {
		t.Fatalf("err = %v, want video AssetLoadError", err)
	}
	if got, ok := c.CachedNarration("a"); !ok || got != narr {
		t.Fatal("video failure invalidated narration")
	}

	vs.err = nil
	vs.locator = "https://cdn.example/gen.mp4"
	if _, err := c.BackgroundVideo(context.Background(), cl); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if vs.calls != 2 || len(opened) != 1 || opened[0] != vs.locator {
		t.Errorf("synth calls %d, opened %v", vs.calls, opened)
	}
}

func TestStillImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.png")
	dc := gg.NewContext(8, 4)
	dc.SetColor(color.RGBA{200, 10, 10, 255})
	dc.Clear()
	if err := dc.SavePNG(path); err != nil {
		t.Fatal(err)
	}

	c := NewCache(&fakeDecoder{}, nil, nil, nil)
	img, err := c.StillImage(context.Background(), clip.Clip{ID: "a", ImagePath: path})
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("bounds = %v", b)
	}

	_, err = c.StillImage(context.Background(), clip.Clip{ID: "b", ImagePath: filepath.Join(t.TempDir(), "missing.png")})
	var ale *AssetLoadError
	if !errors.As(err, &ale) || ale.Asset != Image {
		t.Errorf("missing image err = %v", err)
	}
}

func TestMusicCachedByPath(t *testing.T) {
	dec := &fakeDecoder{}
	c := NewCache(dec, nil, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := c.Music(context.Background(), "bed.mp3"); err != nil {
			t.Fatal(err)
		}
	}
	if dec.calls.Load() != 1 {
		t.Errorf("decoded %d times", dec.calls.Load())
	}
	if b, err := c.Music(context.Background(), ""); b != nil || err != nil {
		t.Error("empty path should be no music")
	}
}

func TestCloseStopsVideos(t *testing.T) {
	var opened []string
	c := NewCache(&fakeDecoder{}, nil, nil, opener(&opened))
	v, err := c.BackgroundVideo(context.Background(), clip.Clip{ID: "a", VideoURL: "x.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !v.(*fakeVideo).closed {
		t.Error("video not closed")
	}
}
