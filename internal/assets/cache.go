package assets

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/sync/singleflight"

	"github.com/satindergrewal/reelcast/internal/audio"
	"github.com/satindergrewal/reelcast/internal/clip"
	"github.com/satindergrewal/reelcast/internal/video"
)

// Asset kinds reported in AssetLoadError.
const (
	Narration = "narration"
	Video     = "video"
	Image     = "image"
	Music     = "music"
)

// AssetLoadError is a per-clip, retryable load failure. It never invalidates
// other cached assets.
type AssetLoadError struct {
	ClipID string
	Asset  string
	Err    error
}

func (e *AssetLoadError) Error() string {
	return fmt.Sprintf("load %s for clip %s: %v", e.Asset, e.ClipID, e.Err)
}

func (e *AssetLoadError) Unwrap() error {
	return e.Err
}

// NarrationSynth produces encoded narration audio for a script.
type NarrationSynth interface {
	SynthesizeNarration(ctx context.Context, script string) ([]byte, error)
}

// VideoSynth produces a streamable locator for a generated background video.
type VideoSynth interface {
	SynthesizeBackgroundVideo(ctx context.Context, prompt string) (string, error)
}

// VideoOpener opens a background video from a locator.
type VideoOpener func(ctx context.Context, locator string) (video.Source, error)

// Cache holds decoded narration, background video handles, and still images
// keyed by clip ID. Entries are only ever added; a failed load leaves no
// entry behind, so calling again retries it.
type Cache struct {
	decoder   audio.Decoder
	narrator  NarrationSynth
	videos    VideoSynth
	openVideo VideoOpener

	mu        sync.RWMutex
	narration map[string]*audio.Buffer
	video     map[string]video.Source
	images    map[string]image.Image
	music     map[string]*audio.Buffer

	group singleflight.Group

	// loads run under ctx rather than any caller's, so one caller giving up
	// does not fail the others waiting on the same key.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCache creates an empty cache. narrator and videos may be nil when clips
// always carry pre-supplied assets.
func NewCache(dec audio.Decoder, narrator NarrationSynth, videos VideoSynth, open VideoOpener) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		ctx:       ctx,
		cancel:    cancel,
		decoder:   dec,
		narrator:  narrator,
		videos:    videos,
		openVideo: open,
		narration: make(map[string]*audio.Buffer),
		video:     make(map[string]video.Source),
		images:    make(map[string]image.Image),
		music:     make(map[string]*audio.Buffer),
	}
}

// load runs fn once per key. The caller stops waiting when its ctx ends,
// but the load itself keeps going and caches its result for the next call.
func (c *Cache) load(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(c.ctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CachedNarration returns the decoded narration for a clip if it is loaded.
func (c *Cache) CachedNarration(clipID string) (*audio.Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.narration[clipID]
	return b, ok
}

// CachedVideo returns the background video handle for a clip if it is open.
func (c *Cache) CachedVideo(clipID string) (video.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.video[clipID]
	return v, ok
}

// Narration returns the clip's decoded narration, synthesizing and decoding
// it on first use. A pre-supplied payload skips synthesis. The buffer's
// duration is the clip's authoritative length.
func (c *Cache) Narration(ctx context.Context, cl clip.Clip) (*audio.Buffer, error) {
	if b, ok := c.CachedNarration(cl.ID); ok {
		return b, nil
	}
	v, err := c.load(ctx, "narration/"+cl.ID, func(ctx context.Context) (interface{}, error) {
		if b, ok := c.CachedNarration(cl.ID); ok {
			return b, nil
		}
		payload := cl.NarrationAudio
		if len(payload) == 0 {
			if c.narrator == nil {
				return nil, errors.New("no narration payload and no synthesizer")
			}
			p, err := c.narrator.SynthesizeNarration(ctx, cl.Script)
			if err != nil {
				return nil, err
			}
			payload = p
		}
		buf, err := c.decoder.Decode(ctx, payload)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.narration[cl.ID] = buf
		c.mu.Unlock()
		if cl.Duration > 0 && absDiff(cl.Duration, buf.Duration()) > 0.5 {
			log.Printf("Clip %s declares %.1fs but narration is %.1fs, using narration", cl.ID, cl.Duration, buf.Duration())
		}
		log.Printf("Narration ready: %s (%.1fs)", cl.ID, buf.Duration())
		return buf, nil
	})
	if err != nil {
		return nil, &AssetLoadError{ClipID: cl.ID, Asset: Narration, Err: err}
	}
	return v.(*audio.Buffer), nil
}

// BackgroundVideo returns the clip's background video, generating it if the
// clip only carries a prompt. Clips without video return (nil, nil). A
// failure here does not touch the narration entry.
func (c *Cache) BackgroundVideo(ctx context.Context, cl clip.Clip) (video.Source, error) {
	if !cl.HasVideo() {
		return nil, nil
	}
	if v, ok := c.CachedVideo(cl.ID); ok {
		return v, nil
	}
	v, err := c.load(ctx, "video/"+cl.ID, func(ctx context.Context) (interface{}, error) {
		if v, ok := c.CachedVideo(cl.ID); ok {
			return v, nil
		}
		if c.openVideo == nil {
			return nil, errors.New("no video opener")
		}
		locator := cl.VideoURL
		if locator == "" {
			if c.videos == nil {
				return nil, errors.New("no video locator and no synthesizer")
			}
			loc, err := c.videos.SynthesizeBackgroundVideo(ctx, cl.VideoPrompt)
			if err != nil {
				return nil, err
			}
			locator = loc
		}
		src, err := c.openVideo(ctx, locator)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if ctx.Err() != nil {
			// cache closed while opening
			c.mu.Unlock()
			src.Close()
			return nil, ctx.Err()
		}
		c.video[cl.ID] = src
		c.mu.Unlock()
		log.Printf("Background video ready: %s (%.1fs loop)", cl.ID, src.Duration())
		return src, nil
	})
	if err != nil {
		return nil, &AssetLoadError{ClipID: cl.ID, Asset: Video, Err: err}
	}
	return v.(video.Source), nil
}

// StillImage loads the clip's still background. Clips without one return
// (nil, nil).
func (c *Cache) StillImage(ctx context.Context, cl clip.Clip) (image.Image, error) {
	if cl.ImagePath == "" {
		return nil, nil
	}
	c.mu.RLock()
	img, ok := c.images[cl.ID]
	c.mu.RUnlock()
	if ok {
		return img, nil
	}
	v, err := c.load(ctx, "image/"+cl.ID, func(ctx context.Context) (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := gg.LoadImage(cl.ImagePath)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.images[cl.ID] = img
		c.mu.Unlock()
		return img, nil
	})
	if err != nil {
		return nil, &AssetLoadError{ClipID: cl.ID, Asset: Image, Err: err}
	}
	return v.(image.Image), nil
}

// Music decodes a background music file once per path.
func (c *Cache) Music(ctx context.Context, path string) (*audio.Buffer, error) {
	if path == "" {
		return nil, nil
	}
	c.mu.RLock()
	b, ok := c.music[path]
	c.mu.RUnlock()
	if ok {
		return b, nil
	}
	v, err := c.load(ctx, "music/"+path, func(ctx context.Context) (interface{}, error) {
		b, err := c.decoder.DecodeFile(ctx, path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.music[path] = b
		c.mu.Unlock()
		log.Printf("Music loaded: %s (%.1fs)", path, b.Duration())
		return b, nil
	})
	if err != nil {
		return nil, &AssetLoadError{ClipID: path, Asset: Music, Err: err}
	}
	return v.(*audio.Buffer), nil
}

// Close cancels loads still in flight and stops every open video decoder.
func (c *Cache) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, v := range c.video {
		if err := v.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close video %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
