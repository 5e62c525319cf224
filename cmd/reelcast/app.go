package main

import (
	"context"
	"fmt"
	"log"

	"github.com/satindergrewal/reelcast/internal/assets"
	"github.com/satindergrewal/reelcast/internal/audio"
	"github.com/satindergrewal/reelcast/internal/compositor"
	"github.com/satindergrewal/reelcast/internal/config"
	"github.com/satindergrewal/reelcast/internal/export"
	"github.com/satindergrewal/reelcast/internal/genapi"
	"github.com/satindergrewal/reelcast/internal/render"
	"github.com/satindergrewal/reelcast/internal/video"
)

// app is the wired compositor: one mix graph, one engine, one asset cache.
type app struct {
	cfg    config.Config
	graph  *audio.Graph
	live   *audio.Sink
	client *genapi.Client
	cache  *assets.Cache
	engine *compositor.Engine
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	graph := audio.NewGraph(cfg.Levels())
	live, capture := graph.AttachSinks()

	client := genapi.NewClient(cfg.GenAPIURL, cfg.GenAPIKey, cfg.VideoTimeout)
	cache := assets.NewCache(audio.NewFFmpegDecoder(cfg.FFmpeg), client, client,
		func(ctx context.Context, locator string) (video.Source, error) {
			src, err := video.Open(ctx, cfg.FFmpeg, cfg.FFprobe, locator, cfg.Height)
			if err != nil {
				return nil, err
			}
			return src, nil
		})

	music, err := cache.Music(ctx, cfg.MusicPath)
	if err != nil {
		log.Printf("Music bed unavailable, continuing without it: %v", err)
	}

	renderer, err := render.NewCompositor(cfg.Width, cfg.Height)
	if err != nil {
		graph.Close()
		return nil, fmt.Errorf("renderer: %w", err)
	}

	supported, err := export.FFmpegCapabilities(ctx, cfg.FFmpeg)
	if err != nil {
		log.Printf("Encoder probe failed, exports use %s: %v", export.Fallback.MIME, err)
	}
	capturer := export.NewCapturer(capture, export.Options{
		Width:       cfg.Width,
		Height:      cfg.Height,
		FPS:         cfg.FPS,
		MinBytes:    cfg.MinExportBytes,
		Supported:   supported,
		NewRecorder: export.NewFFmpegFactory(cfg.FFmpeg),
	})

	engine := compositor.New(compositor.Config{
		Graph:    graph,
		Assets:   cache,
		Renderer: renderer,
		Capturer: capturer,
		Music:    music,
	})

	return &app{
		cfg:    cfg,
		graph:  graph,
		live:   live,
		client: client,
		cache:  cache,
		engine: engine,
	}, nil
}

// run drives the audio clock and the frame pump until ctx ends.
func (a *app) run(ctx context.Context) {
	go a.graph.Run(ctx)
	go a.engine.RunFrames(ctx, a.cfg.FPS)
}

// close tears the engine down before the graph so no voice outlives it.
func (a *app) close() {
	a.engine.Close()
	if err := a.cache.Close(); err != nil {
		log.Printf("Closing asset cache: %v", err)
	}
	a.graph.Close()
}
