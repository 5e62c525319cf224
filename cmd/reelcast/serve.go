package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/reelcast/internal/api"
	"github.com/satindergrewal/reelcast/internal/compositor"
	"github.com/satindergrewal/reelcast/internal/config"
	"github.com/satindergrewal/reelcast/internal/stream"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the playback API with live audio and frame previews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().Int("port", 0, "Listen port (overrides REELCAST_PORT)")
	return cmd
}

func serve(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Println("reelcast starting up...")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	go func() {
		healthCtx, healthCancel := context.WithTimeout(ctx, 30*time.Second)
		defer healthCancel()
		if err := a.client.WaitForHealthy(healthCtx, 2*time.Second); err != nil {
			log.Printf("Generation backend not reachable (%v); clips need pre-supplied media", err)
			return
		}
		log.Printf("Generation backend ready at %s", cfg.GenAPIURL)
	}()

	a.run(ctx)

	// Live output: fan the master mix out to preview listeners
	broadcaster := stream.NewBroadcaster()
	go broadcaster.Run(ctx, a.live.C)
	webrtcHandler := stream.NewWebRTCHandler(broadcaster, 0)

	go logEvents(ctx, a.engine, cfg.ExportDir)

	mux := http.NewServeMux()
	mux.Handle("/stream", stream.NewHTTPHandler(broadcaster, cfg.FFmpeg))
	mux.Handle("/offer", webrtcHandler)
	mux.Handle("/preview.jpg", stream.NewPreviewHandler(a.engine, 80))
	api.New(a.engine, func() int {
		return broadcaster.ListenerCount() + webrtcHandler.PeerCount()
	}).Register(mux)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		server.Close()
	}()

	log.Printf("reelcast live on %s (%dx%d @ %d fps)", addr, cfg.Width, cfg.Height, cfg.FPS)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}

// logEvents reports engine events. When dir is set, every finished export is
// also written there.
func logEvents(ctx context.Context, e *compositor.Engine, dir string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.Events():
			switch ev.Kind {
			case compositor.ExportReady:
				if dir == "" {
					log.Printf("Export %s ready for clip %s", ev.JobID, ev.ClipID)
					continue
				}
				job, ok := e.Job(ev.JobID)
				if !ok {
					continue
				}
				art, err := job.Result()
				if err != nil || art == nil {
					continue
				}
				path, err := art.Save(dir)
				if err != nil {
					log.Printf("Saving export %s: %v", ev.JobID, err)
					continue
				}
				log.Printf("Export %s saved to %s", ev.JobID, path)
			default:
				log.Printf("Event %s for clip %s: %s", ev.Kind, ev.ClipID, ev.Reason)
			}
		}
	}
}
