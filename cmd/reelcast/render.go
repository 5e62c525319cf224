package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/reelcast/internal/clip"
	"github.com/satindergrewal/reelcast/internal/config"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <clip.json>",
		Short: "Export one clip without the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir, _ := cmd.Flags().GetString("out")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			cfg := config.Load()
			if outDir != "" {
				cfg.ExportDir = outDir
			}
			return renderClip(cfg, args[0], timeout)
		},
	}
	cmd.Flags().String("out", "", "Output directory (overrides REELCAST_EXPORT_DIR)")
	cmd.Flags().Duration("timeout", 15*time.Minute, "Give up after this long")
	return cmd
}

func renderClip(cfg config.Config, path string, timeout time.Duration) error {
	c, err := clip.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	a.run(ctx)
	go logEvents(ctx, a.engine, "")

	// Nobody listens to the live sink headless.
	go func() {
		for range a.live.C {
		}
	}()

	loaded, err := a.engine.SelectClip(c)
	if err != nil {
		return err
	}
	select {
	case <-loaded:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !a.engine.Status().NarrationReady {
		return fmt.Errorf("clip %s: narration could not be loaded", c.ID)
	}

	job, err := a.engine.RequestExport()
	if err != nil {
		return err
	}
	log.Printf("Rendering %s (%.1fs) as %s", c.ID, a.engine.TotalDuration(), job.Codec.MIME)

	art, err := job.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("render %s: timed out after %s", c.ID, timeout)
	}
	if err != nil {
		return err
	}
	out, err := art.Save(cfg.ExportDir)
	if err != nil {
		return err
	}
	log.Printf("Wrote %s (%d bytes)", out, len(art.Data))
	return nil
}
