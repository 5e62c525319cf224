package config

import (
	"os"
	"strconv"
	"time"

	"github.com/satindergrewal/reelcast/internal/audio"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Generation backend
	GenAPIURL    string
	GenAPIKey    string
	VideoTimeout time.Duration // background video generation budget

	// Server
	Port int

	// Output frame
	Width  int
	Height int
	FPS    int

	// Mix
	MusicPath      string // optional looping music bed
	MasterLevel    float64
	NarrationLevel float64
	MusicLevel     float64

	// Tools and export
	FFmpeg         string
	FFprobe        string
	ExportDir      string
	MinExportBytes int
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		GenAPIURL:    envStr("GENAPI_URL", "http://genapi:8000"),
		GenAPIKey:    envStr("GENAPI_KEY", ""),
		VideoTimeout: time.Duration(envInt("REELCAST_VIDEO_TIMEOUT", 180)) * time.Second,

		Port: envInt("REELCAST_PORT", 8080),

		Width:  envInt("REELCAST_WIDTH", 720),
		Height: envInt("REELCAST_HEIGHT", 1280),
		FPS:    envInt("REELCAST_FPS", 30),

		MusicPath:      envStr("REELCAST_MUSIC_PATH", ""),
		MasterLevel:    envFloat("REELCAST_MASTER_LEVEL", 1.0),
		NarrationLevel: envFloat("REELCAST_NARRATION_LEVEL", 1.0),
		MusicLevel:     envFloat("REELCAST_MUSIC_LEVEL", 0.12),

		FFmpeg:         envStr("REELCAST_FFMPEG", "ffmpeg"),
		FFprobe:        envStr("REELCAST_FFPROBE", "ffprobe"),
		ExportDir:      envStr("REELCAST_EXPORT_DIR", "exports"),
		MinExportBytes: envInt("REELCAST_MIN_EXPORT_BYTES", 2048),
	}
}

// Levels returns the configured mix gains.
func (c Config) Levels() audio.Levels {
	return audio.Levels{
		Master:    c.MasterLevel,
		Narration: c.NarrationLevel,
		Music:     c.MusicLevel,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
