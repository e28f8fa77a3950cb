package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/yolobridge/pkg/kibi"
	"github.com/cyclopcam/yolobridge/pkg/nnload"
)

type Config struct {
	Listen     string      `json:"listen"` // eg ":8090"
	Dirs       nnload.Dirs `json:"dirs"`
	NumThreads int         `json:"numThreads"` // Default for loadModel, when the client doesn't specify. Zero = TFLite default.

	// Thresholds applied to every newly loaded model. Zero means "use the built-in default".
	ConfidenceThreshold float32 `json:"confidenceThreshold"`
	IoUThreshold        float32 `json:"iouThreshold"`
	NumItemsThreshold   int     `json:"numItemsThreshold"`

	PredictRateLimit int    `json:"predictRateLimit"` // Prediction requests per minute, per client IP. Zero = unlimited.
	MaxImageSize     string `json:"maxImageSize"`     // Largest image that we'll download, eg "32 MB"
	FetchTimeout     int    `json:"fetchTimeout"`     // Seconds before we give up on an imageUrl

	MaxImageBytes int64 `json:"-"` // Parsed from MaxImageSize
}

func DefaultConfig() Config {
	return Config{
		Listen:           ":8090",
		PredictRateLimit: 600,
		MaxImageSize:     "32 MB",
		MaxImageBytes:    32 * 1024 * 1024,
		FetchTimeout:     30,
	}
}

// LoadConfig reads a JSON config file. Fields that are absent keep their defaults.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	cfgB, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfgB, &cfg); err != nil {
		return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
	}
	if cfg.MaxImageBytes, err = kibi.ParseBytes(cfg.MaxImageSize); err != nil {
		return nil, fmt.Errorf("Error in config file %v: maxImageSize: %w", configFile, err)
	}
	return &cfg, nil
}
