package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"astrophot/internal/catalog"
)

const (
	defaultConfigPath = "~/.config/astrophot/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the photometry pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Matching   Matching   `json:"matching"`
	Selection  Selection  `json:"selection"`
	Photometry Photometry `json:"photometry"`
	Watch      Watch      `json:"watch"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Matching controls cross-frame star identification.
type Matching struct {
	Metric        string  `json:"metric"`         // "angular" or "pixel"
	Tolerance     float64 `json:"tolerance"`      // arcseconds or pixels
	MagWeight     float64 `json:"mag_weight"`     // magnitudes per tolerance unit in the tie-break score
	MinDetections int     `json:"min_detections"` // frame screening floor
}

// Selection controls comparison-star selection.
type Selection struct {
	MinEnsembleSize int     `json:"min_ensemble_size"`
	SigmaClip       float64 `json:"sigma_clip"`
	MinCoverageFrac float64 `json:"min_coverage_frac"`
	Statistic       string  `json:"statistic"` // "stddev" or "normalized"
}

// Photometry controls light curve calculation.
type Photometry struct {
	MinEnsemblePresent int `json:"min_ensemble_present"`
	MinUsableFrames    int `json:"min_usable_frames"`
}

// Watch configures the incoming-directory watcher.
type Watch struct {
	Enabled   bool    `json:"enabled"`
	Directory string  `json:"directory"`
	SettleSec int     `json:"settle_seconds"` // quiet time before a run triggers
	TargetRA  float64 `json:"target_ra"`
	TargetDec float64 `json:"target_dec"`
}

// Server configures the results API.
type Server struct {
	Addr string `json:"addr"`
}

// Path returns the resolved config file location, honoring the
// ASTROPHOT_CONFIG override.
func Path() (string, error) {
	configPath := os.Getenv("ASTROPHOT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := Path()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RunConfig assembles the immutable per-run configuration for a target
// coordinate from the loaded settings.
func (c *Config) RunConfig(targetRA, targetDec float64) catalog.RunConfig {
	metric := catalog.MetricAngular
	if c.Matching.Metric == string(catalog.MetricPixel) {
		metric = catalog.MetricPixel
	}
	return catalog.RunConfig{
		TargetRA:           targetRA,
		TargetDec:          targetDec,
		Metric:             metric,
		MatchTolerance:     c.Matching.Tolerance,
		MagWeight:          c.Matching.MagWeight,
		MinEnsembleSize:    c.Selection.MinEnsembleSize,
		SigmaClip:          c.Selection.SigmaClip,
		MinCoverageFrac:    c.Selection.MinCoverageFrac,
		Statistic:          c.Selection.Statistic,
		MinEnsemblePresent: c.Photometry.MinEnsemblePresent,
		MinUsableFrames:    c.Photometry.MinUsableFrames,
		Parallelism:        c.Processing.ParallelJobs,
	}
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "astrophot.db"),
		},
		Matching: Matching{
			Metric:        string(catalog.MetricAngular),
			Tolerance:     5.0,
			MagWeight:     1.0,
			MinDetections: 1,
		},
		Selection: Selection{
			MinEnsembleSize: 3,
			SigmaClip:       3.0,
			MinCoverageFrac: 0.5,
			Statistic:       "stddev",
		},
		Photometry: Photometry{
			MinEnsemblePresent: 1,
			MinUsableFrames:    3,
		},
		Watch: Watch{
			Enabled:   false,
			SettleSec: 5,
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
