// Package config defines the run configuration consumed by every component
// of the patch trainer. One immutable value is constructed at startup,
// validated, and passed by reference; there is no ambient configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cwbudde/patchfit/internal/loss"
)

// Config holds all tunables for one training run.
type Config struct {
	// PatchName names the run and its checkpoint artifacts.
	PatchName string `json:"patchName"`

	// PatchSize is the patch side length in pixels.
	PatchSize int `json:"patchSize"`

	// PatchSrc selects the initial patch: "gray", "random" or an image path.
	PatchSrc string `json:"patchSrc"`

	// TargetSizeFrac scales each instance relative to sqrt(box area).
	TargetSizeFrac float64 `json:"targetSizeFrac"`

	// PatchAlpha is the compositing opacity in (0,1].
	PatchAlpha float64 `json:"patchAlpha"`

	// LossTarget is the confidence combination rule: obj, cls or obj*cls.
	LossTarget string `json:"lossTarget"`

	// ClassID is the detector class the patch suppresses.
	ClassID int `json:"classId"`

	// Loss weights. TVFloor is the fixed lower bound applied to the
	// weighted smoothness term.
	NPSWeight      float64 `json:"npsWeight"`
	TVWeight       float64 `json:"tvWeight"`
	TVFloor        float64 `json:"tvFloor"`
	SaliencyWeight float64 `json:"saliencyWeight"`

	// Augmentation switches.
	Transform bool `json:"transform"`
	Rotate    bool `json:"rotate"`
	RandLoc   bool `json:"randLoc"`

	// Dataset locations and shape.
	ImageDir  string `json:"imageDir"`
	LabelDir  string `json:"labelDir"`
	PrintFile string `json:"printFile"`
	InputH    int    `json:"inputH"`
	InputW    int    `json:"inputW"`
	MaxLabels int    `json:"maxLabels"`

	// Loop control.
	BatchSize     int     `json:"batchSize"`
	Epochs        int     `json:"epochs"`
	StartLR       float64 `json:"startLr"`
	SchedFactor   float64 `json:"schedFactor"`
	SchedPatience int     `json:"schedPatience"`
	LogEvery      int     `json:"logEvery"`
	Seed          int64   `json:"seed"`

	// Loader concurrency.
	Workers  int `json:"workers"`
	Prefetch int `json:"prefetch"`

	// Debug enables anomaly surfacing and per-batch composite dumps.
	Debug bool `json:"debug"`
}

// Default returns a configuration with the values used for square patches
// against 416x416 detector inputs.
func Default() *Config {
	return &Config{
		PatchName:      "patch",
		PatchSize:      64,
		PatchSrc:       "gray",
		TargetSizeFrac: 0.3,
		PatchAlpha:     1,
		LossTarget:     "obj*cls",
		ClassID:        0,
		NPSWeight:      0.01,
		TVWeight:       2.5,
		TVFloor:        0.1,
		SaliencyWeight: 0,
		Transform:      true,
		Rotate:         true,
		InputH:         416,
		InputW:         416,
		MaxLabels:      48,
		BatchSize:      8,
		Epochs:         100,
		StartLR:        0.03,
		SchedFactor:    0.5,
		SchedPatience:  50,
		LogEvery:       15,
		Seed:           42,
		Workers:        4,
		Prefetch:       2,
	}
}

// Load reads a JSON config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError reports an invalid configuration field. All validation
// errors are fatal before any optimization step runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + " " + e.Reason
}

// Validate checks every field that would otherwise fail mid-run.
func (c *Config) Validate() error {
	if c.PatchName == "" {
		return &ValidationError{Field: "patchName", Reason: "cannot be empty"}
	}
	if c.PatchSize <= 0 {
		return &ValidationError{Field: "patchSize", Reason: "must be positive"}
	}
	if c.PatchSrc == "" {
		return &ValidationError{Field: "patchSrc", Reason: "cannot be empty"}
	}
	if _, err := loss.ParseTarget(c.LossTarget); err != nil {
		return &ValidationError{Field: "lossTarget", Reason: err.Error()}
	}
	if c.ClassID < 0 {
		return &ValidationError{Field: "classId", Reason: "cannot be negative"}
	}
	if c.TargetSizeFrac <= 0 || c.TargetSizeFrac > 1 {
		return &ValidationError{Field: "targetSizeFrac", Reason: "must be in (0,1]"}
	}
	if c.PatchAlpha <= 0 || c.PatchAlpha > 1 {
		return &ValidationError{Field: "patchAlpha", Reason: "must be in (0,1]"}
	}
	if c.NPSWeight < 0 || c.TVWeight < 0 || c.TVFloor < 0 || c.SaliencyWeight < 0 {
		return &ValidationError{Field: "loss weights", Reason: "cannot be negative"}
	}
	if c.InputH <= 0 || c.InputW <= 0 {
		return &ValidationError{Field: "inputH/inputW", Reason: "must be positive"}
	}
	if c.MaxLabels <= 0 {
		return &ValidationError{Field: "maxLabels", Reason: "must be positive"}
	}
	if c.BatchSize <= 0 {
		return &ValidationError{Field: "batchSize", Reason: "must be positive"}
	}
	if c.Epochs <= 0 {
		return &ValidationError{Field: "epochs", Reason: "must be positive"}
	}
	if c.StartLR <= 0 {
		return &ValidationError{Field: "startLr", Reason: "must be positive"}
	}
	if c.SchedFactor <= 0 || c.SchedFactor >= 1 {
		return &ValidationError{Field: "schedFactor", Reason: "must be in (0,1)"}
	}
	if c.SchedPatience < 0 {
		return &ValidationError{Field: "schedPatience", Reason: "cannot be negative"}
	}
	if c.LogEvery <= 0 {
		return &ValidationError{Field: "logEvery", Reason: "must be positive"}
	}
	if c.Workers <= 0 {
		return &ValidationError{Field: "workers", Reason: "must be positive"}
	}
	if c.Prefetch < 0 {
		return &ValidationError{Field: "prefetch", Reason: "cannot be negative"}
	}
	return nil
}
