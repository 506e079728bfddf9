// Package config loads daemon tuning from a JSON settings file. Fields
// omitted from the file keep their defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Settings represents the tunable parameters of the daemon: reconnect
// backoff, the result queue, and delta check thresholds.
type Settings struct {
	// Reconnect backoff
	BackoffBase *string `json:"backoff_base,omitempty"` // duration string like "1s"
	BackoffMax  *string `json:"backoff_max,omitempty"`  // duration string like "60s"

	// Result queue
	QueueSize *int `json:"queue_size,omitempty"`

	// Delta check params
	DeltaThreshold  *float64           `json:"delta_threshold,omitempty"` // percent
	DeltaThresholds map[string]float64 `json:"delta_thresholds,omitempty"`
}

// EmptySettings returns a Settings with all fields unset.
func EmptySettings() *Settings {
	return &Settings{}
}

// LoadSettings loads Settings from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("settings file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := EmptySettings()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Validate checks that the settings values are usable.
func (s *Settings) Validate() error {
	if s.BackoffBase != nil && *s.BackoffBase != "" {
		if _, err := time.ParseDuration(*s.BackoffBase); err != nil {
			return fmt.Errorf("invalid backoff_base '%s': %w", *s.BackoffBase, err)
		}
	}
	if s.BackoffMax != nil && *s.BackoffMax != "" {
		if _, err := time.ParseDuration(*s.BackoffMax); err != nil {
			return fmt.Errorf("invalid backoff_max '%s': %w", *s.BackoffMax, err)
		}
	}
	if s.QueueSize != nil && *s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", *s.QueueSize)
	}
	if s.DeltaThreshold != nil && *s.DeltaThreshold <= 0 {
		return fmt.Errorf("delta_threshold must be positive, got %f", *s.DeltaThreshold)
	}
	for code, t := range s.DeltaThresholds {
		if t <= 0 {
			return fmt.Errorf("delta_thresholds[%s] must be positive, got %f", code, t)
		}
	}
	return nil
}

// GetBackoffBase returns the configured base delay or the fallback.
func (s *Settings) GetBackoffBase(fallback time.Duration) time.Duration {
	return s.duration(s.BackoffBase, fallback)
}

// GetBackoffMax returns the configured maximum delay or the fallback.
func (s *Settings) GetBackoffMax(fallback time.Duration) time.Duration {
	return s.duration(s.BackoffMax, fallback)
}

// GetQueueSize returns the configured queue size or the fallback.
func (s *Settings) GetQueueSize(fallback int) int {
	if s.QueueSize == nil {
		return fallback
	}
	return *s.QueueSize
}

// GetDeltaThreshold returns the configured default threshold or the fallback.
func (s *Settings) GetDeltaThreshold(fallback float64) float64 {
	if s.DeltaThreshold == nil {
		return fallback
	}
	return *s.DeltaThreshold
}

func (s *Settings) duration(raw *string, fallback time.Duration) time.Duration {
	if raw == nil || *raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fallback
	}
	return d
}
