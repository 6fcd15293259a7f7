// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the call engine.
//
// Configuration comes from an optional YAML file with environment
// variable overrides on top. Environment always wins, so deployments
// can ship one config file and tune individual instances via env.
//
// Thread Safety:
//
//	Load returns a value; the returned Config is not mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize is the maximum allowed config file size (1MB).
// Prevents memory issues from accidentally pointing at a large file.
const MaxYAMLFileSize = 1024 * 1024

// Defaults applied before the file and environment are consulted.
const (
	DefaultPort          = "8085"
	DefaultWebhookHeader = "X-Webhook-Key"
	DefaultStaleness     = 4 * time.Hour
	DefaultSweepInterval = 1 * time.Minute
)

// Config holds all call engine settings.
type Config struct {
	// Port the HTTP server listens on.
	Port string `yaml:"port"`

	// WebhookHeader is the request header carrying the shared webhook
	// secret. WebhookSecret enables enforcement; when it is empty the
	// ingestion endpoint accepts unauthenticated requests.
	WebhookHeader string `yaml:"webhook_header"`
	WebhookSecret string `yaml:"webhook_secret"`

	// DataDir selects the durable Badger store. Empty means the
	// in-memory store.
	DataDir string `yaml:"data_dir"`

	// Staleness is the inactivity window after which a non-terminal
	// session is force-completed. SweepInterval is how often the reaper
	// looks.
	Staleness     time.Duration `yaml:"staleness"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// OpenAIAPIKey enables provider-backed summaries. OpenAIModel
	// overrides the default model.
	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"`

	// OTelEndpoint enables trace export when set.
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// defaults returns the baseline configuration.
func defaults() Config {
	return Config{
		Port:          DefaultPort,
		WebhookHeader: DefaultWebhookHeader,
		Staleness:     DefaultStaleness,
		SweepInterval: DefaultSweepInterval,
	}
}

// Load builds the effective configuration.
//
// # Description
//
// Starts from defaults, merges the YAML file at path if one is given
// and exists, then applies CALLENGINE_* environment overrides. A path
// that is set but unreadable or malformed is an error; an empty path
// is not.
//
// # Inputs
//
//   - path: Config file location. Empty skips the file step.
//
// # Outputs
//
//   - Config: The effective configuration.
//   - error: Non-nil on unreadable or malformed file, or an invalid
//     duration override.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := mergeEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile overlays YAML file contents onto cfg.
func mergeFile(cfg *Config, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return fmt.Errorf("config file exceeds %d bytes: %s", MaxYAMLFileSize, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeEnv overlays CALLENGINE_* environment variables onto cfg.
func mergeEnv(cfg *Config) error {
	setString(&cfg.Port, "CALLENGINE_PORT")
	setString(&cfg.WebhookHeader, "CALLENGINE_WEBHOOK_HEADER")
	setString(&cfg.WebhookSecret, "CALLENGINE_WEBHOOK_SECRET")
	setString(&cfg.DataDir, "CALLENGINE_DATA_DIR")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIModel, "OPENAI_MODEL")
	setString(&cfg.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := setDuration(&cfg.Staleness, "CALLENGINE_STALENESS"); err != nil {
		return err
	}
	if err := setDuration(&cfg.SweepInterval, "CALLENGINE_SWEEP_INTERVAL"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration accepts Go duration strings ("90s", "2h") and, for
// compatibility with older deployments, bare integers meaning seconds.
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration in %s: %q", key, v)
	}
	*dst = d
	return nil
}
