// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads gateway configuration once at process start.
//
// Sources, lowest precedence first: compiled-in defaults, an optional YAML
// file, then environment variables. A malformed value never aborts startup;
// it is logged and the previous value is kept. That includes durations
// under one second and unknown log levels or gin modes. The merged result is
// then validated as a whole; only the YAML file can still produce a
// structurally impossible configuration (port out of range, zero window),
// which is an error.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/llm"
)

// DefaultSecretPath is checked for the upstream key when the environment
// variable is unset. Matches the container secrets mount.
const DefaultSecretPath = "/run/secrets/gemini_api_key"

// Config is the merged gateway configuration.
type Config struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// GeminiAPIKey is never read from the YAML file.
	GeminiAPIKey  string `yaml:"-"`
	GeminiModel   string `yaml:"gemini_model" validate:"required"`
	GeminiBaseURL string `yaml:"gemini_base_url" validate:"required,url"`

	RateLimitMaxRequests int           `yaml:"rate_limit_max_requests" validate:"min=1"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window" validate:"min=1s"`

	MaxRequestBytes int64 `yaml:"max_request_bytes" validate:"min=1"`
	MaxMessages     int   `yaml:"max_messages" validate:"min=1"`
	MaxMessageChars int   `yaml:"max_message_chars" validate:"min=1"`

	RequestTimeout      time.Duration `yaml:"request_timeout" validate:"min=1s"`
	StoreResolveTimeout time.Duration `yaml:"store_resolve_timeout" validate:"min=1s"`

	OTelEndpoint   string `yaml:"otel_endpoint"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	GinMode        string `yaml:"gin_mode" validate:"oneof=debug release test"`
	LogLevel       string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogDir         string `yaml:"log_dir"`

	DocumentIndexPath string `yaml:"document_index_path" validate:"required"`
}

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{
		Port:                 3000,
		GeminiModel:          llm.DefaultModel,
		GeminiBaseURL:        llm.DefaultBaseURL,
		RateLimitMaxRequests: 10,
		RateLimitWindow:      60 * time.Second,
		MaxRequestBytes:      datatypes.DefaultMaxRequestBytes,
		MaxMessages:          datatypes.DefaultMaxMessages,
		MaxMessageChars:      datatypes.DefaultMaxMessageChars,
		RequestTimeout:       120 * time.Second,
		StoreResolveTimeout:  30 * time.Second,
		MetricsEnabled:       true,
		GinMode:              "release",
		LogLevel:             "info",
		DocumentIndexPath:    "data/index",
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Loader merges the configuration sources.
type Loader struct {
	// Lookup reads environment variables. Default: os.LookupEnv.
	Lookup LookupFunc
	// SecretPath is the fallback API key file. Default: DefaultSecretPath.
	SecretPath string
	// Logger receives fallback warnings. Default: slog.Default().
	Logger *slog.Logger
}

// Load reads the optional YAML file at path, applies the environment, and
// validates the result.
func Load(path string) (Config, error) {
	return Loader{}.Load(path)
}

// Load is the configurable form of the package-level Load.
func (l Loader) Load(path string) (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.SecretPath == "" {
		l.SecretPath = DefaultSecretPath
	}
	if l.Logger == nil {
		l.Logger = slog.Default()
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty file decodes to io.EOF and means "no overrides".
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	l.applyEnv(&cfg)

	if cfg.GeminiAPIKey == "" {
		if content, err := os.ReadFile(l.SecretPath); err == nil {
			cfg.GeminiAPIKey = strings.TrimSpace(string(content))
			l.Logger.Info("Read Gemini API key from secrets file", "path", l.SecretPath)
		}
	}
	if cfg.GeminiAPIKey == "" {
		l.Logger.Warn("GEMINI_API_KEY is missing; /chat will answer API_KEY_MISSING until it is set")
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the structural constraints of cfg.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// =============================================================================
// Environment
// =============================================================================

func (l Loader) applyEnv(cfg *Config) {
	l.portVar("GATEWAY_PORT", &cfg.Port)
	l.stringVar("GEMINI_API_KEY", &cfg.GeminiAPIKey)
	l.stringVar("GEMINI_MODEL", &cfg.GeminiModel)
	l.stringVar("GEMINI_BASE_URL", &cfg.GeminiBaseURL)
	l.intVar("RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimitMaxRequests)
	l.durationVar("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	l.kibVar("MAX_REQUEST_SIZE_KB", &cfg.MaxRequestBytes)
	l.intVar("MAX_MESSAGES", &cfg.MaxMessages)
	l.intVar("MAX_MESSAGE_CHARS", &cfg.MaxMessageChars)
	l.durationVar("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	l.durationVar("STORE_RESOLVE_TIMEOUT", &cfg.StoreResolveTimeout)
	l.stringVar("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)
	l.boolVar("METRICS_ENABLED", &cfg.MetricsEnabled)
	l.enumVar("GIN_MODE", &cfg.GinMode, "debug", "release", "test")
	l.enumVar("LOG_LEVEL", &cfg.LogLevel, "debug", "info", "warn", "error")
	l.stringVar("LOG_DIR", &cfg.LogDir)
	l.stringVar("DOCUMENT_INDEX_PATH", &cfg.DocumentIndexPath)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
}

func (l Loader) value(key string) (string, bool) {
	v, ok := l.Lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (l Loader) stringVar(key string, dst *string) {
	if v, ok := l.value(key); ok {
		*dst = v
	}
}

func (l Loader) portVar(key string, dst *int) {
	prev := *dst
	l.intVar(key, dst)
	if *dst > 65535 {
		l.Logger.Warn("Ignoring out-of-range port", "key", key, "value", *dst, "using", prev)
		*dst = prev
	}
}

// intVar keeps *dst when the value is not a positive integer.
func (l Loader) intVar(key string, dst *int) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		l.Logger.Warn("Ignoring malformed environment value", "key", key, "value", v, "using", *dst)
		return
	}
	*dst = n
}

func (l Loader) kibVar(key string, dst *int64) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		l.Logger.Warn("Ignoring malformed environment value", "key", key, "value", v, "using_bytes", *dst)
		return
	}
	*dst = n * 1024
}

// minDuration matches the min=1s tag on every duration field.
const minDuration = time.Second

// durationVar accepts Go durations ("90s") or a bare integer in milliseconds.
// Values below minDuration are ignored like malformed ones.
func (l Loader) durationVar(key string, dst *time.Duration) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
		d, err = time.Duration(ms)*time.Millisecond, nil
	}
	if err != nil || d < minDuration {
		l.Logger.Warn("Ignoring malformed environment value", "key", key, "value", v,
			"minimum", minDuration.String(), "using", dst.String())
		return
	}
	*dst = d
}

// enumVar keeps *dst when the lower-cased value is not one of allowed.
func (l Loader) enumVar(key string, dst *string, allowed ...string) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	v = strings.ToLower(strings.TrimSpace(v))
	if !slices.Contains(allowed, v) {
		l.Logger.Warn("Ignoring malformed environment value", "key", key, "value", v, "using", *dst)
		return
	}
	*dst = v
}

func (l Loader) boolVar(key string, dst *bool) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.Logger.Warn("Ignoring malformed environment value", "key", key, "value", v, "using", *dst)
		return
	}
	*dst = b
}
