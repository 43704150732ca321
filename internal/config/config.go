// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration. Values come from an
// optional YAML file overlaid with environment variables; the
// environment always wins so deployments can override a shared file
// per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmspan/llmspan/internal/tracing"
	apperrors "github.com/llmspan/llmspan/pkg/errors"
)

// Environment variables read by Load.
const (
	EnvConfigPath    = "LLMSPAN_CONFIG"
	EnvListenAddr    = "LLMSPAN_LISTEN_ADDR"
	EnvModel         = "LLMSPAN_MODEL"
	EnvAuthToken     = "LLMSPAN_AUTH_TOKEN"
	EnvTraceDB       = "LLMSPAN_TRACE_DB"
	EnvTraceKey      = "LLMSPAN_TRACE_KEY"
	EnvSampleRate    = "LLMSPAN_SAMPLE_RATE"
	EnvRetention     = "LLMSPAN_TRACE_RETENTION"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPProtocol  = "OTEL_EXPORTER_OTLP_PROTOCOL"
	EnvOTLPHeaders   = "OTEL_EXPORTER_OTLP_HEADERS"
)

// Config is the complete daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address (default ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// Model is the default model for completion requests.
	Model string `yaml:"model"`

	// RequestTimeout bounds each provider call (default 60s).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// OpenAI configures the completion provider.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Auth configures API authentication and rate limiting.
	Auth AuthConfig `yaml:"auth"`

	// Tracing configures the observability stack.
	Tracing tracing.Config `yaml:"tracing"`
}

// OpenAIConfig holds provider credentials and endpoint.
type OpenAIConfig struct {
	// APIKey authenticates with the OpenAI API. Environment only; a
	// key found in a YAML file is rejected to keep secrets out of
	// checked-in config.
	APIKey string `yaml:"-"`

	// BaseURL overrides the API endpoint (for proxies and tests).
	BaseURL string `yaml:"base_url"`
}

// AuthConfig configures bearer authentication and rate limiting.
type AuthConfig struct {
	// Token is the bearer secret. Empty disables authentication.
	Token string `yaml:"-"`

	// RateLimit controls per-client request throttling.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig mirrors the auth package limiter settings.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8080",
		Model:          "gpt-4o-mini",
		RequestTimeout: 60 * time.Second,
		Tracing:        tracing.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (or $LLMSPAN_CONFIG when path is empty), then environment overrides.
// A missing file is fine; a present but unreadable one is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &apperrors.ConfigError{Key: "config_file", Reason: "unreadable config file", Cause: err}
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &apperrors.ConfigError{Key: "config_file", Reason: "invalid YAML", Cause: err}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvOpenAIBaseURL); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv(EnvTraceDB); v != "" {
		cfg.Tracing.Storage.Path = v
	}
	if v := os.Getenv(EnvRetention); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return &apperrors.ConfigError{Key: EnvRetention, Reason: "must be a positive duration (e.g. 168h)"}
		}
		cfg.Tracing.Storage.Retention = d
	}
	if v := os.Getenv(EnvSampleRate); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 || rate > 1 {
			return &apperrors.ConfigError{Key: EnvSampleRate, Reason: "must be a number between 0.0 and 1.0"}
		}
		cfg.Tracing.Sampling.Enabled = true
		cfg.Tracing.Sampling.Rate = rate
	}

	if endpoint := os.Getenv(EnvOTLPEndpoint); endpoint != "" {
		exporter := tracing.ExporterConfig{
			Type:     otlpExporterType(os.Getenv(EnvOTLPProtocol)),
			Endpoint: endpoint,
		}
		if headers := os.Getenv(EnvOTLPHeaders); headers != "" {
			parsed, err := parseHeaders(headers)
			if err != nil {
				return &apperrors.ConfigError{Key: EnvOTLPHeaders, Reason: err.Error()}
			}
			exporter.Headers = parsed
		}
		cfg.Tracing.Exporters = append(cfg.Tracing.Exporters, exporter)
	}

	return nil
}

// Validate checks that the configuration can actually run a daemon.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return &apperrors.ConfigError{
			Key:    "openai.api_key",
			Reason: fmt.Sprintf("missing API key (set %s)", EnvOpenAIKey),
		}
	}
	if c.ListenAddr == "" {
		return &apperrors.ConfigError{Key: "listen_addr", Reason: "must not be empty"}
	}
	if c.RequestTimeout <= 0 {
		return &apperrors.ConfigError{Key: "request_timeout", Reason: "must be positive"}
	}
	return nil
}

// otlpExporterType maps the standard OTLP protocol names onto exporter
// types. gRPC is the default, matching the OpenTelemetry SDK.
func otlpExporterType(protocol string) string {
	switch protocol {
	case "http/protobuf", "http":
		return "otlp-http"
	default:
		return "otlp"
	}
}

// parseHeaders parses the W3C-style comma-separated key=value list used
// by OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("malformed header entry %q, expected key=value", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}
