// Copyright 2026 The Compass Authors
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

// Package config defines the Compass configuration model and its loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for a Compass deployment.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Registry  RegistryConfig  `yaml:"registry" json:"registry"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Feedback  FeedbackConfig  `yaml:"feedback" json:"feedback"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Registry.SetDefaults()
	c.Embedding.SetDefaults()
	c.Index.SetDefaults()
	c.Cache.SetDefaults()
	c.Search.SetDefaults()
	c.Feedback.SetDefaults()
	c.Auth.SetDefaults()
	c.RateLimit.SetDefaults()
}

// Validate validates every section.
func (c *Config) Validate() error {
	for name, v := range map[string]interface{ Validate() error }{
		"server":     &c.Server,
		"registry":   &c.Registry,
		"embedding":  &c.Embedding,
		"index":      &c.Index,
		"cache":      &c.Cache,
		"search":     &c.Search,
		"feedback":   &c.Feedback,
		"auth":       &c.Auth,
		"rate_limit": &c.RateLimit,
	} {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host             string `yaml:"host,omitempty" json:"host,omitempty"`
	Port             int    `yaml:"port,omitempty" json:"port,omitempty"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms,omitempty" json:"request_timeout_ms,omitempty" env:"REQUEST_TIMEOUT_MS"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RequestTimeoutMS == 0 {
		c.RequestTimeoutMS = 5000
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RequestTimeoutMS <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive")
	}
	return nil
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout returns the per-request deadline.
func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// RegistryConfig points at the service/tool registry database.
type RegistryConfig struct {
	// Driver is the database/sql driver name. Only "sqlite3" is built in.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	// DSN is the driver-specific data source name.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

func (c *RegistryConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.DSN == "" {
		c.DSN = "compass.db"
	}
}

func (c *RegistryConfig) Validate() error {
	if c.Driver != "sqlite3" {
		return fmt.Errorf("unsupported registry driver %q", c.Driver)
	}
	return nil
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Model identifies the embedding model. Changing it triggers a full
	// rebuild on next start.
	Model string `yaml:"model,omitempty" json:"model,omitempty" env:"EMBEDDING_MODEL"`
	// Dimension of the output vectors; must match the model.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" env:"EMBEDDING_DIMENSION"`
	// Host is the embedding inference endpoint for the primary backend.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	// TimeoutSeconds bounds a single inference call.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	// MaxRetries for transient inference failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	// FallbackSeed seeds the term-frequency fallback's random projection so
	// embeddings stay deterministic across restarts.
	FallbackSeed int64 `yaml:"fallback_seed,omitempty" json:"fallback_seed,omitempty"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.Host == "" {
		c.Host = "http://localhost:11434"
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.FallbackSeed == 0 {
		c.FallbackSeed = 1
	}
}

func (c *EmbeddingConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	return nil
}

// IndexConfig configures the vector indexes and their snapshots.
type IndexConfig struct {
	// Backend selects the index implementation: "memory" or "chromem".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`
	// Dir is the filesystem path for persisted snapshots.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" env:"INDEX_DIR"`
}

func (c *IndexConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Dir == "" {
		c.Dir = ".compass/index"
	}
}

func (c *IndexConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "chromem" {
		return fmt.Errorf("invalid index backend %q, must be 'memory' or 'chromem'", c.Backend)
	}
	return nil
}

// CacheConfig configures the two-tier cache layer.
type CacheConfig struct {
	// EmbeddingTTLSeconds is the embedding cache TTL (default 24h).
	EmbeddingTTLSeconds int `yaml:"embedding_ttl_seconds,omitempty" json:"embedding_ttl_seconds,omitempty" env:"EMBEDDING_CACHE_TTL_SECONDS"`
	// ResponseTTLSeconds is the response cache TTL (default 1h).
	ResponseTTLSeconds int `yaml:"response_ttl_seconds,omitempty" json:"response_ttl_seconds,omitempty" env:"RESPONSE_CACHE_TTL_SECONDS"`
	// EmbeddingCapacity bounds the in-process embedding LRU.
	EmbeddingCapacity int `yaml:"embedding_capacity,omitempty" json:"embedding_capacity,omitempty"`
	// ResponseCapacity bounds the in-process response LRU.
	ResponseCapacity int `yaml:"response_capacity,omitempty" json:"response_capacity,omitempty"`
	// RedisAddr enables the optional shared tier when non-empty.
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	// RedisDB selects the redis logical database.
	RedisDB int `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
}

func (c *CacheConfig) SetDefaults() {
	if c.EmbeddingTTLSeconds == 0 {
		c.EmbeddingTTLSeconds = 24 * 3600
	}
	if c.ResponseTTLSeconds == 0 {
		c.ResponseTTLSeconds = 3600
	}
	if c.EmbeddingCapacity == 0 {
		c.EmbeddingCapacity = 10000
	}
	if c.ResponseCapacity == 0 {
		c.ResponseCapacity = 5000
	}
}

func (c *CacheConfig) Validate() error {
	if c.EmbeddingTTLSeconds < 0 || c.ResponseTTLSeconds < 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	return nil
}

// EmbeddingTTL returns the embedding cache TTL as a duration.
func (c *CacheConfig) EmbeddingTTL() time.Duration {
	return time.Duration(c.EmbeddingTTLSeconds) * time.Second
}

// ResponseTTL returns the response cache TTL as a duration.
func (c *CacheConfig) ResponseTTL() time.Duration {
	return time.Duration(c.ResponseTTLSeconds) * time.Second
}

// SearchConfig tunes the search pipeline.
type SearchConfig struct {
	// OverFetchFactor multiplies the caller limit when querying the index to
	// leave headroom for policy filtering.
	OverFetchFactor int `yaml:"over_fetch_factor,omitempty" json:"over_fetch_factor,omitempty" env:"OVER_FETCH_FACTOR"`
	// KeywordMaxCandidates bounds the degraded keyword scan.
	KeywordMaxCandidates int `yaml:"keyword_max_candidates,omitempty" json:"keyword_max_candidates,omitempty"`
}

func (c *SearchConfig) SetDefaults() {
	if c.OverFetchFactor == 0 {
		c.OverFetchFactor = 3
	}
	if c.KeywordMaxCandidates == 0 {
		c.KeywordMaxCandidates = 500
	}
}

func (c *SearchConfig) Validate() error {
	if c.OverFetchFactor < 1 {
		return fmt.Errorf("over_fetch_factor must be positive")
	}
	return nil
}

// FeedbackConfig tunes the feedback ranker.
type FeedbackConfig struct {
	// RefreshSeconds is the boost recomputation cadence (default 900).
	RefreshSeconds int `yaml:"refresh_seconds,omitempty" json:"refresh_seconds,omitempty" env:"FEEDBACK_REFRESH_SECONDS"`
	// BoostBounds clamps boost factors, [min, max].
	BoostBounds []float64 `yaml:"boost_bounds,omitempty" json:"boost_bounds,omitempty" env:"BOOST_BOUNDS"`
	// PositionBias selects the position-bias correction curve. Only
	// "log2" (1/log2(position+1)) is built in; deployments must calibrate
	// from their own click logs.
	PositionBias string `yaml:"position_bias,omitempty" json:"position_bias,omitempty"`
	// DecayBuckets maps age cutoffs to weights; defaults to
	// 24h→1.0, 7d→0.7, 30d→0.3, older→0.1.
	DecayBuckets []DecayBucket `yaml:"decay_buckets,omitempty" json:"decay_buckets,omitempty"`
}

// DecayBucket weights feedback events by age.
type DecayBucket struct {
	MaxAgeHours int     `yaml:"max_age_hours" json:"max_age_hours"`
	Weight      float64 `yaml:"weight" json:"weight"`
}

func (c *FeedbackConfig) SetDefaults() {
	if c.RefreshSeconds == 0 {
		c.RefreshSeconds = 900
	}
	if len(c.BoostBounds) != 2 {
		c.BoostBounds = []float64{-0.1, 0.2}
	}
	if c.PositionBias == "" {
		c.PositionBias = "log2"
	}
	if len(c.DecayBuckets) == 0 {
		c.DecayBuckets = []DecayBucket{
			{MaxAgeHours: 24, Weight: 1.0},
			{MaxAgeHours: 7 * 24, Weight: 0.7},
			{MaxAgeHours: 30 * 24, Weight: 0.3},
		}
	}
}

func (c *FeedbackConfig) Validate() error {
	if len(c.BoostBounds) != 2 || c.BoostBounds[0] > c.BoostBounds[1] {
		return fmt.Errorf("boost_bounds must be [min, max] with min <= max")
	}
	if c.RefreshSeconds <= 0 {
		return fmt.Errorf("refresh_seconds must be positive")
	}
	return nil
}

// RefreshInterval returns the boost refresh cadence.
func (c *FeedbackConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshSeconds) * time.Second
}

// AuthConfig configures the authentication gate.
type AuthConfig struct {
	// JWKSURL enables asymmetric JWT validation against a provider keyset.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`
	// Issuer expected in bearer tokens.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	// Audience expected in bearer tokens.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`
	// SharedSecret enables HS256 validation when no JWKS URL is configured.
	SharedSecret string `yaml:"shared_secret,omitempty" json:"shared_secret,omitempty" env:"AUTH_SHARED_SECRET"`
}

func (c *AuthConfig) SetDefaults() {}

func (c *AuthConfig) Validate() error {
	if c.JWKSURL == "" && c.SharedSecret == "" {
		return fmt.Errorf("either jwks_url or shared_secret is required")
	}
	return nil
}

// RateLimitConfig configures per-identity admission limits.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// PerMinute is the default sustained limit per identity.
	PerMinute int `yaml:"per_minute,omitempty" json:"per_minute,omitempty" env:"RATE_LIMIT_DEFAULT_PER_MINUTE"`
	// Burst is the bucket capacity above the sustained rate.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty" env:"RATE_LIMIT_BURST"`
}

// IsEnabled returns true unless rate limiting is explicitly disabled.
func (c *RateLimitConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *RateLimitConfig) SetDefaults() {
	if c.PerMinute == 0 {
		c.PerMinute = 60
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
}

func (c *RateLimitConfig) Validate() error {
	if c.PerMinute < 0 || c.Burst < 0 {
		return fmt.Errorf("limits must be positive")
	}
	return nil
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	// Exporter is "stdout" or "none".
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty"`
}

// SetDefaults sets tracing defaults.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "compass"
	}
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
}

// BoolPtr returns a pointer to b, for optional config flags.
func BoolPtr(b bool) *bool { return &b }
