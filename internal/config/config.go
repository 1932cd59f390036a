// Package config provides the root configuration for the session simulator.
// The main Config struct ties together the component configurations.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/sessionsim/internal/fingerprint"
	"github.com/example/sessionsim/internal/runner"
	"github.com/example/sessionsim/internal/scenario"
	"github.com/example/sessionsim/internal/traffic"
	"github.com/example/sessionsim/internal/userpool"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Config is the root configuration structure for the simulator.
type Config struct {
	// TargetURL is the base navigation URL of the instrumented site.
	TargetURL string `yaml:"targetUrl" json:"targetUrl"`

	// GTMSnippet is the Google Tag Manager container reference injected
	// into the target page before navigation.
	GTMSnippet string `yaml:"gtmSnippet,omitempty" json:"gtmSnippet,omitempty"`

	// CMPSnippet is the consent-management snippet reference injected into
	// the target page before navigation.
	CMPSnippet string `yaml:"cmpSnippet,omitempty" json:"cmpSnippet,omitempty"`

	// TrafficSources is the weighted set of acquisition channels.
	// Empty means the built-in default mix.
	TrafficSources []traffic.Source `yaml:"trafficSources,omitempty" json:"trafficSources,omitempty"`

	// Funnel configures the scenario distribution.
	Funnel scenario.FunnelRates `yaml:"funnel,omitempty" json:"funnel,omitempty"`

	// Users tunes the virtual-user pool.
	Users userpool.Config `yaml:"users,omitempty" json:"users,omitempty"`

	// Sessions tunes the session scheduler.
	Sessions runner.Config `yaml:"sessions,omitempty" json:"sessions,omitempty"`

	// Timing tunes session pacing.
	Timing scenario.Timing `yaml:"timing,omitempty" json:"timing,omitempty"`

	// Fingerprint tunes device fingerprint generation.
	Fingerprint fingerprint.Config `yaml:"fingerprint,omitempty" json:"fingerprint,omitempty"`

	// DataDir is the directory holding the persisted user pool.
	// Default: "data"
	DataDir string `yaml:"dataDir,omitempty" json:"dataDir,omitempty"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// MetricsConfig configures metrics exposition.
type MetricsConfig struct {
	// ListenAddr is the address of the Prometheus metrics endpoint
	// (e.g. ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listenAddr,omitempty" json:"listenAddr,omitempty"`
}

// DefaultTrafficSources returns the built-in acquisition channel mix used
// when the configuration does not declare one.
func DefaultTrafficSources() []traffic.Source {
	return []traffic.Source{
		{Name: "organic_google", Weight: 0.40, Source: "google", Medium: "organic", Referrer: "https://www.google.com/"},
		{Name: "paid_search", Weight: 0.20, Source: "google", Medium: "cpc", Campaign: "brand_2026"},
		{Name: "social_instagram", Weight: 0.15, Source: "instagram", Medium: "social", Referrer: "https://www.instagram.com/"},
		{Name: "direct", Weight: 0.10, Source: traffic.DirectSource, Medium: traffic.NoneMedium},
		{Name: "referral", Weight: 0.10, Source: "partner-blog.de", Medium: "referral", Referrer: "https://partner-blog.de/artikel"},
		{Name: "email", Weight: 0.05, Source: "newsletter", Medium: "email", Campaign: "feb_2026"},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("%w: targetUrl is required", ErrInvalidConfig)
	}

	for i := range c.TrafficSources {
		if err := c.TrafficSources[i].Validate(); err != nil {
			return fmt.Errorf("trafficSources[%d]: %w", i, err)
		}
	}

	if err := c.Funnel.Validate(); err != nil {
		return err
	}
	if err := c.Users.Validate(); err != nil {
		return err
	}
	if err := c.Sessions.Validate(); err != nil {
		return err
	}
	if err := c.Timing.Validate(); err != nil {
		return err
	}

	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if len(c.TrafficSources) == 0 {
		c.TrafficSources = DefaultTrafficSources()
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	c.Funnel.ApplyDefaults()
	c.Users.ApplyDefaults()
	c.Sessions.ApplyDefaults()
	c.Timing.ApplyDefaults()
	c.Fingerprint.ApplyDefaults()
}
