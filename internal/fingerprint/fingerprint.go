// Package fingerprint generates randomized device fingerprints for new
// virtual users. Returning users keep the context implied by their saved
// storage state; new users get a viewport and user agent drawn from fixed
// candidate pools so the simulated device mix stays realistic.
package fingerprint

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Viewport is a browser viewport size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// viewports is the fixed candidate pool, a mix of common desktop and mobile
// sizes.
var viewports = []Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1366, Height: 768},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1280, Height: 720},
	{Width: 375, Height: 667},
	{Width: 414, Height: 896},
	{Width: 390, Height: 844},
}

// userAgents is the fixed candidate pool of current browser user agents.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2.1 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Mobile Safari/537.36",
}

// Fingerprint is the device identity handed to a fresh browsing context.
type Fingerprint struct {
	Viewport  Viewport
	UserAgent string
	Locale    string
	Timezone  string
}

// Config tunes fingerprint generation.
type Config struct {
	// Locale is the Accept-Language locale for all contexts.
	// Default: "de-DE"
	Locale string `yaml:"locale,omitempty" json:"locale,omitempty"`

	// Timezone is the emulated timezone identifier.
	// Default: "Europe/Berlin"
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// RandomizeUserAgent replaces the fixed user-agent pool with fully
	// synthetic user agents. Off by default; the fixed pool keeps the
	// browser mix predictable for tracking validation.
	RandomizeUserAgent bool `yaml:"randomizeUserAgent,omitempty" json:"randomizeUserAgent,omitempty"`
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Locale == "" {
		c.Locale = "de-DE"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Berlin"
	}
}

// Generator draws device fingerprints from the candidate pools.
//
// Thread Safety: Safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	cfg   Config
	rng   *rand.Rand
	faker *gofakeit.Faker
}

// NewGenerator creates a fingerprint generator. A nil random generator gets
// a time-seeded one.
func NewGenerator(cfg Config, rng *rand.Rand) *Generator {
	cfg.ApplyDefaults()
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>32))
	}
	return &Generator{
		cfg:   cfg,
		rng:   rng,
		faker: gofakeit.New(rng.Uint64()),
	}
}

// Generate draws a fresh device fingerprint.
func (g *Generator) Generate() Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	ua := userAgents[g.rng.IntN(len(userAgents))]
	if g.cfg.RandomizeUserAgent {
		ua = g.faker.UserAgent()
	}

	return Fingerprint{
		Viewport:  viewports[g.rng.IntN(len(viewports))],
		UserAgent: ua,
		Locale:    g.cfg.Locale,
		Timezone:  g.cfg.Timezone,
	}
}
