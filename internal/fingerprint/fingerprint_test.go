package fingerprint

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestGenerator(cfg Config, seed uint64) *Generator {
	return NewGenerator(cfg, rand.New(rand.NewPCG(seed, seed)))
}

func TestGenerateDrawsFromPools(t *testing.T) {
	g := newTestGenerator(Config{}, 1)

	for i := 0; i < 100; i++ {
		fp := g.Generate()
		assert.Contains(t, viewports, fp.Viewport)
		assert.Contains(t, userAgents, fp.UserAgent)
		assert.Equal(t, "de-DE", fp.Locale)
		assert.Equal(t, "Europe/Berlin", fp.Timezone)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a := newTestGenerator(Config{}, 7)
	b := newTestGenerator(Config{}, 7)

	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Generate(), b.Generate())
	}
}

func TestGenerateCoversPools(t *testing.T) {
	g := newTestGenerator(Config{}, 3)

	seenViewports := make(map[Viewport]bool)
	seenAgents := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		fp := g.Generate()
		seenViewports[fp.Viewport] = true
		seenAgents[fp.UserAgent] = true
	}

	assert.Len(t, seenViewports, len(viewports))
	assert.Len(t, seenAgents, len(userAgents))
}

func TestGenerateRandomizedUserAgent(t *testing.T) {
	g := newTestGenerator(Config{RandomizeUserAgent: true}, 5)

	fp := g.Generate()
	assert.NotEmpty(t, fp.UserAgent)
	assert.Contains(t, viewports, fp.Viewport)
}

func TestConfigOverrides(t *testing.T) {
	g := newTestGenerator(Config{Locale: "en-US", Timezone: "America/New_York"}, 1)

	fp := g.Generate()
	assert.Equal(t, "en-US", fp.Locale)
	assert.Equal(t, "America/New_York", fp.Timezone)
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, "de-DE", cfg.Locale)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.False(t, cfg.RandomizeUserAgent)
}
