package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sessionsim/internal/traffic"
)

const validYAML = `
targetUrl: "https://shop.example.de/"
gtmSnippet: "GTM-ABC123"
cmpSnippet: "cmp-v2"
trafficSources:
  - name: organic_google
    weight: 0.7
    source: google
    medium: organic
    referrer: "https://www.google.com/"
  - name: email
    weight: 0.3
    source: newsletter
    medium: email
    campaign: feb_2026
funnel:
  bounceRate: 0.4
  browseRate: 0.3
  cartAbandonRate: 0.15
  checkoutAbandonRate: 0.1
  purchaseRate: 0.05
users:
  returningUserRate: 0.5
  maxPoolSize: 100
sessions:
  intervalSeconds: 60
  maxConcurrent: 5
timing:
  pageLoadWaitMs: 2000
  minEventDelayMs: 1000
  maxEventDelayMs: 8000
dataDir: "testdata-pool"
metrics:
  listenAddr: ":9090"
`

func TestLoadFromBytes(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example.de/", cfg.TargetURL)
	assert.Equal(t, "GTM-ABC123", cfg.GTMSnippet)
	assert.Equal(t, "cmp-v2", cfg.CMPSnippet)
	assert.Equal(t, "testdata-pool", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)

	require.Len(t, cfg.TrafficSources, 2)
	assert.Equal(t, "organic_google", cfg.TrafficSources[0].Name)
	assert.Equal(t, 0.7, cfg.TrafficSources[0].Weight)
	assert.Equal(t, "feb_2026", cfg.TrafficSources[1].Campaign)

	assert.Equal(t, 0.4, cfg.Funnel.Bounce)
	assert.Equal(t, 0.05, cfg.Funnel.Purchase)
	assert.Equal(t, 0.5, cfg.Users.ReturningUserRate)
	assert.Equal(t, 100, cfg.Users.MaxPoolSize)
	assert.Equal(t, 60, cfg.Sessions.IntervalSeconds)
	assert.Equal(t, 5, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, 2000, cfg.Timing.PageLoadWaitMs)
}

func TestLoadFromBytesAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`targetUrl: "https://shop.example.de/"`))
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 0.35, cfg.Users.ReturningUserRate)
	assert.Equal(t, 200, cfg.Users.MaxPoolSize)
	assert.Equal(t, 30, cfg.Sessions.IntervalSeconds)
	assert.Equal(t, 3, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, 3000, cfg.Timing.PageLoadWaitMs)
	assert.Equal(t, 1500, cfg.Timing.MinEventDelayMs)
	assert.Equal(t, 12000, cfg.Timing.MaxEventDelayMs)
	assert.Equal(t, 0.30, cfg.Funnel.Bounce)
	assert.Equal(t, "de-DE", cfg.Fingerprint.Locale)
	assert.Equal(t, "Europe/Berlin", cfg.Fingerprint.Timezone)
	assert.Empty(t, cfg.Metrics.ListenAddr)

	require.NotEmpty(t, cfg.TrafficSources)
	total := 0.0
	for _, src := range cfg.TrafficSources {
		total += src.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestLoadFromBytesMissingTarget(t *testing.T) {
	_, err := LoadFromBytes([]byte(`dataDir: "data"`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadFromBytesInvalidYAML(t *testing.T) {
	_, err := LoadFromBytes([]byte("targetUrl: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFromBytesInvalidSource(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
targetUrl: "https://shop.example.de/"
trafficSources:
  - weight: 0.5
    source: google
`))
	assert.ErrorIs(t, err, traffic.ErrInvalidSource)
}

func TestLoadFromBytesInvalidFunnel(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
targetUrl: "https://shop.example.de/"
funnel:
  bounceRate: 1.5
`))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.de/", cfg.TargetURL)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestDefaultTrafficSources(t *testing.T) {
	sources := DefaultTrafficSources()
	require.Len(t, sources, 6)

	names := make(map[string]traffic.Source, len(sources))
	for _, src := range sources {
		require.NoError(t, src.Validate())
		names[src.Name] = src
	}

	assert.Equal(t, 0.40, names["organic_google"].Weight)
	assert.Equal(t, "cpc", names["paid_search"].Medium)
	assert.NotEmpty(t, names["referral"].Referrer)

	direct := names["direct"]
	assert.True(t, direct.IsDirect())
}
