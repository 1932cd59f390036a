package traffic

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSources() []Source {
	return []Source{
		{Name: "organic_google", Weight: 0.6, Source: "google", Medium: "organic", Referrer: "https://www.google.com/"},
		{Name: "email", Weight: 0.4, Source: "newsletter", Medium: "email", Campaign: "feb_2026"},
	}
}

func newTestSelector(t *testing.T, sources []Source) *Selector {
	t.Helper()
	s, err := NewSelector(sources, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	return s
}

func TestPick(t *testing.T) {
	s := newTestSelector(t, testSources())

	tests := []struct {
		name string
		draw float64
		want string
	}{
		{"low draw lands on first source", 0.3, "organic_google"},
		{"boundary goes to next source", 0.6, "email"},
		{"high draw lands on second source", 0.8, "email"},
		{"zero draw lands on first source", 0.0, "organic_google"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.pick(tt.draw).Name)
		})
	}
}

func TestPickUnderweightedFallsToDirect(t *testing.T) {
	// Weights summing to less than 1 leave unassigned mass; draws landing
	// there yield the synthetic direct source.
	s := newTestSelector(t, []Source{
		{Name: "organic_google", Weight: 0.3, Source: "google", Medium: "organic"},
	})

	got := s.pick(0.9)
	assert.Equal(t, "direct", got.Name)
	assert.Equal(t, DirectSource, got.Source)
	assert.Equal(t, NoneMedium, got.Medium)
	assert.True(t, got.IsDirect())
}

func TestSelectEmptySources(t *testing.T) {
	s := newTestSelector(t, nil)
	got := s.Select()
	assert.True(t, got.IsDirect())
}

func TestSelectDistribution(t *testing.T) {
	s := newTestSelector(t, testSources())

	const n = 20000
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		counts[s.Select().Name]++
	}

	assert.InDelta(t, 0.6, float64(counts["organic_google"])/n, 0.02)
	assert.InDelta(t, 0.4, float64(counts["email"])/n, 0.02)
}

func TestNewSelectorValidation(t *testing.T) {
	_, err := NewSelector([]Source{{Weight: 0.5}}, nil)
	assert.ErrorIs(t, err, ErrInvalidSource)

	_, err = NewSelector([]Source{{Name: "bad", Weight: -1}}, nil)
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		src  Source
		want string
	}{
		{
			name: "full attribution in fixed order",
			base: "https://shop.example.de/",
			src: Source{
				Source: "google", Medium: "cpc", Campaign: "brand_2026",
				Term: "schuhe kaufen", Content: "ad_a",
			},
			want: "https://shop.example.de/?utm_source=google&utm_medium=cpc&utm_campaign=brand_2026&utm_term=schuhe+kaufen&utm_content=ad_a",
		},
		{
			name: "direct sentinels emit nothing",
			base: "https://shop.example.de/",
			src:  Source{Source: DirectSource, Medium: NoneMedium},
			want: "https://shop.example.de/",
		},
		{
			name: "empty source emits nothing",
			base: "https://shop.example.de/landing",
			src:  Source{},
			want: "https://shop.example.de/landing",
		},
		{
			name: "existing query is preserved",
			base: "https://shop.example.de/?lang=de",
			src:  Source{Source: "instagram", Medium: "social"},
			want: "https://shop.example.de/?lang=de&utm_source=instagram&utm_medium=social",
		},
		{
			name: "campaign without medium",
			base: "https://shop.example.de/",
			src:  Source{Source: "newsletter", Campaign: "feb_2026"},
			want: "https://shop.example.de/?utm_source=newsletter&utm_campaign=feb_2026",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildURL(tt.base, tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildURLInvalidBase(t *testing.T) {
	_, err := BuildURL("://not-a-url", Source{Source: "google", Medium: "organic"})
	assert.Error(t, err)
}

func TestReferrer(t *testing.T) {
	assert.Equal(t, "https://www.google.com/", Referrer(Source{Referrer: "https://www.google.com/"}))
	assert.Empty(t, Referrer(Source{Name: "paid_search", Source: "google", Medium: "cpc"}))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "organic_google | google/organic", Describe(testSources()[0]))
	assert.Equal(t, "email | newsletter/email | campaign=feb_2026", Describe(testSources()[1]))
	assert.Equal(t, "direct", Describe(Direct()))
}
