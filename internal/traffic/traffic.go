// Package traffic provides weighted traffic-source selection and entry URL
// decoration for the session simulator. A traffic source models an
// acquisition channel (campaign/referrer combination) that is attributed to
// a session via UTM parameters and the navigation referrer.
package traffic

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Sentinel values GA4 uses for sessions without an acquisition channel.
// They are never emitted as UTM parameters.
const (
	DirectSource = "(direct)"
	NoneMedium   = "(none)"
)

// ErrInvalidSource is returned when a configured traffic source is invalid.
var ErrInvalidSource = errors.New("traffic: invalid source")

// Source describes one simulated acquisition channel.
type Source struct {
	// Name identifies the source in configuration and logs.
	Name string `yaml:"name" json:"name"`

	// Source is the utm_source value (e.g. "google").
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// Medium is the utm_medium value (e.g. "organic", "cpc").
	Medium string `yaml:"medium,omitempty" json:"medium,omitempty"`

	// Campaign is the optional utm_campaign value.
	Campaign string `yaml:"campaign,omitempty" json:"campaign,omitempty"`

	// Term is the optional utm_term value.
	Term string `yaml:"term,omitempty" json:"term,omitempty"`

	// Content is the optional utm_content value.
	Content string `yaml:"content,omitempty" json:"content,omitempty"`

	// Weight is the selection probability mass of this source. Weights
	// across the configured set form a cumulative distribution; they are
	// not normalized.
	Weight float64 `yaml:"weight" json:"weight"`

	// Referrer is the HTTP referrer sent with the entry navigation.
	// Empty means no referrer.
	Referrer string `yaml:"referrer,omitempty" json:"referrer,omitempty"`
}

// Validate validates a configured source.
func (s *Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSource)
	}
	if s.Weight < 0 {
		return fmt.Errorf("%w: weight for %s must be non-negative", ErrInvalidSource, s.Name)
	}
	return nil
}

// IsDirect reports whether the source carries no attributable channel.
func (s *Source) IsDirect() bool {
	return (s.Source == "" || s.Source == DirectSource) &&
		(s.Medium == "" || s.Medium == NoneMedium)
}

// Direct returns the synthetic direct source used when no configured source
// can be selected.
func Direct() Source {
	return Source{
		Name:   "direct",
		Source: DirectSource,
		Medium: NoneMedium,
	}
}

// Selector picks traffic sources by cumulative weight.
//
// Thread Safety: Safe for concurrent use.
type Selector struct {
	mu      sync.Mutex
	rng     *rand.Rand
	sources []Source
}

// NewSelector creates a selector over the configured sources. A nil generator
// gets a time-seeded one.
func NewSelector(sources []Source, rng *rand.Rand) (*Selector, error) {
	for i := range sources {
		if err := sources[i].Validate(); err != nil {
			return nil, fmt.Errorf("source[%d]: %w", i, err)
		}
	}
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>32))
	}
	return &Selector{rng: rng, sources: sources}, nil
}

// Select draws one source from the cumulative weight distribution. If the
// draw exceeds the accumulated weight (weights summing to less than 1) or no
// sources are configured, the synthetic direct source is returned.
func (s *Selector) Select() Source {
	s.mu.Lock()
	draw := s.rng.Float64()
	s.mu.Unlock()
	return s.pick(draw)
}

// pick performs the cumulative walk for a given draw in [0,1).
func (s *Selector) pick(draw float64) Source {
	cumulative := 0.0
	for _, src := range s.sources {
		cumulative += src.Weight
		if draw < cumulative {
			return src
		}
	}
	return Direct()
}

// Sources returns the configured source list.
func (s *Selector) Sources() []Source {
	return s.sources
}

// BuildURL decorates the base URL with the source's UTM parameters.
// utm_source and utm_medium are only appended for non-sentinel values;
// utm_campaign, utm_term and utm_content only when present. Parameters are
// appended in that order, after any existing query. A direct source leaves
// the URL untouched.
func BuildURL(baseURL string, src Source) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("traffic: parsing base url: %w", err)
	}

	var params []string
	appendParam := func(key, value string) {
		params = append(params, key+"="+url.QueryEscape(value))
	}

	if src.Source != "" && src.Source != DirectSource {
		appendParam("utm_source", src.Source)
	}
	if src.Medium != "" && src.Medium != NoneMedium {
		appendParam("utm_medium", src.Medium)
	}
	if src.Campaign != "" {
		appendParam("utm_campaign", src.Campaign)
	}
	if src.Term != "" {
		appendParam("utm_term", src.Term)
	}
	if src.Content != "" {
		appendParam("utm_content", src.Content)
	}

	if len(params) == 0 {
		return baseURL, nil
	}

	query := strings.Join(params, "&")
	if u.RawQuery != "" {
		u.RawQuery += "&" + query
	} else {
		u.RawQuery = query
	}
	return u.String(), nil
}

// Referrer returns the navigation referrer for a source, or empty when the
// source has none configured. Referrers are never fabricated.
func Referrer(src Source) string {
	return src.Referrer
}

// Describe formats a source for logging: name, then source/medium for
// attributable channels, then the campaign when present.
func Describe(src Source) string {
	parts := []string{src.Name}
	if src.Source != "" && src.Source != DirectSource {
		parts = append(parts, src.Source+"/"+src.Medium)
	}
	if src.Campaign != "" {
		parts = append(parts, "campaign="+src.Campaign)
	}
	return strings.Join(parts, " | ")
}
