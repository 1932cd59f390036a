// Package userpool manages the persistent pool of virtual-user identities
// that lets the simulator emulate new versus returning visitors. Returning
// users carry saved browser storage state across sessions; the pool evicts
// the least recently seen users once it exceeds its configured size.
package userpool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by the userpool package.
var (
	// ErrInvalidConfig is returned when the pool configuration is invalid.
	ErrInvalidConfig = errors.New("userpool: invalid configuration")
)

// Config tunes the virtual-user pool.
type Config struct {
	// ReturningUserRate is the probability that a session request is served
	// by an existing user instead of a new one.
	// Default: 0.35
	ReturningUserRate float64 `yaml:"returningUserRate" json:"returningUserRate"`

	// MaxPoolSize caps the number of persisted users. When exceeded, the
	// users with the oldest last visit are evicted with their saved state.
	// Default: 200
	MaxPoolSize int `yaml:"maxPoolSize" json:"maxPoolSize"`
}

// Validate validates the pool configuration.
func (c *Config) Validate() error {
	if c.ReturningUserRate < 0 || c.ReturningUserRate > 1 {
		return fmt.Errorf("%w: returningUserRate must be in [0,1]", ErrInvalidConfig)
	}
	if c.MaxPoolSize < 0 {
		return fmt.Errorf("%w: maxPoolSize must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.ReturningUserRate == 0 {
		c.ReturningUserRate = 0.35
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 200
	}
}

// User is a virtual visitor identity. Identity fields are immutable once
// created; SessionCount and LastVisit advance only when a session completes.
type User struct {
	// ID uniquely identifies the user across runs.
	ID string

	// CreatedAt is when the identity was first synthesized.
	CreatedAt time.Time

	// SessionCount is the number of completed sessions for this user.
	SessionCount int

	// LastVisit is the completion time of the most recent session.
	// Zero for users that have never completed a session.
	LastVisit time.Time

	// IsNew reports whether this identity was synthesized for the current
	// session rather than drawn from the pool.
	IsNew bool

	// StateRef addresses the saved storage-state blob, empty when none
	// exists yet. Blobs are keyed by user id.
	StateRef string
}

// indexEntry is the persisted summary of one pool user.
type indexEntry struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	SessionCount int       `json:"sessionCount"`
	LastVisit    time.Time `json:"lastVisit"`
}

// Stats holds pool statistics.
type Stats struct {
	// TotalUsers is the number of users currently indexed.
	TotalUsers int
	// MaxPoolSize is the configured pool cap.
	MaxPoolSize int
	// ReturningUserRate is the configured returning-user probability.
	ReturningUserRate float64
}

// Pool is the persistent virtual-user pool. All index mutations go through a
// single in-process mutex, so concurrent session completions are serialized
// into a single-writer discipline over the index file.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	store   *fileStore
	entries []indexEntry

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a pool over the given data directory, loading any persisted
// index. A missing or corrupt index yields an empty pool, never an error.
// A nil generator gets a time-seeded one.
func New(dir string, cfg Config, rng *rand.Rand) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	store, err := newFileStore(dir)
	if err != nil {
		return nil, err
	}

	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>32))
	}

	return &Pool{
		cfg:     cfg,
		rng:     rng,
		store:   store,
		entries: store.readIndex(),
		now:     time.Now,
	}, nil
}

// GetUser returns the identity for the next session: an existing user when a
// uniform draw lands below the returning-user rate and the index is
// non-empty, otherwise a freshly synthesized one.
func (p *Pool) GetUser() *User {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rng.Float64() < p.cfg.ReturningUserRate && len(p.entries) > 0 {
		return p.pickReturning()
	}
	return p.newUser()
}

// newUser synthesizes a fresh identity with no saved state.
func (p *Pool) newUser() *User {
	return &User{
		ID:        uuid.NewString(),
		CreatedAt: p.now().UTC(),
		IsNew:     true,
	}
}

// pickReturning selects an indexed user weighted by visit recency. Callers
// must hold p.mu.
//
// If floating-point subtraction leaves the draw marginally positive after
// the last entry, the first indexed user is returned. That tie-break is part
// of the pool's contract; do not replace it with a re-draw.
func (p *Pool) pickReturning() *User {
	total := 0.0
	for _, e := range p.entries {
		total += p.returnWeight(e.LastVisit)
	}

	draw := p.rng.Float64() * total
	for _, e := range p.entries {
		draw -= p.returnWeight(e.LastVisit)
		if draw <= 0 {
			return p.userFromEntry(e)
		}
	}

	return p.userFromEntry(p.entries[0])
}

// returnWeight weights a user's chance of returning by how long ago they
// last visited. Day-old visitors are unlikely to come straight back, the
// week-old band is the most likely to return, and interest decays after a
// month. Users that never completed a visit count as month-old.
func (p *Pool) returnWeight(lastVisit time.Time) float64 {
	since := 30 * 24 * time.Hour
	if !lastVisit.IsZero() {
		since = p.now().Sub(lastVisit)
	}

	switch {
	case since < 24*time.Hour:
		return 0.5
	case since < 7*24*time.Hour:
		return 2.0
	case since < 30*24*time.Hour:
		return 1.5
	default:
		return 1.0
	}
}

func (p *Pool) userFromEntry(e indexEntry) *User {
	return &User{
		ID:           e.ID,
		CreatedAt:    e.CreatedAt,
		SessionCount: e.SessionCount,
		LastVisit:    e.LastVisit,
		StateRef:     e.ID,
	}
}

// SaveUserState records a completed session: the storage-state blob is
// persisted under the user's id, the index entry is upserted with an
// incremented session count and fresh last visit, the pool-size invariant is
// enforced, and the index record is rewritten synchronously.
func (p *Pool) SaveUserState(user *User, state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.writeState(user.ID, state); err != nil {
		return err
	}

	now := p.now().UTC()
	updated := false
	for i := range p.entries {
		if p.entries[i].ID == user.ID {
			p.entries[i].SessionCount++
			p.entries[i].LastVisit = now
			updated = true
			break
		}
	}
	if !updated {
		p.entries = append(p.entries, indexEntry{
			ID:           user.ID,
			CreatedAt:    user.CreatedAt,
			SessionCount: user.SessionCount + 1,
			LastVisit:    now,
		})
	}

	p.evictOldest()

	return p.store.writeIndex(p.entries)
}

// evictOldest trims the index to MaxPoolSize, dropping the entries with the
// oldest last visit first. A zero LastVisit sorts as oldest. Evicted state
// blobs are deleted best effort. Callers must hold p.mu.
func (p *Pool) evictOldest() {
	if len(p.entries) <= p.cfg.MaxPoolSize {
		return
	}

	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].LastVisit.Before(p.entries[j].LastVisit)
	})

	for len(p.entries) > p.cfg.MaxPoolSize {
		p.store.deleteState(p.entries[0].ID)
		p.entries = p.entries[1:]
	}
}

// LoadStorageState returns the saved storage-state blob for a user, or nil
// when none exists or the blob is unreadable. Absent state is the new-user
// fallback, never an error.
func (p *Pool) LoadStorageState(userID string) []byte {
	return p.store.readState(userID)
}

// Size returns the number of indexed users.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalUsers:        len(p.entries),
		MaxPoolSize:       p.cfg.MaxPoolSize,
		ReturningUserRate: p.cfg.ReturningUserRate,
	}
}
