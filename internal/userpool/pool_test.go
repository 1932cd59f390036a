package userpool

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, dir string, cfg Config) *Pool {
	t.Helper()
	p, err := New(dir, cfg, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	return p
}

func readRawIndex(t *testing.T, dir string) index {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	require.NoError(t, err)
	var idx index
	require.NoError(t, json.Unmarshal(data, &idx))
	return idx
}

func TestGetUserEmptyPoolAlwaysNew(t *testing.T) {
	// Even with a returning rate of 1.0 an empty pool can only mint
	// new identities.
	p := newTestPool(t, t.TempDir(), Config{ReturningUserRate: 1.0, MaxPoolSize: 10})

	u := p.GetUser()
	require.NotNil(t, u)
	assert.True(t, u.IsNew)
	assert.NotEmpty(t, u.ID)
	assert.Empty(t, u.StateRef)
	assert.Zero(t, u.SessionCount)
}

func TestGetUserReturning(t *testing.T) {
	dir := t.TempDir()
	p := newTestPool(t, dir, Config{ReturningUserRate: 1.0, MaxPoolSize: 10})

	u := p.GetUser()
	require.NoError(t, p.SaveUserState(u, []byte(`{"cookies":[]}`)))

	got := p.GetUser()
	assert.Equal(t, u.ID, got.ID)
	assert.False(t, got.IsNew)
	assert.Equal(t, u.ID, got.StateRef)
	assert.Equal(t, 1, got.SessionCount)
	assert.False(t, got.LastVisit.IsZero())
}

func TestSaveUserStatePersistsBlobAndIndex(t *testing.T) {
	dir := t.TempDir()
	p := newTestPool(t, dir, Config{ReturningUserRate: 0.5, MaxPoolSize: 10})

	u := p.GetUser()
	state := []byte(`{"cookies":[{"name":"_ga","value":"GA1.1"}],"origins":[]}`)
	require.NoError(t, p.SaveUserState(u, state))

	assert.Equal(t, state, p.LoadStorageState(u.ID))
	assert.Equal(t, 1, p.Size())

	idx := readRawIndex(t, dir)
	require.Len(t, idx.Users, 1)
	assert.Equal(t, u.ID, idx.Users[0].ID)
	assert.Equal(t, 1, idx.Users[0].SessionCount)
	assert.False(t, idx.Users[0].LastVisit.IsZero())
}

func TestSaveUserStateIncrementsSessionCount(t *testing.T) {
	dir := t.TempDir()
	p := newTestPool(t, dir, Config{ReturningUserRate: 0.5, MaxPoolSize: 10})

	u := p.GetUser()
	require.NoError(t, p.SaveUserState(u, []byte(`{}`)))
	require.NoError(t, p.SaveUserState(u, []byte(`{}`)))
	require.NoError(t, p.SaveUserState(u, []byte(`{}`)))

	idx := readRawIndex(t, dir)
	require.Len(t, idx.Users, 1)
	assert.Equal(t, 3, idx.Users[0].SessionCount)
}

func TestEvictionDropsOldestVisit(t *testing.T) {
	dir := t.TempDir()
	p := newTestPool(t, dir, Config{ReturningUserRate: 0.5, MaxPoolSize: 2})

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	p.now = func() time.Time { return clock }

	var users []*User
	for i := 0; i < 3; i++ {
		u := p.newUser()
		require.NoError(t, p.SaveUserState(u, []byte(`{}`)))
		users = append(users, u)
		clock = clock.Add(time.Hour)
	}

	assert.Equal(t, 2, p.Size())
	// The first-saved user has the oldest last visit and must be gone,
	// together with its state blob.
	assert.Nil(t, p.LoadStorageState(users[0].ID))
	assert.NotNil(t, p.LoadStorageState(users[1].ID))
	assert.NotNil(t, p.LoadStorageState(users[2].ID))
}

func TestEvictionZeroLastVisitSortsOldest(t *testing.T) {
	dir := t.TempDir()

	// Hand-written index with one never-visited user alongside two
	// recently seen ones.
	seeded := index{Users: []indexEntry{
		{ID: "fresh", CreatedAt: time.Now().UTC()},
		{ID: "recent-a", CreatedAt: time.Now().UTC(), SessionCount: 2, LastVisit: time.Now().UTC()},
		{ID: "recent-b", CreatedAt: time.Now().UTC(), SessionCount: 1, LastVisit: time.Now().UTC()},
	}}
	data, err := json.Marshal(seeded)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFile), data, 0o644))

	p := newTestPool(t, dir, Config{ReturningUserRate: 0.5, MaxPoolSize: 3})
	require.Equal(t, 3, p.Size())

	u := p.newUser()
	require.NoError(t, p.SaveUserState(u, []byte(`{}`)))

	assert.Equal(t, 3, p.Size())
	idx := readRawIndex(t, dir)
	for _, e := range idx.Users {
		assert.NotEqual(t, "fresh", e.ID)
	}
}

func TestCorruptIndexYieldsEmptyPool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFile), []byte("{not json"), 0o644))

	p := newTestPool(t, dir, Config{ReturningUserRate: 1.0, MaxPoolSize: 10})
	assert.Equal(t, 0, p.Size())
	assert.True(t, p.GetUser().IsNew)
}

func TestPersistenceAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ReturningUserRate: 1.0, MaxPoolSize: 10}

	first := newTestPool(t, dir, cfg)
	u := first.GetUser()
	require.NoError(t, first.SaveUserState(u, []byte(`{"origins":[]}`)))

	second := newTestPool(t, dir, cfg)
	assert.Equal(t, 1, second.Size())

	got := second.GetUser()
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, []byte(`{"origins":[]}`), second.LoadStorageState(got.ID))
}

func TestLoadStorageStateMissing(t *testing.T) {
	p := newTestPool(t, t.TempDir(), Config{ReturningUserRate: 0.5, MaxPoolSize: 10})
	assert.Nil(t, p.LoadStorageState("no-such-user"))
}

func TestReturnWeightBuckets(t *testing.T) {
	p := newTestPool(t, t.TempDir(), Config{ReturningUserRate: 0.5, MaxPoolSize: 10})

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	tests := []struct {
		name      string
		lastVisit time.Time
		want      float64
	}{
		{"under a day", base.Add(-6 * time.Hour), 0.5},
		{"under a week", base.Add(-3 * 24 * time.Hour), 2.0},
		{"under a month", base.Add(-20 * 24 * time.Hour), 1.5},
		{"over a month", base.Add(-60 * 24 * time.Hour), 1.0},
		{"never visited counts as month-old", time.Time{}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.returnWeight(tt.lastVisit))
		})
	}
}

func TestPickReturningPrefersWeekOldVisitors(t *testing.T) {
	p := newTestPool(t, t.TempDir(), Config{ReturningUserRate: 1.0, MaxPoolSize: 10})

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	// Fixed composition: a visitor from six hours ago (weight 0.5) next to
	// one from three days ago (weight 2.0).
	p.entries = []indexEntry{
		{ID: "same-day", CreatedAt: base.Add(-2 * 24 * time.Hour), SessionCount: 1, LastVisit: base.Add(-6 * time.Hour)},
		{ID: "mid-week", CreatedAt: base.Add(-10 * 24 * time.Hour), SessionCount: 3, LastVisit: base.Add(-3 * 24 * time.Hour)},
	}

	const n = 5000
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		counts[p.GetUser().ID]++
	}

	assert.Equal(t, n, counts["same-day"]+counts["mid-week"])
	assert.Greater(t, counts["mid-week"], counts["same-day"])
	assert.InDelta(t, 2.0/2.5, float64(counts["mid-week"])/n, 0.03)
}

func TestPickReturningSingleEntry(t *testing.T) {
	p := newTestPool(t, t.TempDir(), Config{ReturningUserRate: 1.0, MaxPoolSize: 10})

	u := p.GetUser()
	require.NoError(t, p.SaveUserState(u, []byte(`{}`)))

	for i := 0; i < 100; i++ {
		assert.Equal(t, u.ID, p.GetUser().ID)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero config valid", Config{}, false},
		{"typical config valid", Config{ReturningUserRate: 0.35, MaxPoolSize: 200}, false},
		{"rate above one", Config{ReturningUserRate: 1.5}, true},
		{"negative rate", Config{ReturningUserRate: -0.1}, true},
		{"negative pool size", Config{MaxPoolSize: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, 0.35, cfg.ReturningUserRate)
	assert.Equal(t, 200, cfg.MaxPoolSize)
}

func TestStats(t *testing.T) {
	p := newTestPool(t, t.TempDir(), Config{ReturningUserRate: 0.5, MaxPoolSize: 5})

	require.NoError(t, p.SaveUserState(p.newUser(), []byte(`{}`)))

	s := p.Stats()
	assert.Equal(t, 1, s.TotalUsers)
	assert.Equal(t, 5, s.MaxPoolSize)
	assert.Equal(t, 0.5, s.ReturningUserRate)
}
