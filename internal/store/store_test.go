package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"bgg-roller/internal/models"
)

func sampleHealth() map[string]models.EndpointHealth {
	checked := time.Date(2026, 10, 1, 12, 30, 0, 0, time.UTC)
	succeeded := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return map[string]models.EndpointHealth{
		"corsproxy.io": {
			SuccessCount:        7,
			FailureCount:        3,
			ConsecutiveFailures: 1,
			LastCheck:           &checked,
			LastSuccess:         &succeeded,
		},
		"codetabs": {
			FailureCount:        5,
			ConsecutiveFailures: 5,
			LastCheck:           &checked,
		},
	}
}

func assertHealthEqual(t *testing.T, want, got map[string]models.EndpointHealth) {
	t.Helper()
	require.Len(t, got, len(want))
	for name, w := range want {
		g, ok := got[name]
		require.True(t, ok, "missing relay %s", name)
		assert.Equal(t, w.SuccessCount, g.SuccessCount, name)
		assert.Equal(t, w.FailureCount, g.FailureCount, name)
		assert.Equal(t, w.ConsecutiveFailures, g.ConsecutiveFailures, name)
		assertTimeEqual(t, w.LastCheck, g.LastCheck)
		assertTimeEqual(t, w.LastSuccess, g.LastSuccess)
		assert.InDelta(t, w.SuccessRate(), g.SuccessRate(), 1e-9, name)
	}
}

func assertTimeEqual(t *testing.T, want, got *time.Time) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, got)
}

func TestHealthStores_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	stores := map[string]func() (HealthStore, error){
		"memory": func() (HealthStore, error) { return NewMemoryStore(), nil },
		"bolt": func() (HealthStore, error) {
			return OpenBoltStore(filepath.Join(dir, "bolt", "health.db"))
		},
		"sqlite-memory": func() (HealthStore, error) { return OpenInMemorySQLStore() },
		"sqlite-file": func() (HealthStore, error) {
			return OpenSQLStore(filepath.Join(dir, "sqlite"), "health.sqlite")
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s, err := open()
			require.NoError(t, err)
			defer s.Close()

			empty, err := s.LoadHealth()
			require.NoError(t, err)
			assert.Empty(t, empty)

			want := sampleHealth()
			require.NoError(t, s.SaveHealth(want))

			got, err := s.LoadHealth()
			require.NoError(t, err)
			assertHealthEqual(t, want, got)

			// later saves overwrite counters in place
			h := want["codetabs"]
			h.SuccessCount = 1
			h.ConsecutiveFailures = 0
			want["codetabs"] = h
			require.NoError(t, s.SaveHealth(want))

			got, err = s.LoadHealth()
			require.NoError(t, err)
			assertHealthEqual(t, want, got)
		})
	}
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.db")

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	want := sampleHealth()
	require.NoError(t, s.SaveHealth(want))
	require.NoError(t, s.Close())

	reopened, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadHealth()
	require.NoError(t, err)
	assertHealthEqual(t, want, got)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	health := sampleHealth()
	require.NoError(t, s.SaveHealth(health))

	*health["corsproxy.io"].LastCheck = time.Time{}

	got, err := s.LoadHealth()
	require.NoError(t, err)
	assert.False(t, got["corsproxy.io"].LastCheck.IsZero())
	assert.Equal(t, 1, s.Saves())
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	assert.Error(t, err)
}

func TestOpenSQLStore_MigrationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "health.db")

	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE VIEW relay_health AS SELECT 'x' AS name").Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = OpenSQLStore(dir, "health.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to auto-migrate relay_health")

	db, err = gorm.Open(sqlite.Open(path), gormConfig)
	require.NoError(t, err)
	require.NoError(t, db.Exec("DROP VIEW relay_health").Error)
	sqlDB, err = db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	s, err := OpenSQLStore(dir, "health.db")
	require.NoError(t, err)
	require.NoError(t, s.SaveHealth(sampleHealth()))
	require.NoError(t, s.Close())
}
