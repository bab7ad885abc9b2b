package durable

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adapterContract exercises the behavior every Adapter must share.
func adapterContract(t *testing.T, a Adapter) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing keys are absent", func(t *testing.T) {
		got, err := a.GetAll(ctx, []string{"nope:1"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, a.SetAll(ctx, map[string][]byte{
			"Account:1": []byte(`{"key":"Account:1"}`),
			"Account:2": []byte(`{"key":"Account:2"}`),
		}))
		got, err := a.GetAll(ctx, []string{"Account:1", "Account:2", "Account:3"})
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{
			"Account:1": []byte(`{"key":"Account:1"}`),
			"Account:2": []byte(`{"key":"Account:2"}`),
		}, got)
	})

	t.Run("set is idempotent and replaces", func(t *testing.T) {
		entries := map[string][]byte{"Account:1": []byte(`{"key":"Account:1","v":2}`)}
		require.NoError(t, a.SetAll(ctx, entries))
		require.NoError(t, a.SetAll(ctx, entries))
		got, err := a.GetAll(ctx, []string{"Account:1"})
		require.NoError(t, err)
		assert.Equal(t, `{"key":"Account:1","v":2}`, string(got["Account:1"]))
	})

	t.Run("empty batches", func(t *testing.T) {
		require.NoError(t, a.SetAll(ctx, nil))
		require.NoError(t, a.EvictAll(ctx, nil))
		got, err := a.GetAll(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("list by prefix", func(t *testing.T) {
		lister, ok := a.(Lister)
		require.True(t, ok)
		keys, err := lister.Keys(ctx, "Account:")
		require.NoError(t, err)
		assert.Equal(t, []string{"Account:1", "Account:2"}, keys)
	})

	t.Run("evict", func(t *testing.T) {
		require.NoError(t, a.EvictAll(ctx, []string{"Account:1", "missing:9"}))
		got, err := a.GetAll(ctx, []string{"Account:1", "Account:2"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Contains(t, got, "Account:2")
	})
}

func TestMemory_Contract(t *testing.T) {
	adapterContract(t, NewMemory())
}

func TestMemory_CopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	value := []byte(`{"a":1}`)
	require.NoError(t, m.SetAll(ctx, map[string][]byte{"k": value}))
	value[2] = 'X'

	got, err := m.GetAll(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got["k"]))
	assert.Equal(t, 1, m.Len())
}

func TestMemory_ClosedRejects(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Close())

	err := m.SetAll(ctx, map[string][]byte{"k": []byte(`1`)})
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().GetAll(ctx, []string{"k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLite_Contract(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	adapterContract(t, s)
}

func TestSQLite_PragmasAndMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)

	mode, err := s.pragma("journal_mode")
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
	require.NoError(t, s.Close())

	// Reopening an existing database is idempotent.
	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	version, err = s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SetAll(ctx, map[string][]byte{"Account:1": []byte(`{"key":"Account:1"}`)}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetAll(ctx, []string{"Account:1"})
	require.NoError(t, err)
	assert.Equal(t, `{"key":"Account:1"}`, string(got["Account:1"]))
}

func TestSQLite_LargeBatchesChunk(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	entries := make(map[string][]byte)
	keys := make([]string, 0, 1200)
	for i := range 1200 {
		key := "Item:" + strconv.Itoa(i)
		entries[key] = []byte(`{}`)
		keys = append(keys, key)
	}
	require.NoError(t, s.SetAll(ctx, entries))
	got, err := s.GetAll(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, got, 1200)

	require.NoError(t, s.EvictAll(ctx, keys))
	got, err = s.GetAll(ctx, keys)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFile_Contract(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "nested", "cache.json"))
	require.NoError(t, err)
	adapterContract(t, f)
}

func TestFile_RejectsNonJSON(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)
	err = f.SetAll(context.Background(), map[string][]byte{"k": []byte("not json")})
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
}

func TestFile_KeepsExactBytes(t *testing.T) {
	ctx := context.Background()
	f, err := NewFile(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)

	value := []byte(`{"fields":{"Note":"a<b & c"},"key":"Note:1"}`)
	require.NoError(t, f.SetAll(ctx, map[string][]byte{"Note:1": value}))
	got, err := f.GetAll(ctx, []string{"Note:1"})
	require.NoError(t, err)
	assert.Equal(t, string(value), string(got["Note:1"]))

	_, err = os.Stat(f.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed away")
}

func TestFile_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	f, err := NewFile(path)
	require.NoError(t, err)

	_, err = f.GetAll(context.Background(), []string{"k"})
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
}

func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("GRAPHCACHE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GRAPHCACHE_TEST_POSTGRES_DSN not set")
	}
	p, err := NewPostgres(dsn)
	require.NoError(t, err)
	p.tableName = "graphcache_entries_it"
	t.Cleanup(func() {
		if p.db != nil {
			_, _ = p.db.Exec(`DROP TABLE IF EXISTS ` + postgresQuoteIdentifier(p.tableName))
		}
		p.Close()
	})
	adapterContract(t, p)
}

func TestNewPostgres_RequiresDSN(t *testing.T) {
	_, err := NewPostgres("  ")
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"entries"`, postgresQuoteIdentifier("entries"))
	assert.Equal(t, `"we""ird"`, postgresQuoteIdentifier(`we"ird`))
	assert.Equal(t, `""`, postgresQuoteIdentifier(" "))
}

func TestChunkKeys(t *testing.T) {
	assert.Nil(t, chunkKeys(nil, 10))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunkKeys([]string{"a", "b", "c"}, 2))
	assert.Equal(t, [][]string{{"a", "b", "c"}}, chunkKeys([]string{"a", "b", "c"}, 0))
}
