package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphcache/internal/cache"
	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/plan"
)

// seedStore persists two contacts and a pending delete draft to a fresh
// SQLite store and returns its DSN.
func seedStore(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	adapter, err := durable.OpenSQLite(path)
	require.NoError(t, err)
	c := cache.New(
		cache.WithDurable(adapter),
		cache.WithIDGenerator(draft.NewSequentialGenerator("d")),
	)

	p := plan.New("ContactEmail", "Contact", plan.Scalar("id"), plan.Scalar("email"))
	for id, email := range map[int64]string{10: "ann@example.com", 11: "bob@example.com"} {
		_, err := c.Ingest(ctx, ir.IRObject{"id": ir.IRInt(id), "email": ir.IRString(email)}, p)
		require.NoError(t, err)
	}
	_, err = c.ApplyDraft("Contact:11", draft.OpDelete, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	return "sqlite:" + path
}

type inspectResponse struct {
	Status string        `json:"status"`
	Data   InspectResult `json:"data"`
}

func inspectJSON(t *testing.T, args ...string) InspectResult {
	t.Helper()
	output, _, err := executeRoot(t, append([]string{"--format", "json", "inspect"}, args...)...)
	require.NoError(t, err)

	var resp inspectResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestInspectAllRecords(t *testing.T) {
	dsn := seedStore(t)

	output, _, err := executeRoot(t, "inspect", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, output, "sqlite store: 2 record(s)\n")
	assert.Contains(t, output, "  Contact:10 v1 ")
	assert.Contains(t, output, `"email":"ann@example.com"`)
	assert.Contains(t, output, "  Contact:11 v1 ")
	assert.NotContains(t, output, "draft")
}

func TestInspectJSON(t *testing.T) {
	dsn := seedStore(t)

	result := inspectJSON(t, "--dsn", dsn, "Contact:10", "Contact:99", "Contact:10")
	assert.Equal(t, "sqlite", result.Backend)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Contact:10", result.Records[0].Key)
	assert.Equal(t, "Contact", result.Records[0].Type)
	assert.Equal(t, int64(1), result.Records[0].Version)
	assert.Equal(t, []string{"Contact:99"}, result.Missing)
	assert.Empty(t, result.Drafts)
}

func TestInspectDrafts(t *testing.T) {
	dsn := seedStore(t)

	output, _, err := executeRoot(t, "inspect", "--dsn", dsn, "--drafts")
	require.NoError(t, err)
	assert.Contains(t, output, "Drafts: 1\n")
	assert.Contains(t, output, "  d-1 delete Contact:11 (pending)\n")

	result := inspectJSON(t, "--dsn", dsn, "--drafts")
	require.Len(t, result.Drafts, 1)
	assert.Equal(t, "d-1", result.Drafts[0].ID)
	assert.Equal(t, string(draft.StatusPending), result.Drafts[0].Status)
}

func TestInspectUsesEnvironmentDSN(t *testing.T) {
	dsn := seedStore(t)
	t.Setenv("GRAPHCACHE_DSN", dsn)

	result := inspectJSON(t)
	assert.Equal(t, "sqlite", result.Backend)
	assert.Len(t, result.Records, 2)
}

func TestInspectEmptyMemoryStore(t *testing.T) {
	output, _, err := executeRoot(t, "inspect", "--dsn", "memory:")
	require.NoError(t, err)
	assert.Equal(t, "memory store: 0 record(s)\n", output)
}

func TestInspectBadDSN(t *testing.T) {
	output, _, err := executeRoot(t, "inspect", "--dsn", "redis://localhost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "Error ["+ErrCodeStore+"]: failed to open durable store")
}

func TestEvict(t *testing.T) {
	dsn := seedStore(t)

	output, _, err := executeRoot(t, "evict", "--dsn", dsn, "Contact:10")
	require.NoError(t, err)
	assert.Equal(t, "✓ Evicted 1 key(s) from sqlite store\n", output)

	result := inspectJSON(t, "--dsn", dsn)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Contact:11", result.Records[0].Key)

	result = inspectJSON(t, "--dsn", dsn, "Contact:10")
	assert.Empty(t, result.Records)
	assert.Equal(t, []string{"Contact:10"}, result.Missing)
}

func TestEvictJSON(t *testing.T) {
	dsn := seedStore(t)

	output, _, err := executeRoot(t, "--format", "json", "evict", "--dsn", dsn, "Contact:11", "Contact:10", "Contact:11")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   EvictResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, []string{"Contact:10", "Contact:11"}, resp.Data.Evicted)
	assert.Empty(t, inspectJSON(t, "--dsn", dsn).Records)
}

func TestEvictRequiresKeys(t *testing.T) {
	_, _, err := executeRoot(t, "evict", "--dsn", "memory:")
	require.Error(t, err)
}

func TestSortedUnique(t *testing.T) {
	in := []string{"b", "a", "b", "c"}
	assert.Equal(t, []string{"a", "b", "c"}, sortedUnique(in))
	assert.Equal(t, []string{"b", "a", "b", "c"}, in)
}

func TestInspectFingerprintIgnoresVersion(t *testing.T) {
	dsn := seedStore(t)

	result := inspectJSON(t, "--dsn", dsn, "Contact:10")
	require.Len(t, result.Records, 1)
	rv := result.Records[0]

	want, err := ir.RecordFingerprint(ir.Record{Key: rv.Key, Type: rv.Type, Fields: rv.Fields, Version: 42})
	require.NoError(t, err)
	assert.Equal(t, want, rv.Fingerprint)
}
