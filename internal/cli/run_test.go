package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphcache/internal/harness"
)

const (
	scenariosDir = "../harness/testdata/scenarios"
	goldenDir    = "../harness/testdata/golden"
)

const brokenScenario = `name: broken
schema: |
  type: Account: { identity: ["Id"] }
  plan: AccountName: {
    type: "Account"
    root: "Account:1"
    fields: ["Id", "Name"]
  }
subscribe:
  - plan: AccountName
steps:
  - op: ingest
    plan: AccountName
    payload: { Id: 1, Name: Acme }
assertions:
  - type: snapshot
    plan: AccountName
    data: { Name: Globex }
`

// runResponse mirrors RunResult with trace events left as generic JSON.
type runResponse struct {
	Status string `json:"status"`
	Data   struct {
		Scenario string           `json:"scenario"`
		Pass     bool             `json:"pass"`
		Trace    []map[string]any `json:"trace"`
		Errors   []string         `json:"errors"`
	} `json:"data"`
	Error *CLIError `json:"error"`
}

func writeScenario(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestRunScenarioText(t *testing.T) {
	output, _, err := executeRoot(t, "run", filepath.Join(scenariosDir, "acme_rename.yaml"))
	require.NoError(t, err)

	assert.Contains(t, output, "[0]   AccountName stale\n")
	assert.Contains(t, output, `[1]   AccountName fulfilled {"Id":1,"Name":"Acme"}`)
	assert.Contains(t, output, "[1] ingest -> Account:1\n")
	assert.Contains(t, output, "[2] draft -> d-1\n")
	assert.Contains(t, output, "[3] upload -> uploading\n")
	assert.Contains(t, output, "[4] confirm -> Account:1\n")
	assert.Contains(t, output, "✓ acme_rename\n")
}

func TestRunScenarioShowsExpectedErrors(t *testing.T) {
	output, _, err := executeRoot(t, "run", filepath.Join(scenariosDir, "draft_ordering.yaml"))
	require.NoError(t, err)
	assert.Contains(t, output, "[4] upload !blocked\n")
	assert.Contains(t, output, "✓ draft_ordering\n")
}

func TestRunScenarioJSON(t *testing.T) {
	output, _, err := executeRoot(t, "--format", "json", "run", filepath.Join(scenariosDir, "acme_rename.yaml"))
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "acme_rename", resp.Data.Scenario)
	assert.True(t, resp.Data.Pass)
	require.NotEmpty(t, resp.Data.Trace)
	assert.Equal(t, harness.EventNotify, resp.Data.Trace[0]["type"])
	assert.Equal(t, "stale", resp.Data.Trace[0]["state"])
}

func TestRunFailingScenario(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "broken", brokenScenario)

	output, _, err := executeRoot(t, "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗ broken\n")
}

func TestRunFailingScenarioJSON(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "broken", brokenScenario)

	output, _, err := executeRoot(t, "--format", "json", "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Pass)
	assert.NotEmpty(t, resp.Data.Errors)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenario, resp.Error.Code)
}

func TestRunMissingScenario(t *testing.T) {
	output, _, err := executeRoot(t, "run", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "Error ["+ErrCodeScenario+"]: failed to load scenario")
}

func TestRunRequiresOneArg(t *testing.T) {
	_, _, err := executeRoot(t, "run")
	require.Error(t, err)
}
