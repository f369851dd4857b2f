package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memoryConfig = `version: "1"
store:
  driver: memory
retention:
  policies:
    - id: raw
      record_type: events
      retention_period_days: 30
      enabled: true
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(memoryConfig), 0o600))

	var out, errOut bytes.Buffer
	cmd := NewRootCommandWithIO(&out, &errOut)
	cmd.SetArgs(append([]string{"--config", path}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, ": ok")
}

func TestValidate_MissingFile(t *testing.T) {
	cmd := NewRootCommandWithIO(&bytes.Buffer{}, &bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "validate"})
	assert.Error(t, cmd.Execute())
}

func TestDetect(t *testing.T) {
	out, err := run(t, "detect", "--sigma", "2", "1", "2", "3", "4", "5", "100")
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []interface{}{100.0}, got["outliers"])

	_, err = run(t, "detect", "abc")
	assert.Error(t, err)
}

func TestRunJob(t *testing.T) {
	out, err := run(t, "run", "retention")
	require.NoError(t, err)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, map[string]interface{}{"raw": 0.0}, res["output"])

	_, err = run(t, "run", "nope")
	assert.Error(t, err)
}

func TestRetentionStatsAndScan(t *testing.T) {
	out, err := run(t, "retention", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"events"`)

	out, err = run(t, "scan")
	require.NoError(t, err)
	assert.Contains(t, out, `"entities": 0`)
}

func TestForgetNeedsConfirmation(t *testing.T) {
	_, err := run(t, "forget", "u1")
	assert.Error(t, err)

	out, err := run(t, "forget", "--yes", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, `"anonymized": 0`)
}
