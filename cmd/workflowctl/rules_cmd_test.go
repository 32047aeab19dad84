package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRulesValidate(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t, "rules", "validate", "--file", filepath.Join("..", "..", "config", "workflow_rules.yaml"))
	require.NoError(t, err)

	var got struct {
		Result rulesSummary `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Contains(t, got.Result.EntityTypes, "profiling_rule")
	require.Contains(t, got.Result.WorkTypes, "version_review")
	require.Equal(t, "UTC", got.Result.Timezone)
}

func TestRulesValidateRejectsBadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	bad := "slas:\n  - work_type: review\n    hours_budget: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))

	_, err := runCmd(t, "rules", "validate", "--file", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "validate workflow rules")
}

func TestOutboxRelayOnceRejectsBadBatches(t *testing.T) {
	t.Parallel()

	_, err := runCmd(t, "outbox", "relay-once", "--batches", "0")
	require.ErrorContains(t, err, "--batches")
}
