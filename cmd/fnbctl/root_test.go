package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnbcost/fnbcost/internal/rbac"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPermissionsListText(t *testing.T) {
	out, err := run(t, "permissions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, rbac.PermUsersLock)
}

func TestPermissionsListJSON(t *testing.T) {
	out, err := run(t, "permissions", "list", "-o", "json")
	require.NoError(t, err)
	var rows []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Len(t, rows, len(rbac.DefaultRegistry().Names()))
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	_, err := run(t, "permissions", "list", "-o", "yaml")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestJobsTriggerRejectsUnknownTask(t *testing.T) {
	_, err := run(t, "jobs", "trigger", "mail:send")
	assert.ErrorContains(t, err, "unknown task")
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"migrate"}, {"seed"}, {"permissions", "verify"}, {"jobs", "trigger"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
