package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/treekv"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRun_Commands(t *testing.T) {
	dir := t.TempDir()

	out, _, err := runCLI(t, "put", "-dir", dir, "-tree", "users", "alice", "admin")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, _, err = runCLI(t, "put", "-dir", dir, "-tree", "users", "bob", "guest")
	require.NoError(t, err)

	out, _, err = runCLI(t, "get", "-dir", dir, "-tree", "users", "alice")
	require.NoError(t, err)
	assert.Equal(t, "admin\t(id 1)\n", out)

	out, _, err = runCLI(t, "scan", "-dir", dir, "-tree", "users")
	require.NoError(t, err)
	assert.Equal(t, "alice\tadmin\nbob\tguest\n", out)

	out, _, err = runCLI(t, "delete", "-dir", dir, "-tree", "users", "alice")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	_, _, err = runCLI(t, "get", "-dir", dir, "-tree", "users", "alice")
	assert.ErrorIs(t, err, treekv.ErrNotFound)

	out, _, err = runCLI(t, "compact", "-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "records reclaimed:  2")

	out, _, err = runCLI(t, "verify", "-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "last id 2")

	out, _, err = runCLI(t, "stats", "-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "live keys:")
	assert.Contains(t, out, "checkpoint max id:  3")
}

func TestRun_Usage(t *testing.T) {
	_, _, err := runCLI(t)
	assert.ErrorIs(t, err, errUsage)

	_, stderr, err := runCLI(t, "get", "-dir", t.TempDir())
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "get expects <key>")

	_, stderr, err = runCLI(t, "frobnicate", "-dir", t.TempDir())
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Unknown command")

	_, stderr, err = runCLI(t, "stats")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "-dir is required")

	out, _, err := runCLI(t, "help")
	require.NoError(t, err)
	assert.Contains(t, out, "Commands:")
}

func TestRun_LogLevel(t *testing.T) {
	dir := t.TempDir()

	_, _, err := runCLI(t, "stats", "-dir", dir, "-log-level", "loud")
	assert.Error(t, err)

	_, stderr, err := runCLI(t, "stats", "-dir", dir, "-log-level", "info")
	require.NoError(t, err)
	assert.Contains(t, stderr, "database opened")
}
