package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkPolicy = `
rules:
  - name: protect-lockme
    pattern: "*.lockme"
    action: block
    priority: 100
    ops: [create, write, rename, delete]
  - name: slow-encryptor
    pattern: "proc:encrypt*"
    action: delay
    priority: 50
    delay_ms: 20
    min_ops: 10
`

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.Execute()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*exitCodeError); ok {
		return e.ExitCode()
	}
	return -1
}

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(checkPolicy), 0o644))

	err := runCLI(t, "check", "--policy", path, "--op", "create", "/home/a/doc.lockme")
	assert.Equal(t, exitBlocked, exitCode(err))

	err = runCLI(t, "check", "--policy", path, "--op", "create", "/home/a/doc.txt")
	assert.Equal(t, 0, exitCode(err))

	err = runCLI(t, "check", "--policy", path, "--op", "rename", "/home/a/doc.txt", "/home/a/doc.lockme")
	assert.Equal(t, exitBlocked, exitCode(err))

	err = runCLI(t, "check", "--policy", path, "--op", "write", "--proc-name", "encryptor", "--ops", "12", "/data/x")
	assert.Equal(t, exitDelayed, exitCode(err))

	err = runCLI(t, "check", "--policy", path, "--op", "write", "--proc-name", "encryptor", "--ops", "1", "/data/x")
	assert.Equal(t, 0, exitCode(err))
}

func TestCheckCommandInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(checkPolicy), 0o644))

	err := runCLI(t, "check", "--policy", path, "--op", "chmod", "/x")
	assert.ErrorIs(t, err, ErrInvalidArgs)

	err = runCLI(t, "check", "--policy", path, "--op", "rename", "--ops", "1", "/x")
	assert.ErrorIs(t, err, ErrInvalidArgs)
}
