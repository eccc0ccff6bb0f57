package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/persona/internal/config"
	"github.com/kamusis/persona/internal/errdefs"
)

// run executes the CLI with args against a private home and storage root.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	oldOut, oldErr := stdout, stderr
	stdout, stderr = &out, &out
	t.Cleanup(func() { stdout, stderr = oldOut, oldErr })

	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sandbox(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	root := filepath.Join(home, "store")
	t.Setenv("PERSONA_ROOT", root)
	return home
}

func writeSkill(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755))
}

func TestSkillLifecycle(t *testing.T) {
	home := sandbox(t)
	src := filepath.Join(home, "src", "reviewer")
	writeSkill(t, src, "---\ndescription: Reviews code for security audits\ntags: [code]\n---\n# Reviewer\n")

	out, err := run(t, "skills", "register", src)
	require.NoError(t, err)
	assert.Contains(t, out, "[reviewer] registered skill")

	out, err = run(t, "skills", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "reviewer")
	assert.Contains(t, out, "Reviews code for security audits")

	out, err = run(t, "skills", "match", "security", "audits")
	require.NoError(t, err)
	assert.Contains(t, out, "Results (1 found)")

	out, err = run(t, "skills", "get", "reviewer", "--files")
	require.NoError(t, err)
	assert.Contains(t, out, "scripts/run.sh")

	target := filepath.Join(home, "agent")
	require.NoError(t, os.MkdirAll(target, 0o755))
	out, err = run(t, "skills", "install", "reviewer", target)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(target, "reviewer", "SKILL.md"))
	assert.FileExists(t, filepath.Join(target, "reviewer", "scripts", "run.sh"))

	out, err = run(t, "index", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "index and files agree")

	out, err = run(t, "index", "rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "1 indexed, 0 embedded, 1 reused")

	_, err = run(t, "skills", "remove", "reviewer")
	require.NoError(t, err)
	_, err = run(t, "skills", "get", "reviewer")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSearchAcrossTypes(t *testing.T) {
	home := sandbox(t)
	role := filepath.Join(home, "src", "auditor")
	require.NoError(t, os.MkdirAll(role, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(role, "ROLE.md"),
		[]byte("---\ndescription: Security auditor persona\n---\n"), 0o644))
	writeSkill(t, filepath.Join(home, "src", "scan"), "---\ndescription: Security scanning skill\n---\n")

	_, err := run(t, "roles", "register", role)
	require.NoError(t, err)
	_, err = run(t, "skills", "register", filepath.Join(home, "src", "scan"))
	require.NoError(t, err)

	out, err := run(t, "search", "security")
	require.NoError(t, err)
	assert.Contains(t, out, "roles (1)")
	assert.Contains(t, out, "skills (1)")
}

func TestInitImportsSkills(t *testing.T) {
	home := sandbox(t)
	writeSkill(t, filepath.Join(home, "agent-skills", "lint"), "---\ndescription: Runs linters\n---\n")

	out, err := run(t, "init", "--import-skills", filepath.Join(home, "agent-skills"))
	require.NoError(t, err)
	assert.Contains(t, out, "[lint] imported")
	assert.FileExists(t, filepath.Join(home, ".persona", "config.yaml"))
	assert.FileExists(t, filepath.Join(home, ".persona", ".env"))
	assert.FileExists(t, filepath.Join(home, "store", "skills", "lint", "SKILL.md"))
}

func TestVersionNeedsNoConfig(t *testing.T) {
	sandbox(t)
	t.Setenv("PERSONA_STORAGE_INDEX", "bogus")
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:")
}

func TestRetryLocked(t *testing.T) {
	appCfg = &config.Config{Lock: config.LockConfig{Retries: 2}}
	t.Cleanup(func() { appCfg = nil })

	calls := 0
	err := retryLocked(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &errdefs.StoreLockedError{Location: "x"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryLocked(context.Background(), func() error {
		calls++
		return errdefs.ErrReadOnly
	})
	assert.ErrorIs(t, err, errdefs.ErrReadOnly)
	assert.Equal(t, 1, calls, "only lock contention is retried")
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "abcd…", oneLine("abcdefgh", 5))
}
