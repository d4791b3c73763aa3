package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labels.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateCmd_FileNotFound(t *testing.T) {
	validateCmd.SetOut(new(bytes.Buffer))
	defer validateCmd.SetOut(nil)

	err := runValidate(validateCmd, []string{"nonexistent.yml"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidateCmd_Valid(t *testing.T) {
	path := writeConfig(t, `repos:
  prisma/prisma:
    strict: true
    labels:
      bug:
        color: "#ff0000"
        siblings: [kind/bug]
        hooks:
          - webhook: https://example.com/hook
      kind/bug:
        color: red
  prisma/docs:
    labels:
      docs:
        color: "0e8a16"
`)

	buf := new(bytes.Buffer)
	validateCmd.SetOut(buf)
	defer validateCmd.SetOut(nil)

	require.NoError(t, runValidate(validateCmd, []string{path}))

	out := buf.String()
	assert.Contains(t, out, "✓ prisma/prisma (2 labels)")
	assert.Contains(t, out, "✓ prisma/docs (1 labels)")
	assert.Contains(t, out, "Configuration is valid: 2 repositories")
}

func TestValidateCmd_Invalid(t *testing.T) {
	path := writeConfig(t, `repos:
  not-a-repo:
    labels:
      bug:
        color: red
  prisma/prisma:
    labels:
      bug:
        color: notacolor
        siblings: [missing]
  prisma/docs:
    labels:
      docs:
        color: blue
`)

	buf := new(bytes.Buffer)
	validateCmd.SetOut(buf)
	defer validateCmd.SetOut(nil)

	err := runValidate(validateCmd, []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 error(s)")

	out := buf.String()
	assert.Contains(t, out, "❌ not-a-repo: Cannot decode the provided repository name not-a-repo")
	assert.Contains(t, out, "❌ prisma/prisma:")
	assert.Contains(t, out, "undeclared sibling missing")
	assert.Contains(t, out, "✓ prisma/docs (1 labels)")
}

func TestValidateCmd_NotYAML(t *testing.T) {
	path := writeConfig(t, "repos: [unterminated")

	validateCmd.SetOut(new(bytes.Buffer))
	defer validateCmd.SetOut(nil)

	err := runValidate(validateCmd, []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
