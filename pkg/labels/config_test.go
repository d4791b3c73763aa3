package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfiguration(t *testing.T) {
	data := []byte(`
repos:
  prisma/github-labels:
    strict: true
    labels:
      bug:
        color: "#ff0000"
        description: Something is broken
        siblings: [kind/bug]
        hooks:
          - webhook: https://example.com/hook
          - slack: U123
          - pr-merge
          - pr-close
      kind/bug:
        color: red
`)

	config, configErrors, err := ParseConfiguration(data)
	require.NoError(t, err)
	assert.Empty(t, configErrors)
	require.Contains(t, config, "prisma/github-labels")

	repo := config["prisma/github-labels"]
	assert.True(t, repo.Strict)
	assert.Equal(t, []string{"bug", "kind/bug"}, repo.LabelNames())

	bug := repo.Labels["bug"]
	assert.Equal(t, "#ff0000", bug.Color)
	assert.Equal(t, "Something is broken", bug.DescriptionOrEmpty())
	assert.Equal(t, []string{"kind/bug"}, bug.Siblings)
	assert.Equal(t, Hooks{
		WebhookHook{Endpoint: "https://example.com/hook"},
		SlackHook{User: "U123"},
		PRMergeHook{},
		PRCloseHook{},
	}, bug.Hooks)

	assert.Nil(t, repo.Labels["kind/bug"].Description)
}

func TestParseConfiguration_InvalidRepositoryName(t *testing.T) {
	t.Run("only entry rejected", func(t *testing.T) {
		data := []byte(`
repos:
  github-labels:
    labels:
      test:
        color: "#123456"
`)
		config, configErrors, err := ParseConfiguration(data)
		require.NoError(t, err)
		assert.Empty(t, config)
		require.Len(t, configErrors, 1)
		assert.Equal(t, "github-labels", configErrors[0].Repository)
		assert.Equal(t, "Cannot decode the provided repository name github-labels", configErrors[0].Message)
	})

	t.Run("valid entries still processed", func(t *testing.T) {
		data := []byte(`
repos:
  github-labels:
    labels: {}
  prisma/prisma:
    labels:
      bug:
        color: red
`)
		config, configErrors, err := ParseConfiguration(data)
		require.NoError(t, err)
		require.Len(t, configErrors, 1)
		assert.Equal(t, []string{"prisma/prisma"}, config.Repositories())
	})
}

func TestParseConfiguration_BadBodyRejectedIndividually(t *testing.T) {
	data := []byte(`
repos:
  acme/one:
    labels:
      bug:
        color: red
        hooks:
          - teleport
  acme/two:
    labels:
      bug:
        color: red
`)
	config, configErrors, err := ParseConfiguration(data)
	require.NoError(t, err)
	require.Len(t, configErrors, 1)
	assert.Equal(t, "acme/one", configErrors[0].Repository)
	assert.Contains(t, configErrors[0].Message, "unknown hook")
	assert.Equal(t, []string{"acme/two"}, config.Repositories())
}

func TestParseConfiguration_MalformedYAML(t *testing.T) {
	_, _, err := ParseConfiguration([]byte("repos: [unterminated"))
	assert.Error(t, err)
}

func TestParseRepositoryName(t *testing.T) {
	owner, name, err := ParseRepositoryName("prisma/github-labels")
	require.NoError(t, err)
	assert.Equal(t, "prisma", owner)
	assert.Equal(t, "github-labels", name)

	for _, invalid := range []string{"", "github-labels", "a/b/c", "/name", "owner/", "own er/name"} {
		_, _, err := ParseRepositoryName(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestConfiguration_ForOwner(t *testing.T) {
	config := Configuration{
		"prisma/a": {},
		"Prisma/b": {},
		"other/c":  {},
	}

	assert.Equal(t, []string{"Prisma/b", "prisma/a"}, config.ForOwner("prisma").Repositories())
}

func TestMarshalConfiguration_RoundTrip(t *testing.T) {
	config := Configuration{
		"acme/api": {
			Strict: true,
			Labels: map[string]LabelDefinition{
				"bug": {
					Color:       "ff0000",
					Description: strPtr("Broken"),
					Siblings:    []string{"triage"},
					Hooks:       Hooks{SlackHook{User: "U1"}, PRCloseHook{}},
				},
				"triage": {Color: "00ff00"},
			},
		},
	}

	data, err := MarshalConfiguration(config)
	require.NoError(t, err)

	parsed, configErrors, err := ParseConfiguration(data)
	require.NoError(t, err)
	assert.Empty(t, configErrors)
	assert.Equal(t, config, parsed)
}

func TestLoadConfigurationFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.yml")
	require.NoError(t, os.WriteFile(path, []byte("repos:\n  acme/api:\n    labels:\n      bug:\n        color: red\n"), 0o644))

	config, configErrors, err := LoadConfigurationFromFile(path)
	require.NoError(t, err)
	assert.Empty(t, configErrors)
	assert.Contains(t, config, "acme/api")

	_, _, err = LoadConfigurationFromFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestNormalizeColor(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "#123456", want: "123456"},
		{input: "ABCDEF", want: "abcdef"},
		{input: "#fff", want: "ffffff"},
		{input: "0a0", want: "00aa00"},
		{input: "red", want: "ff0000"},
		{input: "White", want: "ffffff"},
		{input: "", wantErr: true},
		{input: "#12345", wantErr: true},
		{input: "12345g", wantErr: true},
		{input: "notacolor", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeColor(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
