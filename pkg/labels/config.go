package labels

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Label is a label as it exists on a remote repository
type Label struct {
	Name        string `json:"name" yaml:"name"`
	Color       string `json:"color" yaml:"color"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// LabelDefinition is the desired state of a single label
type LabelDefinition struct {
	Color       string   `json:"color" yaml:"color"`
	Description *string  `json:"description,omitempty" yaml:"description,omitempty"`
	Siblings    []string `json:"siblings,omitempty" yaml:"siblings,omitempty"`
	Hooks       Hooks    `json:"-" yaml:"hooks,omitempty"`
}

// DescriptionOrEmpty returns the configured description, or "" when unset
func (d LabelDefinition) DescriptionOrEmpty() string {
	if d.Description == nil {
		return ""
	}
	return *d.Description
}

// RepositoryConfig is the desired label state of one repository.
// When Strict is set, remote labels missing from Labels are deleted.
type RepositoryConfig struct {
	Strict bool                       `json:"strict" yaml:"strict"`
	Labels map[string]LabelDefinition `json:"labels" yaml:"labels"`
}

// LabelNames returns the configured label names in sorted order
func (r RepositoryConfig) LabelNames() []string {
	names := make([]string, 0, len(r.Labels))
	for name := range r.Labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every sibling is declared in the same repository and
// that every color can be normalized.
func (r RepositoryConfig) Validate(repository string) error {
	var problems []string

	for _, name := range r.LabelNames() {
		def := r.Labels[name]

		if strings.TrimSpace(name) == "" {
			problems = append(problems, "label name cannot be empty")
			continue
		}

		if _, err := NormalizeColor(def.Color); err != nil {
			problems = append(problems, fmt.Sprintf("label %s: %v", name, err))
		}

		for _, sibling := range def.Siblings {
			if _, ok := r.Labels[sibling]; !ok {
				problems = append(problems, fmt.Sprintf("label %s references undeclared sibling %s", name, sibling))
			}
		}
	}

	if len(problems) > 0 {
		return NewConfigurationError(repository, strings.Join(problems, "; "))
	}
	return nil
}

// Configuration maps repository full names ("owner/name") to their desired state
type Configuration map[string]RepositoryConfig

// Repositories returns the configured repository names in sorted order
func (c Configuration) Repositories() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForOwner returns the subset of the configuration whose repositories belong to owner
func (c Configuration) ForOwner(owner string) Configuration {
	out := make(Configuration)
	for name, repo := range c {
		if o, _, err := ParseRepositoryName(name); err == nil && strings.EqualFold(o, owner) {
			out[name] = repo
		}
	}
	return out
}

var repositoryNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ParseRepositoryName splits a repository full name into owner and name
func ParseRepositoryName(fullName string) (string, string, error) {
	if !repositoryNamePattern.MatchString(fullName) {
		return "", "", fmt.Errorf("Cannot decode the provided repository name %s", fullName)
	}
	parts := strings.SplitN(fullName, "/", 2)
	return parts[0], parts[1], nil
}

// document is the on-disk shape of a label configuration
type document struct {
	Repos map[string]yaml.Node `yaml:"repos"`
}

// ParseConfiguration decodes a YAML label configuration.
//
// Entries with an invalid repository name or an undecodable body are
// rejected individually and reported as configuration errors; the remaining
// entries are returned. Only a document that is not YAML at all fails as a whole.
func ParseConfiguration(data []byte) (Configuration, []*ConfigurationError, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config := make(Configuration, len(doc.Repos))
	var configErrors []*ConfigurationError

	names := make([]string, 0, len(doc.Repos))
	for name := range doc.Repos {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, _, err := ParseRepositoryName(name); err != nil {
			configErrors = append(configErrors, NewConfigurationError(name, err.Error()))
			continue
		}

		node := doc.Repos[name]
		var repo RepositoryConfig
		if err := node.Decode(&repo); err != nil {
			configErrors = append(configErrors, NewConfigurationError(name, fmt.Sprintf("invalid repository configuration: %v", err)))
			continue
		}
		if repo.Labels == nil {
			repo.Labels = make(map[string]LabelDefinition)
		}

		config[name] = repo
	}

	return config, configErrors, nil
}

// LoadConfigurationFromFile reads and decodes a label configuration file
func LoadConfigurationFromFile(filename string) (Configuration, []*ConfigurationError, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfiguration(data)
}

// MarshalConfiguration encodes a configuration in the document shape ParseConfiguration reads
func MarshalConfiguration(config Configuration) ([]byte, error) {
	out := struct {
		Repos Configuration `yaml:"repos"`
	}{Repos: config}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}
