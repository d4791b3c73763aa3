package github

import (
	"context"
	"fmt"

	"labelsync/pkg/labels"
)

const (
	// DefaultConfigRepository is the repository of an organization that holds its label configuration
	DefaultConfigRepository = "github-labels"

	// DefaultConfigPath is the configuration file inside the config repository
	DefaultConfigPath = "labels.yml"
)

// ConfigSource locates the label configuration of an organization
type ConfigSource struct {
	Repository string
	Path       string
}

// DefaultConfigSource returns the conventional configuration location
func DefaultConfigSource() ConfigSource {
	return ConfigSource{Repository: DefaultConfigRepository, Path: DefaultConfigPath}
}

// RepositoryFor returns the full name of the config repository of an organization
func (s ConfigSource) RepositoryFor(organization string) string {
	return fmt.Sprintf("%s/%s", organization, s.repository())
}

// IsConfigRepository reports whether fullName is the config repository of organization
func (s ConfigSource) IsConfigRepository(organization, fullName string) bool {
	return fullName == s.RepositoryFor(organization)
}

// Load reads and parses the configuration of organization at ref. An empty ref
// reads the default branch. Entries that name repositories of another owner
// are rejected as configuration errors.
func (s ConfigSource) Load(ctx context.Context, client APIClient, organization, ref string) (labels.Configuration, []*labels.ConfigurationError, error) {
	data, err := client.GetFileContents(ctx, organization, s.repository(), s.path(), ref)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s from %s: %w", s.path(), s.RepositoryFor(organization), err)
	}

	config, configErrors, err := labels.ParseConfiguration(data)
	if err != nil {
		return nil, nil, labels.NewConfigurationError(s.RepositoryFor(organization), err.Error())
	}

	owned := config.ForOwner(organization)
	for _, name := range config.Repositories() {
		if _, ok := owned[name]; !ok {
			configErrors = append(configErrors, labels.NewConfigurationError(name,
				fmt.Sprintf("repository does not belong to %s", organization)))
		}
	}

	return owned, configErrors, nil
}

func (s ConfigSource) repository() string {
	if s.Repository == "" {
		return DefaultConfigRepository
	}
	return s.Repository
}

func (s ConfigSource) path() string {
	if s.Path == "" {
		return DefaultConfigPath
	}
	return s.Path
}
