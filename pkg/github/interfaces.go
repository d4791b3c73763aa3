package github

import (
	"context"

	"labelsync/pkg/labels"
)

// APIClient defines the GitHub operations the label engine needs, scoped to
// one app installation
type APIClient interface {
	// Label operations
	ListLabels(ctx context.Context, owner, repo string) ([]labels.Label, error)
	CreateLabel(ctx context.Context, owner, repo string, label labels.Label) error
	UpdateLabel(ctx context.Context, owner, repo string, label labels.Label) error
	DeleteLabel(ctx context.Context, owner, repo, name string) error

	// Issue operations
	ListIssueLabels(ctx context.Context, owner, repo string, number int) ([]string, error)
	AddLabelsToIssue(ctx context.Context, owner, repo string, number int, names []string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error

	// Pull request operations
	MergePullRequest(ctx context.Context, owner, repo string, number int) error
	ClosePullRequest(ctx context.Context, owner, repo string, number int) error

	// Repository operations
	ListInstallationRepositories(ctx context.Context) ([]Repository, error)
	GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// ClientFactory hands out API clients authenticated as an installation
type ClientFactory interface {
	ForInstallation(installationID int64) APIClient
}

// Reconciler defines the interface for label state reconciliation
type Reconciler interface {
	// Plan reads the live labels of repository and diffs them against desired
	Plan(ctx context.Context, repository string, desired labels.RepositoryConfig) (*labels.Plan, error)

	// Apply executes the plan in order and returns the changes that went through
	Apply(ctx context.Context, plan *labels.Plan) ([]labels.LabelChange, error)
}
