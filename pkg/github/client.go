package github

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"labelsync/pkg/labels"
)

const listPageSize = 100

// Client implements the APIClient interface using the GitHub REST API
type Client struct {
	client  *github.Client
	limiter RateLimiter

	// set for installation clients so rejected tokens get refreshed
	tokens         *TokenCache
	installationID int64
}

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithBaseURL points the client at a GitHub Enterprise or test server
func WithBaseURL(raw string) ClientOption {
	return func(c *Client) error {
		if raw == "" {
			return nil
		}
		u, err := parseBaseURL(raw)
		if err != nil {
			return err
		}
		c.client.BaseURL = u
		return nil
	}
}

// WithRateLimiter paces every call through limiter
func WithRateLimiter(limiter RateLimiter) ClientOption {
	return func(c *Client) error {
		c.limiter = limiter
		return nil
	}
}

// NewClient creates a GitHub API client on top of httpClient, which is
// expected to authenticate requests
func NewClient(httpClient *http.Client, opts ...ClientOption) (*Client, error) {
	c := &Client{
		client:  github.NewClient(httpClient),
		limiter: NewRateLimiter(nil),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewInstallationClient creates a client authenticated as an app installation
func NewInstallationClient(tokens *TokenCache, installationID int64, opts ...ClientOption) (*Client, error) {
	// No ReuseTokenSource: every request asks the cache, so Invalidate
	// after a 401 takes effect on the next call
	httpClient := &http.Client{Transport: &oauth2.Transport{
		Source: tokens.TokenSource(context.Background(), installationID),
	}}

	c, err := NewClient(httpClient, opts...)
	if err != nil {
		return nil, err
	}
	c.tokens = tokens
	c.installationID = installationID
	return c, nil
}

// call runs a GitHub request through the rate limiter and wraps its error
func (c *Client) call(ctx context.Context, resource string, operation func() (*github.Response, error)) error {
	err := executeWithRateLimit(ctx, c.limiter, operation)
	if err == nil {
		return nil
	}

	wrapped := WrapGitHubError(err, resource)
	if wrapped.Type == ErrorTypeAuth && c.tokens != nil {
		c.tokens.Invalidate(c.installationID)
	}
	return wrapped
}

// ListLabels returns every label of a repository
func (c *Client) ListLabels(ctx context.Context, owner, repo string) ([]labels.Label, error) {
	var result []labels.Label
	opts := &github.ListOptions{PerPage: listPageSize}

	for {
		var page []*github.Label
		var resp *github.Response

		err := c.call(ctx, fmt.Sprintf("repository %s/%s", owner, repo), func() (*github.Response, error) {
			var err error
			page, resp, err = c.client.Issues.ListLabels(ctx, owner, repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, l := range page {
			result = append(result, convertGitHubLabel(l))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// CreateLabel creates a label in a repository
func (c *Client) CreateLabel(ctx context.Context, owner, repo string, label labels.Label) error {
	return c.call(ctx, fmt.Sprintf("label %s on %s/%s", label.Name, owner, repo), func() (*github.Response, error) {
		_, resp, err := c.client.Issues.CreateLabel(ctx, owner, repo, buildLabelRequest(label))
		return resp, err
	})
}

// UpdateLabel sets the color and description of an existing label
func (c *Client) UpdateLabel(ctx context.Context, owner, repo string, label labels.Label) error {
	return c.call(ctx, fmt.Sprintf("label %s on %s/%s", label.Name, owner, repo), func() (*github.Response, error) {
		_, resp, err := c.client.Issues.EditLabel(ctx, owner, repo, label.Name, buildLabelRequest(label))
		return resp, err
	})
}

// DeleteLabel removes a label from a repository. A label that is already gone is not an error.
func (c *Client) DeleteLabel(ctx context.Context, owner, repo, name string) error {
	err := c.call(ctx, fmt.Sprintf("label %s on %s/%s", name, owner, repo), func() (*github.Response, error) {
		return c.client.Issues.DeleteLabel(ctx, owner, repo, name)
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// ListIssueLabels returns the names of the labels on an issue or pull request
func (c *Client) ListIssueLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var names []string
	opts := &github.ListOptions{PerPage: listPageSize}

	for {
		var page []*github.Label
		var resp *github.Response

		err := c.call(ctx, fmt.Sprintf("issue %s/%s#%d", owner, repo, number), func() (*github.Response, error) {
			var err error
			page, resp, err = c.client.Issues.ListLabelsByIssue(ctx, owner, repo, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, l := range page {
			names = append(names, l.GetName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return names, nil
}

// AddLabelsToIssue adds labels to an issue or pull request in one call
func (c *Client) AddLabelsToIssue(ctx context.Context, owner, repo string, number int, names []string) error {
	return c.call(ctx, fmt.Sprintf("issue %s/%s#%d", owner, repo, number), func() (*github.Response, error) {
		_, resp, err := c.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, names)
		return resp, err
	})
}

// CreateComment posts a comment on an issue or pull request
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	return c.call(ctx, fmt.Sprintf("issue %s/%s#%d", owner, repo, number), func() (*github.Response, error) {
		_, resp, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
}

// MergePullRequest merges a pull request with the repository's default merge method
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int) error {
	return c.call(ctx, fmt.Sprintf("pull request %s/%s#%d", owner, repo, number), func() (*github.Response, error) {
		_, resp, err := c.client.PullRequests.Merge(ctx, owner, repo, number, "", nil)
		return resp, err
	})
}

// ClosePullRequest closes a pull request without merging
func (c *Client) ClosePullRequest(ctx context.Context, owner, repo string, number int) error {
	return c.call(ctx, fmt.Sprintf("pull request %s/%s#%d", owner, repo, number), func() (*github.Response, error) {
		_, resp, err := c.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
			State: github.String("closed"),
		})
		return resp, err
	})
}

// ListInstallationRepositories returns every repository the installation can access
func (c *Client) ListInstallationRepositories(ctx context.Context) ([]Repository, error) {
	var result []Repository
	opts := &github.ListOptions{PerPage: listPageSize}

	for {
		var page *github.ListRepositories
		var resp *github.Response

		err := c.call(ctx, "installation repositories", func() (*github.Response, error) {
			var err error
			page, resp, err = c.client.Apps.ListRepos(ctx, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, r := range page.Repositories {
			result = append(result, convertGitHubRepository(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// GetFileContents returns the decoded content of a file at ref. An empty ref
// reads the default branch.
func (c *Client) GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	var file *github.RepositoryContent

	err := c.call(ctx, fmt.Sprintf("file %s in repository %s/%s", path, owner, repo), func() (*github.Response, error) {
		var err error
		var resp *github.Response
		file, _, resp, err = c.client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, NewError(ErrorTypeValidation, fmt.Sprintf("%s is a directory", path), nil)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return []byte(content), nil
}

func buildLabelRequest(label labels.Label) *github.Label {
	return &github.Label{
		Name:        github.String(label.Name),
		Color:       github.String(label.Color),
		Description: github.String(label.Description),
	}
}

func convertGitHubLabel(l *github.Label) labels.Label {
	return labels.Label{
		Name:        l.GetName(),
		Color:       l.GetColor(),
		Description: l.GetDescription(),
	}
}

func convertGitHubRepository(r *github.Repository) Repository {
	return Repository{
		ID:            r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		Archived:      r.GetArchived(),
	}
}

// InstallationClients is a ClientFactory that keeps one client, and so one
// rate limiter, per installation
type InstallationClients struct {
	tokens        *TokenCache
	baseURL       string
	limiterConfig *RateLimiterConfig

	mu      sync.Mutex
	clients map[int64]*Client
}

// NewInstallationClients creates a factory. An empty baseURL targets api.github.com.
func NewInstallationClients(tokens *TokenCache, baseURL string, limiterConfig *RateLimiterConfig) (*InstallationClients, error) {
	if baseURL != "" {
		if _, err := parseBaseURL(baseURL); err != nil {
			return nil, err
		}
	}
	return &InstallationClients{
		tokens:        tokens,
		baseURL:       baseURL,
		limiterConfig: limiterConfig,
		clients:       make(map[int64]*Client),
	}, nil
}

// ForInstallation implements ClientFactory
func (f *InstallationClients) ForInstallation(installationID int64) APIClient {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[installationID]; ok {
		return c
	}

	// The base URL was validated by the constructor
	c, _ := NewInstallationClient(f.tokens, installationID,
		WithBaseURL(f.baseURL),
		WithRateLimiter(NewRateLimiter(f.limiterConfig)),
	)
	f.clients[installationID] = c
	return c
}
