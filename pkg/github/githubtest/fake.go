// Package githubtest provides an in-memory github.APIClient for tests.
package githubtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"labelsync/pkg/github"
	"labelsync/pkg/labels"
)

// FakeClient is an in-memory github.APIClient. Errors are injected per call
// key, which is the method name followed by its target, for example
// "CreateLabel acme/api bug" or "ListLabels acme/api".
type FakeClient struct {
	mu sync.Mutex

	labels       map[string][]labels.Label
	issueLabels  map[string][]string
	files        map[string][]byte
	comments     map[string][]string
	merged       map[string]bool
	closed       map[string]bool
	repositories []github.Repository
	errors       map[string]error
	calls        []string

	// OnCall, when set, runs before every call with its key
	OnCall func(key string)
}

// NewFakeClient creates an empty fake
func NewFakeClient() *FakeClient {
	return &FakeClient{
		labels:      make(map[string][]labels.Label),
		issueLabels: make(map[string][]string),
		files:       make(map[string][]byte),
		comments:    make(map[string][]string),
		merged:      make(map[string]bool),
		closed:      make(map[string]bool),
		errors:      make(map[string]error),
	}
}

var _ github.APIClient = (*FakeClient)(nil)

// SetLabels replaces the labels of a repository
func (f *FakeClient) SetLabels(repository string, ls ...labels.Label) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[repository] = append([]labels.Label(nil), ls...)
}

// Labels returns the labels of a repository sorted by name
func (f *FakeClient) Labels(repository string) []labels.Label {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]labels.Label(nil), f.labels[repository]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetIssueLabels replaces the labels on an issue
func (f *FakeClient) SetIssueLabels(repository string, number int, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueLabels[issueKey(repository, number)] = append([]string(nil), names...)
}

// IssueLabels returns the labels on an issue
func (f *FakeClient) IssueLabels(repository string, number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.issueLabels[issueKey(repository, number)]...)
}

// SetFile stores a file at ref. An empty ref is the default branch.
func (f *FakeClient) SetFile(repository, path, ref string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileKey(repository, path, ref)] = data
}

// SetRepositories replaces the repositories of the installation
func (f *FakeClient) SetRepositories(repos ...github.Repository) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repositories = append([]github.Repository(nil), repos...)
}

// Comments returns the comments posted on an issue
func (f *FakeClient) Comments(repository string, number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[issueKey(repository, number)]...)
}

// Merged reports whether a pull request was merged
func (f *FakeClient) Merged(repository string, number int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merged[issueKey(repository, number)]
}

// Closed reports whether a pull request was closed
func (f *FakeClient) Closed(repository string, number int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[issueKey(repository, number)]
}

// Fail makes every call with key return err until cleared with a nil err
func (f *FakeClient) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errors, key)
		return
	}
	f.errors[key] = err
}

// Calls returns the keys of every call made so far
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many calls were made with key
func (f *FakeClient) CallCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

// record logs the call and returns its injected error. It must be called
// without f.mu held.
func (f *FakeClient) record(key string) error {
	if f.OnCall != nil {
		f.OnCall(key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	return f.errors[key]
}

func (f *FakeClient) ListLabels(_ context.Context, owner, repo string) ([]labels.Label, error) {
	full := owner + "/" + repo
	if err := f.record("ListLabels " + full); err != nil {
		return nil, err
	}
	return f.Labels(full), nil
}

func (f *FakeClient) CreateLabel(_ context.Context, owner, repo string, label labels.Label) error {
	full := owner + "/" + repo
	if err := f.record(fmt.Sprintf("CreateLabel %s %s", full, label.Name)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.labels[full] {
		if l.Name == label.Name {
			return github.NewError(github.ErrorTypeValidation, "label already exists", nil)
		}
	}
	f.labels[full] = append(f.labels[full], label)
	return nil
}

func (f *FakeClient) UpdateLabel(_ context.Context, owner, repo string, label labels.Label) error {
	full := owner + "/" + repo
	if err := f.record(fmt.Sprintf("UpdateLabel %s %s", full, label.Name)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.labels[full] {
		if l.Name == label.Name {
			f.labels[full][i] = label
			return nil
		}
	}
	return github.NewError(github.ErrorTypeNotFound, "label not found", nil)
}

func (f *FakeClient) DeleteLabel(_ context.Context, owner, repo, name string) error {
	full := owner + "/" + repo
	if err := f.record(fmt.Sprintf("DeleteLabel %s %s", full, name)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.labels[full][:0]
	for _, l := range f.labels[full] {
		if l.Name != name {
			kept = append(kept, l)
		}
	}
	f.labels[full] = kept
	return nil
}

func (f *FakeClient) ListIssueLabels(_ context.Context, owner, repo string, number int) ([]string, error) {
	key := issueKey(owner+"/"+repo, number)
	if err := f.record("ListIssueLabels " + key); err != nil {
		return nil, err
	}
	return f.IssueLabels(owner+"/"+repo, number), nil
}

func (f *FakeClient) AddLabelsToIssue(_ context.Context, owner, repo string, number int, names []string) error {
	key := issueKey(owner+"/"+repo, number)
	if err := f.record("AddLabelsToIssue " + key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueLabels[key] = append(f.issueLabels[key], names...)
	return nil
}

func (f *FakeClient) CreateComment(_ context.Context, owner, repo string, number int, body string) error {
	key := issueKey(owner+"/"+repo, number)
	if err := f.record("CreateComment " + key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[key] = append(f.comments[key], body)
	return nil
}

func (f *FakeClient) MergePullRequest(_ context.Context, owner, repo string, number int) error {
	key := issueKey(owner+"/"+repo, number)
	if err := f.record("MergePullRequest " + key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged[key] = true
	return nil
}

func (f *FakeClient) ClosePullRequest(_ context.Context, owner, repo string, number int) error {
	key := issueKey(owner+"/"+repo, number)
	if err := f.record("ClosePullRequest " + key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[key] = true
	return nil
}

func (f *FakeClient) ListInstallationRepositories(_ context.Context) ([]github.Repository, error) {
	if err := f.record("ListInstallationRepositories"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.Repository(nil), f.repositories...), nil
}

func (f *FakeClient) GetFileContents(_ context.Context, owner, repo, path, ref string) ([]byte, error) {
	key := fileKey(owner+"/"+repo, path, ref)
	if err := f.record("GetFileContents " + key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[key]
	if !ok {
		return nil, github.NewError(github.ErrorTypeNotFound, "file not found", nil)
	}
	return data, nil
}

// Factory is a github.ClientFactory that serves one fake per installation
type Factory struct {
	mu      sync.Mutex
	clients map[int64]*FakeClient
}

// NewFactory creates a factory with no clients
func NewFactory() *Factory {
	return &Factory{clients: make(map[int64]*FakeClient)}
}

// Client returns the fake of an installation, creating it on first use
func (f *Factory) Client(installationID int64) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[installationID]
	if !ok {
		c = NewFakeClient()
		f.clients[installationID] = c
	}
	return c
}

// ForInstallation implements github.ClientFactory
func (f *Factory) ForInstallation(installationID int64) github.APIClient {
	return f.Client(installationID)
}

func issueKey(repository string, number int) string {
	return fmt.Sprintf("%s#%d", repository, number)
}

func fileKey(repository, path, ref string) string {
	if ref == "" {
		return repository + ":" + path
	}
	return repository + ":" + path + "@" + ref
}
