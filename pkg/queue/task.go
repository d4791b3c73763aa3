package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the kind of work a task carries
type Kind string

const (
	KindOnboardOrg              Kind = "onboard_org"
	KindSyncOrg                 Kind = "sync_org"
	KindSyncRepo                Kind = "sync_repo"
	KindDryRunConfig            Kind = "dryrun_config"
	KindAddSiblings             Kind = "add_siblings"
	KindCheckUnconfiguredLabels Kind = "check_unconfigured_labels"
)

// OrgWide is the lock scope of tasks that touch every repository of an installation
const OrgWide = "*"

// Task is a unit of work. Tasks are immutable once enqueued.
type Task struct {
	ID             string
	InstallationID int64
	Organization   string
	DependsOn      []string
	IsPaidPlan     bool
	Spec           Spec
}

// Kind returns the kind of the task's payload
func (t Task) Kind() Kind {
	if t.Spec == nil {
		return ""
	}
	return t.Spec.Kind()
}

// Scope returns the repository the task works on, or OrgWide
func (t Task) Scope() string {
	if t.Spec == nil {
		return OrgWide
	}
	return t.Spec.scope()
}

// Accept dispatches the task to the visitor method of its kind
func (t Task) Accept(ctx context.Context, v Visitor) error {
	if t.Spec == nil {
		return fmt.Errorf("task %s has no payload", t.ID)
	}
	return t.Spec.accept(ctx, t, v)
}

// Validate checks the envelope and the payload
func (t Task) Validate() error {
	if t.Spec == nil {
		return fmt.Errorf("task has no kind")
	}
	if t.InstallationID <= 0 {
		return fmt.Errorf("%s task requires an installation id", t.Kind())
	}
	if strings.TrimSpace(t.Organization) == "" {
		return fmt.Errorf("%s task requires an organization", t.Kind())
	}
	return t.Spec.validate()
}

// Spec is the kind-specific payload of a task. The set of kinds is closed:
// every kind has a method on Visitor.
type Spec interface {
	Kind() Kind
	scope() string
	validate() error
	accept(ctx context.Context, task Task, v Visitor) error
	encode(*taskJSON)
}

// Visitor handles every task kind
type Visitor interface {
	VisitOnboardOrg(ctx context.Context, task Task, spec OnboardOrg) error
	VisitSyncOrg(ctx context.Context, task Task, spec SyncOrg) error
	VisitSyncRepo(ctx context.Context, task Task, spec SyncRepo) error
	VisitDryRunConfig(ctx context.Context, task Task, spec DryRunConfig) error
	VisitAddSiblings(ctx context.Context, task Task, spec AddSiblings) error
	VisitCheckUnconfiguredLabels(ctx context.Context, task Task, spec CheckUnconfiguredLabels) error
}

// OnboardOrg mirrors the current labels of a newly installed organization
type OnboardOrg struct{}

func (OnboardOrg) Kind() Kind      { return KindOnboardOrg }
func (OnboardOrg) scope() string   { return OrgWide }
func (OnboardOrg) validate() error { return nil }
func (OnboardOrg) encode(*taskJSON) {}
func (s OnboardOrg) accept(ctx context.Context, task Task, v Visitor) error {
	return v.VisitOnboardOrg(ctx, task, s)
}

// SyncOrg reconciles every configured repository of an organization
type SyncOrg struct{}

func (SyncOrg) Kind() Kind      { return KindSyncOrg }
func (SyncOrg) scope() string   { return OrgWide }
func (SyncOrg) validate() error { return nil }
func (SyncOrg) encode(*taskJSON) {}
func (s SyncOrg) accept(ctx context.Context, task Task, v Visitor) error {
	return v.VisitSyncOrg(ctx, task, s)
}

// SyncRepo reconciles one repository
type SyncRepo struct {
	Repository string
}

func (SyncRepo) Kind() Kind        { return KindSyncRepo }
func (s SyncRepo) scope() string   { return s.Repository }
func (s SyncRepo) validate() error { return requireRepository(KindSyncRepo, s.Repository) }
func (s SyncRepo) encode(j *taskJSON) {
	j.Repository = s.Repository
}
func (s SyncRepo) accept(ctx context.Context, task Task, v Visitor) error {
	return v.VisitSyncRepo(ctx, task, s)
}

// DryRunConfig previews a configuration change proposed in a pull request
type DryRunConfig struct {
	PullRequestNumber int
	Ref               string
}

func (DryRunConfig) Kind() Kind    { return KindDryRunConfig }
func (DryRunConfig) scope() string { return OrgWide }
func (s DryRunConfig) validate() error {
	if s.PullRequestNumber <= 0 {
		return fmt.Errorf("%s task requires a pull request number", KindDryRunConfig)
	}
	if s.Ref == "" {
		return fmt.Errorf("%s task requires a ref", KindDryRunConfig)
	}
	return nil
}
func (s DryRunConfig) encode(j *taskJSON) {
	j.PullRequestNumber = s.PullRequestNumber
	j.Ref = s.Ref
}
func (s DryRunConfig) accept(ctx context.Context, task Task, v Visitor) error {
	return v.VisitDryRunConfig(ctx, task, s)
}

// AddSiblings reacts to a label being assigned to an issue or pull request
type AddSiblings struct {
	Repository    string
	IssueNumber   int
	Label         string
	Sender        string
	IsPullRequest bool
}

func (AddSiblings) Kind() Kind      { return KindAddSiblings }
func (s AddSiblings) scope() string { return s.Repository }
func (s AddSiblings) validate() error {
	if err := requireRepository(KindAddSiblings, s.Repository); err != nil {
		return err
	}
	if s.IssueNumber <= 0 {
		return fmt.Errorf("%s task requires an issue number", KindAddSiblings)
	}
	if s.Label == "" {
		return fmt.Errorf("%s task requires a label", KindAddSiblings)
	}
	return nil
}
func (s AddSiblings) encode(j *taskJSON) {
	j.Repository = s.Repository
	j.IssueNumber = s.IssueNumber
	j.Label = s.Label
	j.Sender = s.Sender
	j.IsPullRequest = s.IsPullRequest
}
func (s AddSiblings) accept(ctx context.Context, task Task, v Visitor) error {
	return v.VisitAddSiblings(ctx, task, s)
}

// CheckUnconfiguredLabels reacts to a label created outside the configuration
type CheckUnconfiguredLabels struct {
	Repository string
	Label      string
}

func (CheckUnconfiguredLabels) Kind() Kind      { return KindCheckUnconfiguredLabels }
func (s CheckUnconfiguredLabels) scope() string { return s.Repository }
func (s CheckUnconfiguredLabels) validate() error {
	if err := requireRepository(KindCheckUnconfiguredLabels, s.Repository); err != nil {
		return err
	}
	if s.Label == "" {
		return fmt.Errorf("%s task requires a label", KindCheckUnconfiguredLabels)
	}
	return nil
}
func (s CheckUnconfiguredLabels) encode(j *taskJSON) {
	j.Repository = s.Repository
	j.Label = s.Label
}
func (s CheckUnconfiguredLabels) accept(ctx context.Context, task Task, v Visitor) error {
	return v.VisitCheckUnconfiguredLabels(ctx, task, s)
}

func requireRepository(kind Kind, repository string) error {
	if strings.Count(repository, "/") != 1 || strings.HasPrefix(repository, "/") || strings.HasSuffix(repository, "/") {
		return fmt.Errorf("%s task requires a repository in owner/name form, got %q", kind, repository)
	}
	return nil
}

// taskJSON is the wire form of a task: the envelope and the payload fields flattened
type taskJSON struct {
	Kind              Kind     `json:"kind"`
	ID                string   `json:"id,omitempty"`
	InstallationID    int64    `json:"installationId"`
	Organization      string   `json:"organization"`
	DependsOn         []string `json:"dependsOn"`
	IsPaidPlan        bool     `json:"isPaidPlan"`
	Repository        string   `json:"repository,omitempty"`
	PullRequestNumber int      `json:"pullRequestNumber,omitempty"`
	Ref               string   `json:"ref,omitempty"`
	IssueNumber       int      `json:"issueNumber,omitempty"`
	Label             string   `json:"label,omitempty"`
	Sender            string   `json:"sender,omitempty"`
	IsPullRequest     bool     `json:"isPullRequest,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (t Task) MarshalJSON() ([]byte, error) {
	if t.Spec == nil {
		return nil, fmt.Errorf("task %s has no payload", t.ID)
	}

	j := taskJSON{
		Kind:           t.Spec.Kind(),
		ID:             t.ID,
		InstallationID: t.InstallationID,
		Organization:   t.Organization,
		DependsOn:      t.DependsOn,
		IsPaidPlan:     t.IsPaidPlan,
	}
	if j.DependsOn == nil {
		j.DependsOn = []string{}
	}
	t.Spec.encode(&j)

	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Task) UnmarshalJSON(data []byte) error {
	var j taskJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}

	var spec Spec
	switch j.Kind {
	case KindOnboardOrg:
		spec = OnboardOrg{}
	case KindSyncOrg:
		spec = SyncOrg{}
	case KindSyncRepo:
		spec = SyncRepo{Repository: j.Repository}
	case KindDryRunConfig:
		spec = DryRunConfig{PullRequestNumber: j.PullRequestNumber, Ref: j.Ref}
	case KindAddSiblings:
		spec = AddSiblings{
			Repository:    j.Repository,
			IssueNumber:   j.IssueNumber,
			Label:         j.Label,
			Sender:        j.Sender,
			IsPullRequest: j.IsPullRequest,
		}
	case KindCheckUnconfiguredLabels:
		spec = CheckUnconfiguredLabels{Repository: j.Repository, Label: j.Label}
	default:
		return fmt.Errorf("unknown task kind %q", j.Kind)
	}

	*t = Task{
		ID:             j.ID,
		InstallationID: j.InstallationID,
		Organization:   j.Organization,
		DependsOn:      j.DependsOn,
		IsPaidPlan:     j.IsPaidPlan,
		Spec:           spec,
	}
	return nil
}
