package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_JSONEnvelope(t *testing.T) {
	data := []byte(`{"kind":"sync_repo","installationId":1,"organization":"prisma","repository":"prisma/github-labels","dependsOn":[],"isPaidPlan":true}`)

	var task Task
	require.NoError(t, json.Unmarshal(data, &task))

	assert.Equal(t, KindSyncRepo, task.Kind())
	assert.Equal(t, int64(1), task.InstallationID)
	assert.Equal(t, "prisma", task.Organization)
	assert.True(t, task.IsPaidPlan)
	assert.Equal(t, SyncRepo{Repository: "prisma/github-labels"}, task.Spec)
	assert.Equal(t, "prisma/github-labels", task.Scope())
	require.NoError(t, task.Validate())

	encoded, err := json.Marshal(task)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(encoded))
}

func TestTask_JSONEveryKind(t *testing.T) {
	tasks := []Task{
		{ID: "1", InstallationID: 1, Organization: "acme", Spec: OnboardOrg{}},
		{ID: "2", InstallationID: 1, Organization: "acme", DependsOn: []string{"1"}, Spec: SyncOrg{}},
		{ID: "3", InstallationID: 1, Organization: "acme", Spec: DryRunConfig{PullRequestNumber: 4, Ref: "refs/pull/4/head"}},
		{ID: "4", InstallationID: 1, Organization: "acme", Spec: AddSiblings{Repository: "acme/api", IssueNumber: 9, Label: "bug", Sender: "octocat", IsPullRequest: true}},
		{ID: "5", InstallationID: 1, Organization: "acme", Spec: CheckUnconfiguredLabels{Repository: "acme/api", Label: "wat"}},
	}

	for _, task := range tasks {
		t.Run(string(task.Kind()), func(t *testing.T) {
			data, err := json.Marshal(task)
			require.NoError(t, err)

			var decoded Task
			require.NoError(t, json.Unmarshal(data, &decoded))
			if task.DependsOn == nil {
				task.DependsOn = []string{}
			}
			assert.Equal(t, task, decoded)
		})
	}
}

func TestTask_UnknownKind(t *testing.T) {
	var task Task
	err := json.Unmarshal([]byte(`{"kind":"launch_rockets","installationId":1}`), &task)
	assert.ErrorContains(t, err, "unknown task kind")
}

func TestTask_Scope(t *testing.T) {
	assert.Equal(t, OrgWide, Task{Spec: SyncOrg{}}.Scope())
	assert.Equal(t, OrgWide, Task{Spec: OnboardOrg{}}.Scope())
	assert.Equal(t, OrgWide, Task{Spec: DryRunConfig{}}.Scope())
	assert.Equal(t, "acme/api", Task{Spec: AddSiblings{Repository: "acme/api"}}.Scope())
	assert.Equal(t, "acme/api", Task{Spec: CheckUnconfiguredLabels{Repository: "acme/api"}}.Scope())
}

func TestTask_Validate(t *testing.T) {
	base := func(spec Spec) Task { return Task{InstallationID: 1, Organization: "acme", Spec: spec} }

	assert.NoError(t, base(SyncOrg{}).Validate())
	assert.Error(t, Task{InstallationID: 1, Organization: "acme"}.Validate())
	assert.Error(t, Task{Organization: "acme", Spec: SyncOrg{}}.Validate())
	assert.Error(t, Task{InstallationID: 1, Spec: SyncOrg{}}.Validate())
	assert.Error(t, base(SyncRepo{Repository: "acme/"}).Validate())
	assert.Error(t, base(DryRunConfig{Ref: "main"}).Validate())
	assert.Error(t, base(DryRunConfig{PullRequestNumber: 1}).Validate())
	assert.Error(t, base(AddSiblings{Repository: "acme/api", Label: "bug"}).Validate())
	assert.Error(t, base(AddSiblings{Repository: "acme/api", IssueNumber: 1}).Validate())
	assert.Error(t, base(CheckUnconfiguredLabels{Repository: "acme/api"}).Validate())
}

// kindRecorder records which visitor method ran
type kindRecorder struct {
	visited Kind
}

func (r *kindRecorder) VisitOnboardOrg(context.Context, Task, OnboardOrg) error {
	r.visited = KindOnboardOrg
	return nil
}

func (r *kindRecorder) VisitSyncOrg(context.Context, Task, SyncOrg) error {
	r.visited = KindSyncOrg
	return nil
}

func (r *kindRecorder) VisitSyncRepo(context.Context, Task, SyncRepo) error {
	r.visited = KindSyncRepo
	return nil
}

func (r *kindRecorder) VisitDryRunConfig(context.Context, Task, DryRunConfig) error {
	r.visited = KindDryRunConfig
	return nil
}

func (r *kindRecorder) VisitAddSiblings(context.Context, Task, AddSiblings) error {
	r.visited = KindAddSiblings
	return nil
}

func (r *kindRecorder) VisitCheckUnconfiguredLabels(context.Context, Task, CheckUnconfiguredLabels) error {
	r.visited = KindCheckUnconfiguredLabels
	return nil
}

func TestTask_AcceptDispatchesByKind(t *testing.T) {
	specs := []Spec{OnboardOrg{}, SyncOrg{}, SyncRepo{}, DryRunConfig{}, AddSiblings{}, CheckUnconfiguredLabels{}}

	for _, spec := range specs {
		r := &kindRecorder{}
		require.NoError(t, Task{Spec: spec}.Accept(context.Background(), r))
		assert.Equal(t, spec.Kind(), r.visited)
	}

	assert.Error(t, Task{}.Accept(context.Background(), &kindRecorder{}))
}
