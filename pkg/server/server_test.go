package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelsync/pkg/installations"
	"labelsync/pkg/queue"
)

const (
	testSecret     = "s3cret"
	testAdminToken = "admin-t0ken"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	server *Server
	queue  *queue.Queue
	store  *installations.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	q := queue.New(queue.NewMemoryStore())
	require.NoError(t, q.Start(context.Background()))

	store := installations.NewMemoryStore(
		installations.Installation{ID: 1, Account: "acme", Plan: installations.PlanPaid, Activated: true},
		installations.Installation{ID: 2, Account: "hobby", Plan: installations.PlanFree, Activated: true},
	)

	return &fixture{
		server: New(q, store, []byte(testSecret), WithClock(fakeclock.NewFakeClock(now)), WithAdminToken(testAdminToken)),
		queue:  q,
		store:  store,
	}
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) deliver(t *testing.T, event, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/github/hooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

// adminRequest builds an authenticated /tasks request
func adminRequest(method, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/tasks", nil)
	} else {
		req = httptest.NewRequest(method, "/tasks", strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func (f *fixture) pending(t *testing.T) []queue.Task {
	t.Helper()
	tasks, err := f.queue.List(context.Background())
	require.NoError(t, err)
	return tasks
}

func TestWebhookSignature(t *testing.T) {
	f := newFixture(t)
	body := `{"action":"created","installation":{"id":1,"account":{"login":"acme"}}}`

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/github/hooks", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "installation")
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/github/hooks", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "installation")
		req.Header.Set("X-Hub-Signature-256", sign(body+" "))
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	assert.Empty(t, f.pending(t))
}

func TestWebhookEvents(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
		want  []queue.Task
	}{
		{
			name:  "installation created",
			event: "installation",
			body:  `{"action":"created","installation":{"id":1,"account":{"login":"acme"}}}`,
			want: []queue.Task{{
				InstallationID: 1, Organization: "acme", IsPaidPlan: true,
				Spec: queue.OnboardOrg{},
			}},
		},
		{
			name:  "installation deleted",
			event: "installation",
			body:  `{"action":"deleted","installation":{"id":1,"account":{"login":"acme"}}}`,
		},
		{
			name:  "push to config default branch",
			event: "push",
			body: `{"ref":"refs/heads/main","installation":{"id":1},
				"repository":{"full_name":"acme/github-labels","default_branch":"main","owner":{"login":"acme"}}}`,
			want: []queue.Task{{
				InstallationID: 1, Organization: "acme", IsPaidPlan: true,
				Spec: queue.SyncOrg{},
			}},
		},
		{
			name:  "push to config feature branch",
			event: "push",
			body: `{"ref":"refs/heads/feature","installation":{"id":1},
				"repository":{"full_name":"acme/github-labels","default_branch":"main","owner":{"login":"acme"}}}`,
		},
		{
			name:  "push to other repository",
			event: "push",
			body: `{"ref":"refs/heads/main","installation":{"id":1},
				"repository":{"full_name":"acme/api","default_branch":"main","owner":{"login":"acme"}}}`,
		},
		{
			name:  "config pull request opened",
			event: "pull_request",
			body: `{"action":"opened","number":3,"installation":{"id":2},
				"pull_request":{"number":3,"head":{"sha":"abc123"}},
				"repository":{"full_name":"hobby/github-labels","owner":{"login":"hobby"}}}`,
			want: []queue.Task{{
				InstallationID: 2, Organization: "hobby",
				Spec: queue.DryRunConfig{PullRequestNumber: 3, Ref: "abc123"},
			}},
		},
		{
			name:  "other pull request opened",
			event: "pull_request",
			body: `{"action":"opened","number":3,"installation":{"id":1},
				"pull_request":{"number":3,"head":{"sha":"abc123"}},
				"repository":{"full_name":"acme/api","owner":{"login":"acme"}}}`,
		},
		{
			name:  "pull request labeled",
			event: "pull_request",
			body: `{"action":"labeled","number":9,"installation":{"id":1},
				"label":{"name":"bug"},"sender":{"login":"octocat"},
				"repository":{"full_name":"acme/api","owner":{"login":"acme"}}}`,
			want: []queue.Task{{
				InstallationID: 1, Organization: "acme", IsPaidPlan: true,
				Spec: queue.AddSiblings{
					Repository: "acme/api", IssueNumber: 9, Label: "bug",
					Sender: "octocat", IsPullRequest: true,
				},
			}},
		},
		{
			name:  "issue labeled",
			event: "issues",
			body: `{"action":"labeled","installation":{"id":1},
				"issue":{"number":7},"label":{"name":"bug"},"sender":{"login":"octocat"},
				"repository":{"full_name":"acme/api","owner":{"login":"acme"}}}`,
			want: []queue.Task{{
				InstallationID: 1, Organization: "acme", IsPaidPlan: true,
				Spec: queue.AddSiblings{
					Repository: "acme/api", IssueNumber: 7, Label: "bug", Sender: "octocat",
				},
			}},
		},
		{
			name:  "issue unlabeled",
			event: "issues",
			body: `{"action":"unlabeled","installation":{"id":1},
				"issue":{"number":7},"label":{"name":"bug"},
				"repository":{"full_name":"acme/api","owner":{"login":"acme"}}}`,
		},
		{
			name:  "label created",
			event: "label",
			body: `{"action":"created","installation":{"id":1},"label":{"name":"wontfix"},
				"repository":{"full_name":"acme/api","owner":{"login":"acme"}}}`,
			want: []queue.Task{{
				InstallationID: 1, Organization: "acme", IsPaidPlan: true,
				Spec: queue.CheckUnconfiguredLabels{Repository: "acme/api", Label: "wontfix"},
			}},
		},
		{
			name:  "unknown installation is on the free plan",
			event: "label",
			body: `{"action":"created","installation":{"id":99},"label":{"name":"wontfix"},
				"repository":{"full_name":"new/api","owner":{"login":"new"}}}`,
			want: []queue.Task{{
				InstallationID: 99, Organization: "new",
				Spec: queue.CheckUnconfiguredLabels{Repository: "new/api", Label: "wontfix"},
			}},
		},
		{
			name:  "unsubscribed event",
			event: "star",
			body:  `{"action":"created"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			rec := f.deliver(t, tt.event, tt.body)

			var resp webhookResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Len(t, resp.Tasks, len(tt.want))
			if len(tt.want) > 0 {
				assert.Equal(t, http.StatusAccepted, rec.Code)
			} else {
				assert.Equal(t, http.StatusOK, rec.Code)
			}

			pending := f.pending(t)
			require.Len(t, pending, len(tt.want))
			for i, want := range tt.want {
				got := pending[i]
				assert.Equal(t, resp.Tasks[i], got.ID)
				assert.Equal(t, want.InstallationID, got.InstallationID)
				assert.Equal(t, want.Organization, got.Organization)
				assert.Equal(t, want.IsPaidPlan, got.IsPaidPlan)
				assert.Equal(t, want.Spec, got.Spec)
			}
		})
	}
}

func TestWebhookIssueOnPullRequest(t *testing.T) {
	f := newFixture(t)

	body := `{"action":"labeled","installation":{"id":1},
		"issue":{"number":7,"pull_request":{"url":"https://api.github.com/repos/acme/api/pulls/7"}},
		"label":{"name":"bug"},"sender":{"login":"octocat"},
		"repository":{"full_name":"acme/api","owner":{"login":"acme"}}}`
	rec := f.deliver(t, "issues", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	spec, ok := pending[0].Spec.(queue.AddSiblings)
	require.True(t, ok)
	assert.True(t, spec.IsPullRequest)
}

func TestWebhookExpiredPlan(t *testing.T) {
	f := newFixture(t)
	f.store.Put(installations.Installation{
		ID: 1, Account: "acme", Plan: installations.PlanPaid, Activated: true,
		PeriodEndsAt: now.Add(-time.Hour),
	})

	body := `{"action":"created","installation":{"id":1},"label":{"name":"wontfix"},
		"repository":{"full_name":"acme/api","owner":{"login":"acme"}}}`
	rec := f.deliver(t, "label", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].IsPaidPlan)
}

type failingStore struct{}

func (failingStore) Get(context.Context, int64) (installations.Installation, error) {
	return installations.Installation{}, errors.New("connection refused")
}

func TestWebhookInstallationStoreFailure(t *testing.T) {
	q := queue.New(queue.NewMemoryStore())
	f := &fixture{server: New(q, failingStore{}, []byte(testSecret)), queue: q}

	body := `{"action":"created","installation":{"id":1,"account":{"login":"acme"}}}`
	rec := f.deliver(t, "installation", body)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, f.pending(t))
}

type brokenQueue struct{}

func (brokenQueue) Push(context.Context, queue.Task) (string, error) {
	return "", &queue.QueueConnectionError{Op: "push", Err: errors.New("connection refused")}
}

func (brokenQueue) List(context.Context) ([]queue.Task, error) {
	return nil, &queue.QueueConnectionError{Op: "list", Err: errors.New("connection refused")}
}

func TestQueueUnavailable(t *testing.T) {
	s := New(brokenQueue{}, nil, []byte(testSecret), WithAdminToken(testAdminToken))

	req := adminRequest(http.MethodGet, "")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := `{"kind":"sync_org","installationId":1,"organization":"acme","dependsOn":[],"isPaidPlan":true}`
	req = adminRequest(http.MethodPost, body)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitAndListTasks(t *testing.T) {
	f := newFixture(t)

	body := `{"kind":"sync_repo","installationId":1,"organization":"prisma","repository":"prisma/github-labels","dependsOn":[],"isPaidPlan":true}`
	req := adminRequest(http.MethodPost, body)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.NotEmpty(t, submitted.ID)

	req = adminRequest(http.MethodGet, "")
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var listed []queue.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, submitted.ID, listed[0].ID)
	assert.Equal(t, queue.SyncRepo{Repository: "prisma/github-labels"}, listed[0].Spec)
	assert.True(t, listed[0].IsPaidPlan)
}

func TestSubmitInvalidTask(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "unknown kind", body: `{"kind":"explode","installationId":1,"organization":"acme"}`},
		{name: "missing repository", body: `{"kind":"sync_repo","installationId":1,"organization":"acme"}`},
		{name: "missing installation", body: `{"kind":"sync_org","organization":"acme"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := adminRequest(http.MethodPost, tt.body)
			rec := httptest.NewRecorder()
			f.server.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	assert.Empty(t, f.pending(t))
}

func TestListEmpty(t *testing.T) {
	f := newFixture(t)

	req := adminRequest(http.MethodGet, "")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/github/hooks", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	body := `{"kind":"add_siblings","installationId":1,"organization":"acme","repository":"acme/api","issueNumber":5,"label":"ship-it","isPullRequest":true,"dependsOn":[],"isPaidPlan":true}`

	tests := []struct {
		name          string
		authorization string
		want          int
	}{
		{name: "no credential", want: http.StatusUnauthorized},
		{name: "wrong token", authorization: "Bearer nope", want: http.StatusUnauthorized},
		{name: "not a bearer", authorization: testAdminToken, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			for _, method := range []string{http.MethodGet, http.MethodPost} {
				req := httptest.NewRequest(method, "/tasks", strings.NewReader(body))
				if tt.authorization != "" {
					req.Header.Set("Authorization", tt.authorization)
				}
				rec := httptest.NewRecorder()
				f.server.ServeHTTP(rec, req)

				assert.Equal(t, tt.want, rec.Code, method)
				assert.NotContains(t, rec.Body.String(), "acme")
			}
			assert.Empty(t, f.pending(t))
		})
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	q := queue.New(queue.NewMemoryStore())
	require.NoError(t, q.Start(context.Background()))
	s := New(q, nil, []byte(testSecret))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitTaskIgnoresClaimedPlan(t *testing.T) {
	f := newFixture(t)

	// installation 2 is on the free plan
	body := `{"kind":"sync_org","installationId":2,"organization":"hobby","dependsOn":[],"isPaidPlan":true}`
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, adminRequest(http.MethodPost, body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// unknown installations are free as well
	body = `{"kind":"sync_org","installationId":99,"organization":"ghost","dependsOn":[],"isPaidPlan":true}`
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, adminRequest(http.MethodPost, body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	tasks := f.pending(t)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.False(t, task.IsPaidPlan, task.Organization)
	}
}

func TestAdminMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, adminRequest(http.MethodDelete, ""))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
