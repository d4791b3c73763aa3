package server

import (
	"net/http"

	gh "github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"labelsync/pkg/queue"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := gh.ValidatePayload(r, s.secret)
	if err != nil {
		s.logger.Warn("Rejected webhook", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	eventType := gh.WebHookType(r)
	event, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		// Events the app does not subscribe to are acknowledged and ignored
		s.logger.Debug("Ignoring webhook", zap.String("event", eventType), zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResponse{Tasks: []string{}})
		return
	}

	ctx := r.Context()
	tasks := s.tasksFor(event)

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		paid, err := s.isPaid(ctx, task.InstallationID)
		if err != nil {
			s.logger.Error("Failed to look up installation",
				zap.Int64("installation", task.InstallationID), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "installation store unavailable"})
			return
		}
		task.IsPaidPlan = paid

		id, err := s.queue.Push(ctx, task)
		if err != nil {
			s.writePushError(w, err)
			return
		}
		ids = append(ids, id)

		s.logger.Info("Enqueued task from webhook",
			zap.String("event", eventType),
			zap.String("id", id),
			zap.String("kind", string(task.Kind())),
			zap.String("organization", task.Organization))
	}

	status := http.StatusOK
	if len(ids) > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, webhookResponse{Tasks: ids})
}

// tasksFor maps a parsed webhook event to the tasks it triggers. Events that
// need no work map to nothing.
func (s *Server) tasksFor(event any) []queue.Task {
	switch e := event.(type) {
	case *gh.InstallationEvent:
		return s.installationTasks(e)
	case *gh.PushEvent:
		return s.pushTasks(e)
	case *gh.PullRequestEvent:
		return s.pullRequestTasks(e)
	case *gh.IssuesEvent:
		return s.issuesTasks(e)
	case *gh.LabelEvent:
		return s.labelTasks(e)
	default:
		return nil
	}
}

func (s *Server) installationTasks(e *gh.InstallationEvent) []queue.Task {
	if e.GetAction() != "created" {
		return nil
	}
	inst := e.GetInstallation()
	return []queue.Task{{
		InstallationID: inst.GetID(),
		Organization:   inst.GetAccount().GetLogin(),
		Spec:           queue.OnboardOrg{},
	}}
}

func (s *Server) pushTasks(e *gh.PushEvent) []queue.Task {
	repo := e.GetRepo()
	owner := repo.GetOwner().GetLogin()
	if !s.source.IsConfigRepository(owner, repo.GetFullName()) {
		return nil
	}
	if e.GetRef() != "refs/heads/"+repo.GetDefaultBranch() {
		return nil
	}
	return []queue.Task{{
		InstallationID: e.GetInstallation().GetID(),
		Organization:   owner,
		Spec:           queue.SyncOrg{},
	}}
}

func (s *Server) pullRequestTasks(e *gh.PullRequestEvent) []queue.Task {
	repo := e.GetRepo()
	owner := repo.GetOwner().GetLogin()
	installation := e.GetInstallation().GetID()

	switch e.GetAction() {
	case "opened", "reopened", "synchronize":
		if !s.source.IsConfigRepository(owner, repo.GetFullName()) {
			return nil
		}
		return []queue.Task{{
			InstallationID: installation,
			Organization:   owner,
			Spec: queue.DryRunConfig{
				PullRequestNumber: e.GetNumber(),
				Ref:               e.GetPullRequest().GetHead().GetSHA(),
			},
		}}
	case "labeled":
		return []queue.Task{{
			InstallationID: installation,
			Organization:   owner,
			Spec: queue.AddSiblings{
				Repository:    repo.GetFullName(),
				IssueNumber:   e.GetNumber(),
				Label:         e.GetLabel().GetName(),
				Sender:        e.GetSender().GetLogin(),
				IsPullRequest: true,
			},
		}}
	default:
		return nil
	}
}

func (s *Server) issuesTasks(e *gh.IssuesEvent) []queue.Task {
	if e.GetAction() != "labeled" {
		return nil
	}
	repo := e.GetRepo()
	issue := e.GetIssue()
	return []queue.Task{{
		InstallationID: e.GetInstallation().GetID(),
		Organization:   repo.GetOwner().GetLogin(),
		Spec: queue.AddSiblings{
			Repository:    repo.GetFullName(),
			IssueNumber:   issue.GetNumber(),
			Label:         e.GetLabel().GetName(),
			Sender:        e.GetSender().GetLogin(),
			IsPullRequest: issue != nil && issue.IsPullRequest(),
		},
	}}
}

func (s *Server) labelTasks(e *gh.LabelEvent) []queue.Task {
	if e.GetAction() != "created" {
		return nil
	}
	repo := e.GetRepo()
	if repo == nil {
		// Organization-level label events carry no repository
		return nil
	}
	return []queue.Task{{
		InstallationID: e.GetInstallation().GetID(),
		Organization:   repo.GetOwner().GetLogin(),
		Spec: queue.CheckUnconfiguredLabels{
			Repository: repo.GetFullName(),
			Label:      e.GetLabel().GetName(),
		},
	}}
}
