package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"labelsync/pkg/labels"
)

// ErrSlackDisabled is returned by slack hooks when no Slack token is configured
var ErrSlackDisabled = errors.New("slack is not configured")

// WebhookPayload is the body posted to webhook hooks
type WebhookPayload struct {
	Action string `json:"action"`
	Event
}

// hookRunner interprets hooks for one event
type hookRunner struct {
	d     *Dispatcher
	ctx   context.Context
	event Event
	owner string
	repo  string
}

var _ labels.HookVisitor = (*hookRunner)(nil)

func (r *hookRunner) VisitWebhook(h labels.WebhookHook) error {
	body, err := json.Marshal(WebhookPayload{Action: "label.assigned", Event: r.event})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid endpoint %s: %w", h.Endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "labelsync")

	resp, err := r.d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s responded with %s", h.Endpoint, resp.Status)
	}
	return nil
}

func (r *hookRunner) VisitSlack(h labels.SlackHook) error {
	if r.d.slack == nil {
		return ErrSlackDisabled
	}

	kind := "issue"
	if r.event.IsPullRequest {
		kind = "pull request"
	}
	text := fmt.Sprintf("Label *%s* was added to %s <https://github.com/%s/issues/%d|%s#%d>",
		r.event.Label, kind, r.event.Repository, r.event.IssueNumber, r.event.Repository, r.event.IssueNumber)

	_, _, err := r.d.slack.PostMessageContext(r.ctx, h.User, slack.MsgOptionText(text, false))
	return err
}

func (r *hookRunner) VisitPRMerge(labels.PRMergeHook) error {
	if !r.event.IsPullRequest {
		r.skip(labels.HookKindPRMerge)
		return nil
	}
	return r.d.client.MergePullRequest(r.ctx, r.owner, r.repo, r.event.IssueNumber)
}

func (r *hookRunner) VisitPRClose(labels.PRCloseHook) error {
	if !r.event.IsPullRequest {
		r.skip(labels.HookKindPRClose)
		return nil
	}
	return r.d.client.ClosePullRequest(r.ctx, r.owner, r.repo, r.event.IssueNumber)
}

func (r *hookRunner) skip(kind labels.HookKind) {
	r.d.logger.Debug("Skipping pull request hook on an issue",
		zap.String("hook", string(kind)),
		zap.String("repository", r.event.Repository),
		zap.Int("issue", r.event.IssueNumber))
}
