// Package dispatch reacts to a label being assigned to an issue or pull
// request: it adds the label's siblings and runs the label's hooks.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"labelsync/pkg/github"
	"labelsync/pkg/labels"
	"labelsync/pkg/logsink"
)

const defaultHookTimeout = 10 * time.Second

// Event is a label assignment
type Event struct {
	Repository    string   `json:"repository"`
	IssueNumber   int      `json:"issueNumber"`
	Label         string   `json:"label"`
	IsPullRequest bool     `json:"isPullRequest"`
	Sender        string   `json:"sender"`
	CurrentLabels []string `json:"currentLabels"`
}

// Result describes what the dispatcher did for one event
type Result struct {
	Ignored    bool
	Siblings   []string
	HooksRun   []labels.HookKind
	HookErrors []error
}

// SlackPoster is the part of the Slack client used by slack hooks
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Dispatcher handles label assignments for one installation
type Dispatcher struct {
	client     github.APIClient
	botLogin   string
	httpClient *http.Client
	slack      SlackPoster
	sink       logsink.Sink
	logger     *zap.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithBotLogin sets the login of the app's bot user; its events are ignored
func WithBotLogin(login string) Option {
	return func(d *Dispatcher) { d.botLogin = login }
}

// WithHTTPClient sets the client webhook hooks post with
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithSlack enables slack hooks
func WithSlack(s SlackPoster) Option {
	return func(d *Dispatcher) { d.slack = s }
}

// WithSink sets where hook failures are reported
func WithSink(s logsink.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithLogger sets the process logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher that acts through client
func New(client github.APIClient, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:     client,
		httpClient: &http.Client{Timeout: defaultHookTimeout},
		sink:       logsink.Multi{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LabelAssigned adds the missing siblings of the assigned label in one call
// and runs its hooks in order. Siblings are one level deep: the labels this
// adds are not expanded further, and events sent by the bot itself are
// ignored, so cyclic sibling declarations terminate.
//
// Hook failures are collected in the result and never stop other hooks.
// Rate limit and credential failures while adding siblings are returned
// before any hook runs so the event can be retried as a whole.
func (d *Dispatcher) LabelAssigned(ctx context.Context, event Event, cfg labels.RepositoryConfig) (*Result, error) {
	result := &Result{}

	if d.botLogin != "" && strings.EqualFold(event.Sender, d.botLogin) {
		result.Ignored = true
		return result, nil
	}

	def, ok := cfg.Labels[event.Label]
	if !ok {
		result.Ignored = true
		return result, nil
	}

	owner, repo, err := labels.ParseRepositoryName(event.Repository)
	if err != nil {
		return nil, labels.NewConfigurationError(event.Repository, err.Error())
	}

	siblingErr := d.addSiblings(ctx, owner, repo, event, def, result)
	if siblingErr != nil && (github.IsRateLimit(siblingErr) || github.IsAuth(siblingErr)) {
		return result, siblingErr
	}

	runner := &hookRunner{d: d, ctx: ctx, event: event, owner: owner, repo: repo}
	for _, hook := range def.Hooks {
		result.HooksRun = append(result.HooksRun, hook.Kind())
		if err := hook.Accept(runner); err != nil {
			err = fmt.Errorf("%s hook on label %s: %w", hook.Kind(), event.Label, err)
			result.HookErrors = append(result.HookErrors, err)
			d.sink.Log(ctx, logsink.Entry{
				Level:   logsink.LevelError,
				Event:   "hook_failed",
				Owner:   owner,
				Repo:    repo,
				Message: err.Error(),
				Data: map[string]any{
					"hook":  string(hook.Kind()),
					"label": event.Label,
					"issue": event.IssueNumber,
				},
			})
		}
	}

	return result, siblingErr
}

func (d *Dispatcher) addSiblings(ctx context.Context, owner, repo string, event Event, def labels.LabelDefinition, result *Result) error {
	present := make(map[string]struct{}, len(event.CurrentLabels)+1)
	for _, name := range event.CurrentLabels {
		present[name] = struct{}{}
	}
	present[event.Label] = struct{}{}

	var missing []string
	for _, sibling := range def.Siblings {
		if _, ok := present[sibling]; ok {
			continue
		}
		present[sibling] = struct{}{}
		missing = append(missing, sibling)
	}
	if len(missing) == 0 {
		return nil
	}

	if err := d.client.AddLabelsToIssue(ctx, owner, repo, event.IssueNumber, missing); err != nil {
		d.sink.Log(ctx, logsink.Entry{
			Level:   logsink.LevelError,
			Event:   "siblings_failed",
			Owner:   owner,
			Repo:    repo,
			Message: err.Error(),
			Data:    map[string]any{"label": event.Label, "siblings": missing, "issue": event.IssueNumber},
		})
		return fmt.Errorf("failed to add siblings of %s to %s#%d: %w", event.Label, event.Repository, event.IssueNumber, err)
	}

	d.logger.Info("Added sibling labels",
		zap.String("repository", event.Repository),
		zap.Int("issue", event.IssueNumber),
		zap.String("label", event.Label),
		zap.Strings("siblings", missing))
	result.Siblings = missing
	return nil
}
