package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"labelsync/pkg/dispatch"
	"labelsync/pkg/github"
	"labelsync/pkg/installations"
	"labelsync/pkg/labels"
	"labelsync/pkg/logsink"
	"labelsync/pkg/queue"
	"labelsync/pkg/report"
)

// Executor runs each task kind against GitHub
type Executor struct {
	Clients     github.ClientFactory
	Source      github.ConfigSource
	Onboarder   installations.Onboarder
	Sink        logsink.Sink
	Logger      *zap.Logger
	Concurrency int

	// DispatchOptions configure the dispatcher built for add_siblings tasks
	DispatchOptions []dispatch.Option
}

var _ queue.Visitor = (*Executor)(nil)

// VisitSyncOrg reconciles every configured repository of the organization
func (e *Executor) VisitSyncOrg(ctx context.Context, task queue.Task, _ queue.SyncOrg) error {
	client := e.Clients.ForInstallation(task.InstallationID)

	config, configErrors, err := e.Source.Load(ctx, client, task.Organization, "")
	if err != nil {
		return err
	}

	_, err = e.reconcile(ctx, client, task, config, configErrors, config.Repositories(), false)
	return err
}

// VisitSyncRepo reconciles one repository
func (e *Executor) VisitSyncRepo(ctx context.Context, task queue.Task, spec queue.SyncRepo) error {
	client := e.Clients.ForInstallation(task.InstallationID)

	config, configErrors, err := e.Source.Load(ctx, client, task.Organization, "")
	if err != nil {
		return err
	}

	var repoErrors []*labels.ConfigurationError
	for _, ce := range configErrors {
		if ce.Repository == spec.Repository {
			repoErrors = append(repoErrors, ce)
		}
	}

	_, err = e.reconcile(ctx, client, task, config, repoErrors, []string{spec.Repository}, false)
	return err
}

// VisitDryRunConfig previews the configuration of a pull request against the
// config repository and comments the report on it
func (e *Executor) VisitDryRunConfig(ctx context.Context, task queue.Task, spec queue.DryRunConfig) error {
	client := e.Clients.ForInstallation(task.InstallationID)

	owner, repo, err := labels.ParseRepositoryName(e.Source.RepositoryFor(task.Organization))
	if err != nil {
		return err
	}

	config, configErrors, err := e.Source.Load(ctx, client, task.Organization, spec.Ref)
	var cfgErr *labels.ConfigurationError
	if errors.As(err, &cfgErr) {
		body := fmt.Sprintf("## Label sync dry run\n\n⚠️ The configuration could not be read: %s\n", cfgErr.Message)
		return client.CreateComment(ctx, owner, repo, spec.PullRequestNumber, body)
	}
	if err != nil {
		return err
	}

	r, err := e.reconcile(ctx, client, task, config, configErrors, config.Repositories(), true)
	if err != nil {
		return err
	}

	return client.CreateComment(ctx, owner, repo, spec.PullRequestNumber, r.Render())
}

// VisitAddSiblings runs the dispatcher for a label assignment
func (e *Executor) VisitAddSiblings(ctx context.Context, task queue.Task, spec queue.AddSiblings) error {
	client := e.Clients.ForInstallation(task.InstallationID)

	config, _, err := e.Source.Load(ctx, client, task.Organization, "")
	if err != nil {
		return err
	}

	repoConfig, ok := config[spec.Repository]
	if !ok {
		return nil
	}

	owner, repo, err := labels.ParseRepositoryName(spec.Repository)
	if err != nil {
		return labels.NewConfigurationError(spec.Repository, err.Error())
	}

	current, err := client.ListIssueLabels(ctx, owner, repo, spec.IssueNumber)
	if err != nil {
		return err
	}

	opts := append([]dispatch.Option{dispatch.WithSink(e.sink()), dispatch.WithLogger(e.logger())}, e.DispatchOptions...)
	_, err = dispatch.New(client, opts...).LabelAssigned(ctx, dispatch.Event{
		Repository:    spec.Repository,
		IssueNumber:   spec.IssueNumber,
		Label:         spec.Label,
		IsPullRequest: spec.IsPullRequest,
		Sender:        spec.Sender,
		CurrentLabels: current,
	}, repoConfig)
	return err
}

// VisitOnboardOrg mirrors the current labels of every repository of the
// organization into a non-strict configuration
func (e *Executor) VisitOnboardOrg(ctx context.Context, task queue.Task, _ queue.OnboardOrg) error {
	client := e.Clients.ForInstallation(task.InstallationID)

	repos, err := client.ListInstallationRepositories(ctx)
	if err != nil {
		return err
	}

	config := make(labels.Configuration)
	for _, r := range repos {
		if r.Archived || !strings.EqualFold(r.Owner, task.Organization) {
			continue
		}

		current, err := client.ListLabels(ctx, r.Owner, r.Name)
		if err != nil {
			return fmt.Errorf("failed to list labels of %s: %w", r.FullName, err)
		}

		repoConfig := labels.RepositoryConfig{Labels: make(map[string]labels.LabelDefinition, len(current))}
		for _, l := range current {
			def := labels.LabelDefinition{Color: l.Color}
			if l.Description != "" {
				description := l.Description
				def.Description = &description
			}
			repoConfig.Labels[l.Name] = def
		}
		config[r.FullName] = repoConfig
	}

	if err := e.Onboarder.Onboard(ctx, task.InstallationID, task.Organization, config); err != nil {
		return fmt.Errorf("failed to onboard %s: %w", task.Organization, err)
	}

	e.sink().Log(ctx, logsink.Entry{
		Level:   logsink.LevelInfo,
		Event:   "onboarded",
		Owner:   task.Organization,
		Message: fmt.Sprintf("mirrored the labels of %d repositories", len(config)),
	})
	return nil
}

// VisitCheckUnconfiguredLabels deletes a label created outside the
// configuration of a strict repository and warns about it otherwise
func (e *Executor) VisitCheckUnconfiguredLabels(ctx context.Context, task queue.Task, spec queue.CheckUnconfiguredLabels) error {
	client := e.Clients.ForInstallation(task.InstallationID)

	config, _, err := e.Source.Load(ctx, client, task.Organization, "")
	if err != nil {
		return err
	}

	repoConfig, configured := config[spec.Repository]
	if configured {
		if _, declared := repoConfig.Labels[spec.Label]; declared {
			return nil
		}
	}

	owner, repo, err := labels.ParseRepositoryName(spec.Repository)
	if err != nil {
		return labels.NewConfigurationError(spec.Repository, err.Error())
	}

	if configured && repoConfig.Strict {
		if err := client.DeleteLabel(ctx, owner, repo, spec.Label); err != nil {
			return err
		}
		e.sink().Log(ctx, logsink.Entry{
			Level:   logsink.LevelInfo,
			Event:   "unconfigured_label_removed",
			Owner:   owner,
			Repo:    repo,
			Message: fmt.Sprintf("removed label %s, which is not in the configuration", spec.Label),
			Data:    map[string]any{"label": spec.Label},
		})
		return nil
	}

	e.sink().Log(ctx, logsink.Entry{
		Level:   logsink.LevelWarning,
		Event:   "unconfigured_label",
		Owner:   owner,
		Repo:    repo,
		Message: fmt.Sprintf("label %s is not in the configuration", spec.Label),
		Data:    map[string]any{"label": spec.Label},
	})
	return nil
}

// reconcile plans and applies repositories and logs the report. Repositories
// rejected while loading the configuration get a report entry but are not
// reconciled.
func (e *Executor) reconcile(ctx context.Context, client github.APIClient, task queue.Task, config labels.Configuration, configErrors []*labels.ConfigurationError, repositories []string, dryRun bool) (*report.Report, error) {
	failed := make(map[string]bool, len(configErrors))
	all := append([]string(nil), repositories...)
	for _, ce := range configErrors {
		failed[ce.Repository] = true
		if !contains(all, ce.Repository) {
			all = append(all, ce.Repository)
		}
	}

	var valid []string
	for _, name := range repositories {
		if !failed[name] {
			valid = append(valid, name)
		}
	}

	builder := report.NewBuilder(all, dryRun)
	for _, ce := range configErrors {
		builder.RecordConfigError(ce.Repository, ce)
	}

	result, err := github.NewMultiReconciler(client, e.Concurrency).ReconcileAll(ctx, config, valid, dryRun, builder)
	r := builder.Build()

	e.logger().Info("Reconciled repositories",
		zap.String("organization", task.Organization),
		zap.Bool("dryRun", dryRun),
		zap.Int("repositories", r.Totals.Repositories),
		zap.Int("succeeded", result.Summary.SuccessCount),
		zap.Int("failed", result.Summary.FailureCount),
		zap.Int("changes", result.Summary.TotalChanges))

	if !dryRun {
		level := logsink.LevelInfo
		if r.HasErrors() {
			level = logsink.LevelWarning
		}
		e.sink().Log(ctx, logsink.Entry{
			Level:   level,
			Event:   "sync_report",
			Owner:   task.Organization,
			Message: r.Render(),
			Data:    map[string]any{"totals": r.Totals},
		})
	}

	return r, err
}

func (e *Executor) sink() logsink.Sink {
	if e.Sink == nil {
		return logsink.Multi{}
	}
	return e.Sink
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
