package github

import (
	"context"
	"fmt"

	"labelsync/pkg/labels"
)

// reconciler implements the Reconciler interface
type reconciler struct {
	client APIClient
}

// NewReconciler creates a new reconciler instance
func NewReconciler(client APIClient) Reconciler {
	return &reconciler{client: client}
}

// Plan creates a plan by comparing the desired labels with the live ones.
// Configuration problems come back as *labels.ConfigurationError.
func (r *reconciler) Plan(ctx context.Context, repository string, desired labels.RepositoryConfig) (*labels.Plan, error) {
	owner, name, err := labels.ParseRepositoryName(repository)
	if err != nil {
		return nil, labels.NewConfigurationError(repository, err.Error())
	}

	// Validate before spending API calls on a configuration that cannot be applied
	if err := desired.Validate(repository); err != nil {
		return nil, err
	}

	actual, err := r.client.ListLabels(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels of %s: %w", repository, err)
	}

	return labels.Diff(repository, desired, actual)
}

// Apply executes the plan in order. Individual failures do not stop the
// remaining changes and are returned as a *PartialFailureError. Rate limit
// and credential failures stop immediately since every later call would fail
// the same way.
func (r *reconciler) Apply(ctx context.Context, plan *labels.Plan) ([]labels.LabelChange, error) {
	if plan.IsEmpty() {
		return nil, nil
	}

	owner, name, err := labels.ParseRepositoryName(plan.Repository)
	if err != nil {
		return nil, labels.NewConfigurationError(plan.Repository, err.Error())
	}

	var applied []labels.LabelChange
	var succeeded []string
	failed := make(map[string]error)

	for _, change := range plan.Changes() {
		operation := fmt.Sprintf("%s label %s", change.Type, change.Name)

		if err := r.applyLabelChange(ctx, owner, name, change); err != nil {
			if IsRateLimit(err) || IsAuth(err) {
				return applied, err
			}
			failed[operation] = err
			continue
		}

		applied = append(applied, change)
		succeeded = append(succeeded, operation)
	}

	if len(failed) > 0 {
		return applied, NewPartialFailureError(succeeded, failed)
	}

	return applied, nil
}

func (r *reconciler) applyLabelChange(ctx context.Context, owner, name string, change labels.LabelChange) error {
	switch change.Type {
	case labels.ChangeTypeCreate:
		return r.client.CreateLabel(ctx, owner, name, *change.After)
	case labels.ChangeTypeUpdate:
		return r.client.UpdateLabel(ctx, owner, name, *change.After)
	case labels.ChangeTypeDelete:
		return r.client.DeleteLabel(ctx, owner, name, change.Name)
	default:
		return fmt.Errorf("unknown change type: %s", change.Type)
	}
}
