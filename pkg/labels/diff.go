package labels

import (
	"sort"
	"strings"
)

// ChangeType represents the type of change in a plan
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
)

// LabelChange represents a change to a single label
type LabelChange struct {
	Type   ChangeType `json:"type"`
	Name   string     `json:"name"`
	Before *Label     `json:"before,omitempty"`
	After  *Label     `json:"after,omitempty"`
}

// Plan is the set of changes that brings a repository to its desired labels
type Plan struct {
	Repository string        `json:"repository"`
	Creates    []LabelChange `json:"creates,omitempty"`
	Updates    []LabelChange `json:"updates,omitempty"`
	Deletes    []LabelChange `json:"deletes,omitempty"`
}

// Changes returns every change in application order: creates, updates, deletes.
// Deletes go last so that labels in use disappear only after their
// replacements exist.
func (p *Plan) Changes() []LabelChange {
	if p == nil {
		return nil
	}
	out := make([]LabelChange, 0, p.Count())
	out = append(out, p.Creates...)
	out = append(out, p.Updates...)
	out = append(out, p.Deletes...)
	return out
}

// Count returns the total number of changes
func (p *Plan) Count() int {
	if p == nil {
		return 0
	}
	return len(p.Creates) + len(p.Updates) + len(p.Deletes)
}

// IsEmpty reports whether the plan has no changes
func (p *Plan) IsEmpty() bool {
	return p.Count() == 0
}

// Apply returns the label set that results from applying the plan to actual
func (p *Plan) Apply(actual []Label) []Label {
	state := make(map[string]Label, len(actual))
	for _, l := range actual {
		state[l.Name] = l
	}

	for _, change := range p.Changes() {
		switch change.Type {
		case ChangeTypeCreate, ChangeTypeUpdate:
			state[change.Name] = *change.After
		case ChangeTypeDelete:
			delete(state, change.Name)
		}
	}

	out := make([]Label, 0, len(state))
	for _, l := range state {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Diff validates desired and computes the plan that turns actual into it.
//
// A configuration error (undeclared sibling, invalid color) returns a
// *ConfigurationError and no plan. Name matching is exact and case-sensitive.
func Diff(repository string, desired RepositoryConfig, actual []Label) (*Plan, error) {
	if err := desired.Validate(repository); err != nil {
		return nil, err
	}

	plan := &Plan{Repository: repository}

	current := make(map[string]Label, len(actual))
	for _, l := range actual {
		current[l.Name] = l
	}

	for _, name := range desired.LabelNames() {
		def := desired.Labels[name]
		// Validate already normalized every color successfully.
		color, _ := NormalizeColor(def.Color)
		want := Label{Name: name, Color: color, Description: def.DescriptionOrEmpty()}

		have, exists := current[name]
		if !exists {
			plan.Creates = append(plan.Creates, LabelChange{
				Type:  ChangeTypeCreate,
				Name:  name,
				After: &want,
			})
			continue
		}

		if !sameLabel(have, want) {
			before := have
			plan.Updates = append(plan.Updates, LabelChange{
				Type:   ChangeTypeUpdate,
				Name:   name,
				Before: &before,
				After:  &want,
			})
		}
	}

	if desired.Strict {
		names := make([]string, 0, len(current))
		for name := range current {
			if _, declared := desired.Labels[name]; !declared {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			before := current[name]
			plan.Deletes = append(plan.Deletes, LabelChange{
				Type:   ChangeTypeDelete,
				Name:   name,
				Before: &before,
			})
		}
	}

	return plan, nil
}

// sameLabel compares colors case-insensitively since GitHub may echo either case
func sameLabel(have, want Label) bool {
	haveColor := strings.ToLower(strings.TrimPrefix(have.Color, "#"))
	return haveColor == want.Color && have.Description == want.Description
}
