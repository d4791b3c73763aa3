// Package report aggregates the outcome of a batch of repositories into a
// structured report and a Markdown rendering.
package report

import (
	"sync"

	"labelsync/pkg/labels"
)

// Entry is the outcome of one repository
type Entry struct {
	Repository   string                     `json:"repository"`
	Created      []labels.LabelChange       `json:"created"`
	Updated      []labels.LabelChange       `json:"updated"`
	Deleted      []labels.LabelChange       `json:"deleted"`
	ConfigError  *labels.ConfigurationError `json:"configError,omitempty"`
	RemoteErrors []string                   `json:"remoteErrors,omitempty"`
}

// HasErrors reports whether the repository failed in any way
func (e Entry) HasErrors() bool {
	return e.ConfigError != nil || len(e.RemoteErrors) > 0
}

// Count returns the number of operations of the entry
func (e Entry) Count() int {
	return len(e.Created) + len(e.Updated) + len(e.Deleted)
}

// Totals sums a report
type Totals struct {
	Repositories int `json:"repositories"`
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Deleted      int `json:"deleted"`
	ConfigErrors int `json:"configErrors"`
	RemoteErrors int `json:"remoteErrors"`
}

// Report is the outcome of a batch. It has one entry per input repository,
// in input order.
type Report struct {
	DryRun  bool    `json:"dryRun"`
	Entries []Entry `json:"entries"`
	Totals  Totals  `json:"totals"`
}

// HasErrors reports whether any repository failed
func (r *Report) HasErrors() bool {
	return r.Totals.ConfigErrors > 0 || r.Totals.RemoteErrors > 0
}

// Builder collects results from concurrent reconciliations. It implements
// github.Recorder.
type Builder struct {
	dryRun bool

	mu      sync.Mutex
	entries []Entry
	index   map[string][]int
}

// NewBuilder creates a builder with one entry per repository
func NewBuilder(repositories []string, dryRun bool) *Builder {
	b := &Builder{
		dryRun:  dryRun,
		entries: make([]Entry, len(repositories)),
		index:   make(map[string][]int, len(repositories)),
	}
	for i, name := range repositories {
		b.entries[i].Repository = name
		b.index[name] = append(b.index[name], i)
	}
	return b
}

// RecordPlan records the computed plan. In a dry run the planned changes are
// the reported operations.
func (b *Builder) RecordPlan(repository string, plan *labels.Plan) {
	if !b.dryRun || plan == nil {
		return
	}
	b.update(repository, func(e *Entry) {
		e.Created = plan.Creates
		e.Updated = plan.Updates
		e.Deleted = plan.Deletes
	})
}

// RecordApplied records the changes that were applied
func (b *Builder) RecordApplied(repository string, applied []labels.LabelChange) {
	if b.dryRun {
		return
	}
	b.update(repository, func(e *Entry) {
		e.Created, e.Updated, e.Deleted = nil, nil, nil
		for _, change := range applied {
			switch change.Type {
			case labels.ChangeTypeCreate:
				e.Created = append(e.Created, change)
			case labels.ChangeTypeUpdate:
				e.Updated = append(e.Updated, change)
			case labels.ChangeTypeDelete:
				e.Deleted = append(e.Deleted, change)
			}
		}
	})
}

// RecordConfigError records a configuration error. The entry keeps no operations.
func (b *Builder) RecordConfigError(repository string, err *labels.ConfigurationError) {
	b.update(repository, func(e *Entry) {
		e.ConfigError = err
		e.Created, e.Updated, e.Deleted = nil, nil, nil
	})
}

// RecordRemoteError records a failed remote call
func (b *Builder) RecordRemoteError(repository string, err error) {
	if err == nil {
		return
	}
	b.update(repository, func(e *Entry) {
		e.RemoteErrors = append(e.RemoteErrors, err.Error())
	})
}

// update applies fn to every entry of repository. Results for repositories
// outside the batch are dropped.
func (b *Builder) update(repository string, fn func(e *Entry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, i := range b.index[repository] {
		fn(&b.entries[i])
	}
}

// Build returns a snapshot of the report
func (b *Builder) Build() *Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &Report{
		DryRun:  b.dryRun,
		Entries: make([]Entry, len(b.entries)),
	}
	for i, e := range b.entries {
		e.Created = copyChanges(e.Created)
		e.Updated = copyChanges(e.Updated)
		e.Deleted = copyChanges(e.Deleted)
		e.RemoteErrors = append([]string(nil), e.RemoteErrors...)
		r.Entries[i] = e

		r.Totals.Repositories++
		r.Totals.Created += len(e.Created)
		r.Totals.Updated += len(e.Updated)
		r.Totals.Deleted += len(e.Deleted)
		if e.ConfigError != nil {
			r.Totals.ConfigErrors++
		}
		r.Totals.RemoteErrors += len(e.RemoteErrors)
	}
	return r
}

func copyChanges(changes []labels.LabelChange) []labels.LabelChange {
	if len(changes) == 0 {
		return []labels.LabelChange{}
	}
	return append([]labels.LabelChange(nil), changes...)
}
