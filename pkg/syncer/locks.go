package syncer

import (
	"labelsync/pkg/queue"
)

// installationLocks tracks the running tasks of one installation
type installationLocks struct {
	org   bool
	repos map[string]int
}

// lockTable holds the locks of every installation. It is not safe for
// concurrent use; the syncer guards it with its mutex.
type lockTable map[int64]*installationLocks

func (t lockTable) busy(task queue.Task) bool {
	l, ok := t[task.InstallationID]
	if !ok {
		return false
	}
	if l.org {
		return true
	}
	if task.Scope() == queue.OrgWide {
		return len(l.repos) > 0
	}
	return l.repos[task.Scope()] > 0
}

func (t lockTable) acquire(task queue.Task) {
	l, ok := t[task.InstallationID]
	if !ok {
		l = &installationLocks{repos: make(map[string]int)}
		t[task.InstallationID] = l
	}
	if task.Scope() == queue.OrgWide {
		l.org = true
		return
	}
	l.repos[task.Scope()]++
}

func (t lockTable) release(task queue.Task) {
	l, ok := t[task.InstallationID]
	if !ok {
		return
	}
	if task.Scope() == queue.OrgWide {
		l.org = false
	} else if l.repos[task.Scope()]--; l.repos[task.Scope()] <= 0 {
		delete(l.repos, task.Scope())
	}
	if !l.org && len(l.repos) == 0 {
		delete(t, task.InstallationID)
	}
}
