// Package resolver decides which queued tasks may run.
//
// All functions here are pure: they read task metadata and a snapshot of
// statuses and never touch storage. A decomposed parent depends on its
// children, so parent completion falls out of the same rule as any other
// dependency.
package resolver

import (
	"github.com/fentz26/swarmq/internal/models"
)

// Eligibility explains whether a task's dependencies are satisfied.
type Eligibility struct {
	Eligible bool
	// FailedDep is the first dependency found in failed status.
	FailedDep string
	// Missing lists dependencies that do not exist in the snapshot.
	Missing []string
	// Waiting lists dependencies that are neither completed nor failed.
	Waiting []string
}

// Blocked reports whether the task can never become eligible.
func (e Eligibility) Blocked() bool {
	return e.FailedDep != "" || len(e.Missing) > 0
}

// IsEligible reports whether every dependency of task is completed.
func IsEligible(task *models.Task, statuses map[string]models.TaskStatus) Eligibility {
	var e Eligibility
	for _, dep := range task.DependsOn {
		status, ok := statuses[dep]
		switch {
		case !ok:
			e.Missing = append(e.Missing, dep)
		case status == models.TaskStatusFailed:
			if e.FailedDep == "" {
				e.FailedDep = dep
			}
		case status != models.TaskStatusCompleted:
			e.Waiting = append(e.Waiting, dep)
		}
	}
	e.Eligible = e.FailedDep == "" && len(e.Missing) == 0 && len(e.Waiting) == 0
	return e
}

// Propagation is a claimable task that must fail because of an upstream failure.
type Propagation struct {
	Task   *models.Task
	Reason string
}

// Plan is the resolver's partition of a candidate set.
type Plan struct {
	// Eligible tasks are claimable and have all dependencies completed.
	Eligible []*models.Task
	// Recover holds tasks left mid-lifecycle without a live lock.
	Recover []*models.Task
	// Propagate holds claimable tasks whose dependency chain failed.
	Propagate []Propagation
}

// Work returns recoveries first, then eligible tasks.
func (p Plan) Work() []*models.Task {
	work := make([]*models.Task, 0, len(p.Recover)+len(p.Eligible))
	work = append(work, p.Recover...)
	return append(work, p.Eligible...)
}

// Build partitions unlocked candidates using a status snapshot.
func Build(candidates []*models.Task, statuses map[string]models.TaskStatus) Plan {
	var plan Plan
	for _, task := range candidates {
		if task.Status.Terminal() {
			continue
		}
		if !task.Status.Claimable() {
			plan.Recover = append(plan.Recover, task)
			continue
		}
		e := IsEligible(task, statuses)
		switch {
		case e.FailedDep != "":
			plan.Propagate = append(plan.Propagate, Propagation{
				Task:   task,
				Reason: "dependency " + e.FailedDep + " failed",
			})
		case len(e.Missing) > 0:
			plan.Propagate = append(plan.Propagate, Propagation{
				Task:   task,
				Reason: "dependency " + e.Missing[0] + " does not exist",
			})
		case e.Eligible:
			plan.Eligible = append(plan.Eligible, task)
		}
	}
	return plan
}
