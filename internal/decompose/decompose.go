// Package decompose turns a task's decomposition hint into child tasks.
package decompose

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/store"
)

var (
	// ErrUnknownStrategy is returned for a hint no decomposer handles.
	ErrUnknownStrategy = errors.New("unknown decomposition strategy")
	// ErrNoChildren is returned when a hint yields nothing to run.
	ErrNoChildren = errors.New("decomposition produced no children")
	// ErrBadChildDependency is returned for a child depending on itself or a later sibling.
	ErrBadChildDependency = errors.New("invalid child dependency")
)

// Decomposer produces the children of a task. Children carry deterministic
// ids so that a repeated decomposition yields the same tasks.
type Decomposer interface {
	Decompose(ctx context.Context, task *models.Task) ([]*models.Task, error)
}

// Registry dispatches on the hint's strategy.
type Registry map[string]Decomposer

// Default returns decomposers for the built-in strategies.
func Default() Registry {
	return Registry{
		models.StrategyStatic: Static{},
		models.StrategyLines:  Lines{},
	}
}

// Decompose implements Decomposer.
func (r Registry) Decompose(ctx context.Context, task *models.Task) ([]*models.Task, error) {
	if task.Decomposition == nil {
		return nil, ErrNoChildren
	}
	d, ok := r[task.Decomposition.Strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, task.Decomposition.Strategy)
	}
	return d.Decompose(ctx, task)
}

// Static uses the children listed in the hint.
type Static struct{}

// Decompose implements Decomposer.
func (Static) Decompose(_ context.Context, task *models.Task) ([]*models.Task, error) {
	return build(task, task.Decomposition.Children)
}

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)

// Lines makes one child per non-empty line of the instruction, ignoring
// the first line when it ends with a colon. List markers are stripped.
type Lines struct{}

// Decompose implements Decomposer.
func (Lines) Decompose(_ context.Context, task *models.Task) ([]*models.Task, error) {
	lines := strings.Split(task.Instruction, "\n")
	if len(lines) > 0 && strings.HasSuffix(strings.TrimSpace(lines[0]), ":") {
		lines = lines[1:]
	}
	var specs []models.ChildSpec
	for _, line := range lines {
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		specs = append(specs, models.ChildSpec{Instruction: line})
	}
	return build(task, specs)
}

// build expands specs into tasks. Budgets left unset share the parent's
// budget_max evenly. Sequential hints chain each child to the previous one.
func build(parent *models.Task, specs []models.ChildSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, ErrNoChildren
	}
	sequential := parent.Decomposition != nil && parent.Decomposition.Sequential
	share := parent.BudgetMax / float64(len(specs))

	children := make([]*models.Task, len(specs))
	for i, spec := range specs {
		id := store.ChildID(parent.ID, i+1)
		mode := spec.Mode
		if mode == "" {
			mode = parent.Mode
		}
		budget := spec.BudgetMax
		if budget <= 0 {
			budget = share
		}

		var deps []string
		for _, j := range spec.DependsOn {
			if j < 0 || j >= i {
				return nil, fmt.Errorf("%w: child %d depends on %d", ErrBadChildDependency, i, j)
			}
			deps = append(deps, store.ChildID(parent.ID, j+1))
		}
		if sequential && i > 0 && len(spec.DependsOn) == 0 {
			deps = append(deps, store.ChildID(parent.ID, i))
		}

		children[i] = &models.Task{
			ID:           id,
			Instruction:  spec.Instruction,
			Mode:         mode,
			DependsOn:    deps,
			BudgetMax:    budget,
			ParallelSafe: parent.ParallelSafe,
			ModelHint:    parent.ModelHint,
			ParentID:     parent.ID,
			IdentityID:   parent.IdentityID,
		}
	}
	return children, nil
}
