package tui

import (
	"context"

	"github.com/fentz26/swarmq/internal/controlplane"
	"github.com/fentz26/swarmq/internal/models"
)

// Source is the read-only query surface the watch view polls.
// *controlplane.Client satisfies it.
type Source interface {
	ListTasks(ctx context.Context, status string) ([]*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	TaskEvents(ctx context.Context, id string) ([]*models.ExecutionEvent, error)
	TaskRuns(ctx context.Context, id string) ([]*models.Run, error)
	Counts(ctx context.Context) (*controlplane.CountsResponse, error)
	Control(ctx context.Context) (*controlplane.ControlResponse, error)
}

type tasksLoadedMsg struct {
	tasks []*models.Task
}

type summaryLoadedMsg struct {
	counts  *controlplane.CountsResponse
	control *controlplane.ControlResponse
}

type taskDetailLoadedMsg struct {
	task   *models.Task
	events []*models.ExecutionEvent
	runs   []*models.Run
}

type tickMsg struct{}

type errMsg struct {
	err error
}
