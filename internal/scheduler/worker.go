package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fentz26/swarmq/internal/audit"
	"github.com/fentz26/swarmq/internal/decompose"
	"github.com/fentz26/swarmq/internal/executor"
	"github.com/fentz26/swarmq/internal/ledger"
	"github.com/fentz26/swarmq/internal/lock"
	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/quality"
	"github.com/fentz26/swarmq/internal/resolver"
	"github.com/fentz26/swarmq/internal/router"
	"github.com/fentz26/swarmq/internal/store"
	"github.com/fentz26/swarmq/internal/telemetry"
)

// Signals reports the shared halt and pause state.
type Signals interface {
	Halted() bool
	Paused() bool
	Changed() <-chan struct{}
}

// Deps are the collaborators a worker drives. Store, Locks, Executor, Gate
// and Events are required.
type Deps struct {
	Store      *store.Store
	Locks      *lock.Manager
	Router     router.Router
	Executor   *executor.Executor
	Critic     quality.Critic
	Gate       *quality.Gate
	Ledger     *ledger.Ledger
	Events     *audit.Log
	Signals    Signals
	Decomposer decompose.Decomposer
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Worker claims and processes one task at a time.
type Worker struct {
	id         string
	config     *Config
	store      *store.Store
	locks      *lock.Manager
	router     router.Router
	executor   *executor.Executor
	critic     quality.Critic
	gate       *quality.Gate
	ledger     *ledger.Ledger
	events     *audit.Log
	signals    Signals
	decomposer decompose.Decomposer
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	// serial admits one non parallel-safe task at a time per pool.
	serial chan struct{}
	now    func() time.Time

	busy      atomic.Bool
	processed atomic.Int64
}

// NewWorker creates a worker with a stable id.
func NewWorker(id string, cfg *Config, deps Deps) (*Worker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if id == "" {
		return nil, errors.New("worker id is required")
	}
	if deps.Store == nil || deps.Locks == nil || deps.Executor == nil || deps.Gate == nil || deps.Events == nil {
		return nil, errors.New("worker requires store, locks, executor, gate and events")
	}
	if deps.Critic == nil {
		deps.Critic = quality.DefaultRuleCritic()
	}
	if deps.Decomposer == nil {
		deps.Decomposer = decompose.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{
		id:         id,
		config:     cfg,
		store:      deps.Store,
		locks:      deps.Locks,
		router:     deps.Router,
		executor:   deps.Executor,
		critic:     deps.Critic,
		gate:       deps.Gate,
		ledger:     deps.Ledger,
		events:     deps.Events,
		signals:    deps.Signals,
		decomposer: deps.Decomposer,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("worker_id", id),
		serial:     make(chan struct{}, 1),
		now:        time.Now,
	}, nil
}

// ID returns the worker id used as lock owner.
func (w *Worker) ID() string {
	return w.id
}

// Run processes tasks until ctx ends or HALT is observed. PAUSE stops
// claiming without exiting. Idle polls back off with jitter.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("recovery sweep failed", "error", err)
	}

	idle := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.halted() {
			w.logger.Info("halt observed")
			return nil
		}
		if w.paused() {
			if !w.sleep(ctx, w.config.PollInterval) {
				return nil
			}
			continue
		}

		worked, err := w.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("step failed", "error", err)
		}
		if worked {
			idle = 0
			continue
		}
		idle++
		if !w.sleep(ctx, w.backoff(idle)) {
			return nil
		}
	}
}

func (w *Worker) halted() bool {
	return w.signals != nil && w.signals.Halted()
}

func (w *Worker) paused() bool {
	return w.signals != nil && w.signals.Paused()
}

// backoff returns a full-jitter delay in [poll_interval, ceiling], where the
// ceiling doubles per idle poll up to max_backoff.
func (w *Worker) backoff(idle int) time.Duration {
	floor := w.config.PollInterval
	ceiling := floor << min(max(idle-1, 0), 16)
	if ceiling > w.config.MaxBackoff || ceiling <= 0 {
		ceiling = w.config.MaxBackoff
	}
	return floor + rand.N(ceiling-floor+1)
}

// sleep waits for d, a control signal change, or ctx. It reports false
// when ctx ended.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	var changed <-chan struct{}
	if w.signals != nil {
		changed = w.signals.Changed()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-changed:
		return true
	case <-timer.C:
		return true
	}
}

// Step runs one poll: it fails tasks whose dependencies failed, then claims
// and handles the first task it can lock. Recoveries are tried before new
// work; eligible tasks are tried in random order to spread contention.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	plan, err := w.plan(ctx)
	if err != nil {
		return false, err
	}

	worked := false
	for _, p := range plan.Propagate {
		ok, err := w.propagate(ctx, p)
		if err != nil {
			return worked, err
		}
		worked = worked || ok
	}

	for _, task := range plan.Recover {
		ok, err := w.claimAndHandle(ctx, task)
		if ok || err != nil {
			return true, err
		}
	}

	eligible := append([]*models.Task(nil), plan.Eligible...)
	rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	for _, task := range eligible {
		if !task.ParallelSafe {
			if !w.acquireSerial() {
				continue
			}
		}
		ok, err := w.claimAndHandle(ctx, task)
		if !task.ParallelSafe {
			w.releaseSerial()
		}
		if ok || err != nil {
			return true, err
		}
	}
	return worked, nil
}

func (w *Worker) plan(ctx context.Context) (resolver.Plan, error) {
	candidates, err := w.store.ListCandidates(ctx, w.now())
	if err != nil {
		return resolver.Plan{}, err
	}
	statuses, err := w.store.Statuses(ctx)
	if err != nil {
		return resolver.Plan{}, err
	}
	return resolver.Build(candidates, statuses), nil
}

func (w *Worker) acquireSerial() bool {
	select {
	case w.serial <- struct{}{}:
		return true
	default:
		return false
	}
}

func (w *Worker) releaseSerial() {
	<-w.serial
}

// Sweep recovers every task left mid-lifecycle without a live lock and
// fails tasks blocked by failed dependencies. It returns how many tasks
// it moved.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	if _, err := w.store.PurgeExpiredLocks(ctx, w.now()); err != nil {
		return 0, err
	}
	plan, err := w.plan(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range plan.Propagate {
		ok, err := w.propagate(ctx, p)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	for _, task := range plan.Recover {
		ok, err := w.claimAndHandle(ctx, task)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		w.logger.Info("recovery sweep", "moved", n)
	}
	return n, nil
}

func (w *Worker) claimAndHandle(ctx context.Context, task *models.Task) (bool, error) {
	ok, err := w.locks.TryClaim(ctx, task.ID, w.id, w.config.LockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		w.metrics.Conflict(ctx, "claim")
		return false, nil
	}
	w.busy.Store(true)
	defer w.busy.Store(false)
	defer w.processed.Add(1)
	return true, w.handle(ctx, task.ID)
}

// handle processes a locked task. The lock is renewed while it runs and
// released only after every transition and event has been written.
func (w *Worker) handle(ctx context.Context, taskID string) (err error) {
	hbCtx, stop := w.locks.Heartbeat(ctx, taskID, w.id, w.config.RenewInterval)
	defer func() {
		stop()
		if err != nil && ctx.Err() == nil && hbCtx.Err() != nil {
			w.logger.Warn("lock lost, abandoning task", "task_id", taskID, "error", err)
			err = nil
		}
		if rerr := w.locks.Release(context.WithoutCancel(ctx), taskID, w.id); rerr != nil {
			w.logger.Warn("release lock", "task_id", taskID, "error", rerr)
		}
	}()

	task, err := w.store.Get(hbCtx, taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status.Terminal() {
		return nil
	}

	switch task.Status {
	case models.TaskStatusClaimed:
		return w.recover(hbCtx, task, models.TaskStatusPending)
	case models.TaskStatusInProgress, models.TaskStatusPendingReview:
		return w.recover(hbCtx, task, models.TaskStatusRequeue, store.WithAttempt())
	case models.TaskStatusApproved:
		return w.finalize(hbCtx, task)
	default:
		// The candidate list may predate a decomposition that added
		// dependencies, so eligibility is checked again under the lock.
		statuses, err := w.store.Statuses(hbCtx)
		if err != nil {
			return err
		}
		if e := resolver.IsEligible(task, statuses); !e.Eligible {
			w.logger.Debug("task no longer eligible", "task_id", taskID, "waiting", e.Waiting, "failed_dep", e.FailedDep)
			return nil
		}
		return w.attempt(hbCtx, task)
	}
}

// event describes the audit record written alongside a transition.
type event struct {
	detail string
	meta   map[string]any
	inputs any
}

// transition moves task out of its current status and records the event.
// A lost race returns false, nil.
func (w *Worker) transition(ctx context.Context, task *models.Task, to models.TaskStatus, ev event, opts ...store.TransitionOption) (bool, error) {
	ok, err := w.store.Transition(ctx, task.ID, task.Status, to, opts...)
	if err != nil {
		return false, err
	}
	if !ok {
		w.metrics.Conflict(ctx, "transition")
		w.logger.Debug("transition conflict", "task_id", task.ID, "from", task.Status, "to", to)
		return false, nil
	}
	from := task.Status
	task.Status = to
	return true, w.record(ctx, task, from, ev)
}

func (w *Worker) record(ctx context.Context, task *models.Task, from models.TaskStatus, ev event) error {
	w.metrics.Transition(ctx, string(task.Status))
	meta := map[string]any{"from": string(from)}
	for k, v := range ev.meta {
		meta[k] = v
	}
	if _, err := w.events.Record(ctx, task.ID, w.id, task.Status, ev.detail, meta, ev.inputs); err != nil {
		return err
	}
	w.logger.Debug("task transition", "task_id", task.ID, "from", from, "to", task.Status, "detail", ev.detail)
	return nil
}

func (w *Worker) recover(ctx context.Context, task *models.Task, to models.TaskStatus, opts ...store.TransitionOption) error {
	detail := fmt.Sprintf("recovered from %s", task.Status)
	opts = append(opts, store.WithClaimant(""))
	ok, err := w.transition(ctx, task, to, event{detail: detail, meta: map[string]any{"recovered": true}}, opts...)
	if ok {
		w.logger.Info("recovered task", "task_id", task.ID, "status", to)
	}
	return err
}

func (w *Worker) propagate(ctx context.Context, p resolver.Propagation) (bool, error) {
	ok, err := w.locks.TryClaim(ctx, p.Task.ID, w.id, w.config.LockTTL)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if err := w.locks.Release(context.WithoutCancel(ctx), p.Task.ID, w.id); err != nil {
			w.logger.Warn("release lock", "task_id", p.Task.ID, "error", err)
		}
	}()

	task, err := w.store.Get(ctx, p.Task.ID)
	if err != nil || task == nil || task.Status != p.Task.Status {
		return false, err
	}
	return w.transition(ctx, task, models.TaskStatusFailed, event{detail: p.Reason}, store.WithFeedback(p.Reason))
}

// attempt takes a claimable task through one attempt.
func (w *Worker) attempt(ctx context.Context, task *models.Task) error {
	if task.AttemptCount >= w.gate.MaxAttempts() {
		detail := fmt.Sprintf("attempts exhausted (%d of %d)", task.AttemptCount, w.gate.MaxAttempts())
		_, err := w.transition(ctx, task, models.TaskStatusFailed, event{detail: detail}, store.WithFeedback(detail))
		return err
	}

	ok, err := w.transition(ctx, task, models.TaskStatusClaimed, event{detail: "claimed"}, store.WithClaimant(w.id))
	if err != nil || !ok {
		return err
	}
	w.metrics.Claim(ctx)

	if task.NeedsDecomposition() {
		return w.decompose(ctx, task)
	}

	if task.Decomposed {
		ok, err = w.transition(ctx, task, models.TaskStatusInProgress, event{detail: "started"})
		if err != nil || !ok {
			return err
		}
		return w.aggregate(ctx, task)
	}

	var decision router.Decision = router.NoMatch{}
	if w.router != nil {
		decision = w.router.Route(task)
	}
	w.metrics.Route(ctx, fmt.Sprint(decision.Meta()["route"]))
	ok, err = w.transition(ctx, task, models.TaskStatusInProgress, event{detail: "started", meta: decision.Meta()})
	if err != nil || !ok {
		return err
	}
	return w.execute(ctx, task, decision)
}

// decompose enqueues the task's children and parks it pending on them.
// A hint that cannot be expanded fails the task.
func (w *Worker) decompose(ctx context.Context, task *models.Task) error {
	children, err := w.decomposer.Decompose(ctx, task)
	if err == nil {
		var moved bool
		moved, err = w.store.EnqueueChildren(ctx, task.ID, children)
		if err == nil {
			if !moved {
				w.metrics.Conflict(ctx, "transition")
				return nil
			}
			ids := make([]string, len(children))
			for i, c := range children {
				ids[i] = c.ID
			}
			task.Status = models.TaskStatusPending
			return w.record(ctx, task, models.TaskStatusClaimed, event{
				detail: fmt.Sprintf("decomposed into %d children", len(children)),
				meta:   map[string]any{"children": ids},
			})
		}
		if !errors.Is(err, store.ErrInvalidTask) {
			return err
		}
	}

	w.logger.Warn("decomposition failed", "task_id", task.ID, "error", err)
	for _, to := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusPendingReview} {
		ok, terr := w.transition(ctx, task, to, event{detail: "decomposition failed"})
		if terr != nil || !ok {
			return terr
		}
	}
	return w.review(ctx, task, &quality.Review{
		Verdict:  models.VerdictReject,
		Feedback: "decomposition failed: " + err.Error(),
		Fatal:    true,
		Critic:   "decomposer",
	}, "", 0)
}

// aggregate completes a decomposed parent from its finished children.
func (w *Worker) aggregate(ctx context.Context, task *models.Task) error {
	children, err := w.store.Children(ctx, task.ID)
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, c := range children {
		fmt.Fprintf(&b, "## %s\n%s\n", c.ID, c.Output)
	}
	ok, err := w.transition(ctx, task, models.TaskStatusPendingReview, event{
		detail: fmt.Sprintf("aggregated %d children", len(children)),
	})
	if err != nil || !ok {
		return err
	}
	return w.review(ctx, task, &quality.Review{Verdict: models.VerdictApprove, Critic: "children"}, b.String(), 0)
}

// execute runs an in-progress task on the routed backend, then reviews the result.
func (w *Worker) execute(ctx context.Context, task *models.Task, decision router.Decision) error {
	ctx, span := telemetry.StartAttemptSpan(ctx, task.ID, w.id, task.AttemptCount+1)
	defer span.End()

	route := fmt.Sprint(decision.Meta()["route"])

	out := w.executor.Execute(ctx, task, decision)
	w.metrics.Attempt(ctx, out.Backend, out.EndedAt.Sub(out.StartedAt).Seconds(), out.Cost)

	run := &models.Run{
		TaskID:    task.ID,
		WorkerID:  w.id,
		Attempt:   task.AttemptCount + 1,
		Backend:   out.Backend,
		Route:     route,
		Output:    out.Output,
		Cost:      out.Cost,
		StartedAt: out.StartedAt,
		EndedAt:   out.EndedAt,
	}
	if out.Err != nil {
		run.Error = out.Err.Error()
	}

	if errors.Is(out.Err, executor.ErrAborted) {
		// Left in progress; recovery requeues it once the lock is free.
		if err := w.store.CreateRun(context.WithoutCancel(ctx), run); err != nil {
			w.logger.Warn("record aborted run", "task_id", task.ID, "error", err)
		}
		w.logger.Warn("attempt aborted", "task_id", task.ID, "error", out.Err)
		return nil
	}
	if err := w.store.CreateRun(ctx, run); err != nil {
		return err
	}

	meta := map[string]any{"route": route, "backend": out.Backend, "cost": out.Cost}
	if out.Err != nil {
		meta["error"] = out.Err.Error()
	}
	ok, err := w.transition(ctx, task, models.TaskStatusPendingReview, event{
		detail: "executed",
		meta:   meta,
		inputs: map[string]any{"instruction": task.Instruction, "feedback": task.Feedback, "route": route},
	})
	if err != nil || !ok {
		return err
	}

	var review *quality.Review
	if out.Err != nil {
		review = quality.FromExecution(task, out.Err, out.Cost)
	} else {
		review, err = w.critic.Review(ctx, task, out.Output)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			review = &quality.Review{
				Verdict:  models.VerdictReject,
				Feedback: "review failed: " + err.Error(),
				Critic:   w.critic.Name(),
			}
		}
	}
	return w.review(ctx, task, review, out.Output, out.Cost)
}

// review applies the gate's decision to a task in pending_review.
func (w *Worker) review(ctx context.Context, task *models.Task, r *quality.Review, output string, cost float64) error {
	out := w.gate.Decide(task, r)
	ok, err := w.gate.Apply(ctx, w.store, task, out, output, cost)
	if err != nil {
		return err
	}
	if !ok {
		w.metrics.Conflict(ctx, "transition")
		return nil
	}

	from := task.Status
	task.Status = out.To
	task.AttemptCount++
	task.Spent += cost
	task.Output = output
	task.Feedback = out.Feedback

	meta := map[string]any{
		"verdict": string(out.Verdict),
		"critic":  r.Critic,
		"attempt": task.AttemptCount,
	}
	if out.Note != "" {
		meta["note"] = out.Note
	}
	if err := w.record(ctx, task, from, event{detail: out.Reason, meta: meta}); err != nil {
		return err
	}
	if out.To == models.TaskStatusApproved {
		return w.finalize(ctx, task)
	}
	return nil
}

// finalize grants the reward for an approved task and completes it. A
// repeated finalize after a crash finds the grant already recorded.
func (w *Worker) finalize(ctx context.Context, task *models.Task) error {
	meta := map[string]any{}
	identity := task.IdentityID
	if identity == "" {
		identity = w.config.DefaultIdentity
	}
	if w.ledger != nil && identity != "" && w.config.RewardAmount > 0 && ledger.Eligible(task, task.Spent) {
		res, err := w.ledger.Grant(ctx, task.ID, identity, w.config.RewardAmount)
		if err != nil {
			return err
		}
		w.metrics.Grant(ctx, res.String())
		meta["grant"] = res.String()
		meta["identity_id"] = identity
	}
	_, err := w.transition(ctx, task, models.TaskStatusCompleted, event{detail: "completed", meta: meta}, store.WithClaimant(""))
	return err
}

// Busy reports whether the worker currently holds a task.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Processed returns how many tasks the worker has handled.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}
