package migration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
)

// ReconcileMessage is the error recorded on tasks found unfinished at startup.
const ReconcileMessage = "interrupted: process restarted"

var ErrEngineClosed = errors.New("migration engine is shut down")

// Recorder receives engine metrics. *metrics.Collector implements it.
type Recorder interface {
	TaskStarted(kind string)
	TaskFinished(status string)
	StepObserved(stepType, strategy, result string, d time.Duration)
	BytesStreamed(n int64)
}

type nopRecorder struct{}

func (nopRecorder) TaskStarted(string)                                {}
func (nopRecorder) TaskFinished(string)                               {}
func (nopRecorder) StepObserved(string, string, string, time.Duration) {}
func (nopRecorder) BytesStreamed(int64)                               {}

type EngineConfig struct {
	Tasks     ports.MigrationTaskRepository
	Hosts     ports.HostRepository
	Connector ports.Connector
	Backup    ports.ConfigBackup
	Topology  *Topology
	Intra     Strategy
	Cross     Strategy
	Timeline  ports.TimelineRepository
	Metrics   Recorder
	Logger    *logger.Logger
}

// Engine runs each migration task on its own goroutine. Steps of one task
// run strictly in order; cancellation is observed between steps.
type Engine struct {
	tasks     ports.MigrationTaskRepository
	hosts     ports.HostRepository
	connector ports.Connector
	backup    ports.ConfigBackup
	topology  *Topology
	intra     Strategy
	cross     Strategy
	timeline  ports.TimelineRepository
	metrics   Recorder
	log       *logger.Logger
	now       func() time.Time

	// ctx bounds remote work and is cancelled only by a forced shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		tasks:     cfg.Tasks,
		hosts:     cfg.Hosts,
		connector: cfg.Connector,
		backup:    cfg.Backup,
		topology:  cfg.Topology,
		intra:     cfg.Intra,
		cross:     cfg.Cross,
		timeline:  cfg.Timeline,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		now:       time.Now,
	}
	if e.log == nil {
		e.log = logger.NewNop()
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.topology == nil {
		e.topology = NewTopology(0, e.log)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Launch starts executing a persisted pending task and returns immediately.
func (e *Engine) Launch(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrEngineClosed
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(taskID)
	}()
	return nil
}

// Wait blocks until every launched task has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, in-flight remote commands are killed and their tasks fail.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.log.Warnw("migration_engine_forced_shutdown")
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Reconcile fails every task left pending or running by a previous process.
// It must run before the first Launch.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	stale, err := e.tasks.ListByStatus(ctx, domain.MigrationStatusPending, domain.MigrationStatusRunning)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stale {
		task := &stale[i]
		steps := append(domain.MigrationSteps(nil), task.Steps...)
		for j := range steps {
			if steps[j].Status == domain.StepStatusRunning {
				steps[j].Status = domain.StepStatusFailed
				steps[j].Error = ReconcileMessage
			}
		}
		if err := e.tasks.UpdateProgress(ctx, task.ID, ports.TaskProgress{
			CurrentStep: task.CurrentStep,
			Progress:    steps.CompletedCount(),
			Steps:       steps,
		}); err != nil {
			return n, err
		}
		newTaskLog(e.tasks, task.ID, e.log, e.now).Printf("Migration %s", ReconcileMessage)

		ok, err := e.tasks.TransitionStatus(ctx, task.ID,
			[]domain.MigrationStatus{domain.MigrationStatusPending, domain.MigrationStatusRunning},
			domain.MigrationStatusFailed,
			map[string]interface{}{"error": ReconcileMessage, "completed_at": e.now()})
		if err != nil {
			return n, err
		}
		if ok {
			n++
			e.logEvent(ctx, task, domain.EventTypeMigrationFailed, domain.EventStatusFailed, ReconcileMessage, nil)
		}
	}
	if n > 0 {
		e.log.Warnw("migration_engine_reconciled", "count", n)
	}
	return n, nil
}

func (e *Engine) run(taskID string) {
	// Records are written with a detached context so a forced shutdown still
	// persists the failure it caused.
	store := context.Background()

	task, err := e.tasks.GetByID(store, taskID)
	if err != nil {
		e.log.Errorw("migration_task_load_failed", "task_id", taskID, "error", err)
		return
	}

	ok, err := e.tasks.TransitionStatus(store, taskID,
		[]domain.MigrationStatus{domain.MigrationStatusPending},
		domain.MigrationStatusRunning,
		map[string]interface{}{"started_at": e.now()})
	if err != nil {
		e.log.Errorw("migration_task_start_failed", "task_id", taskID, "error", err)
		return
	}
	if !ok {
		e.log.Infow("migration_task_not_started", "task_id", taskID)
		return
	}

	e.metrics.TaskStarted(string(task.Kind))
	final := domain.MigrationStatusFailed
	defer func() { e.metrics.TaskFinished(string(final)) }()

	tl := newTaskLog(e.tasks, taskID, e.log, e.now)
	tl.Printf("Migration started: %d steps", len(task.Steps))
	e.log.Infow("migration_task_started", "task_id", taskID, "kind", task.Kind, "steps", len(task.Steps))
	e.logEvent(store, task, domain.EventTypeMigrationStarted, domain.EventStatusPending, "Migration started", nil)

	source, target, err := e.loadHosts(store, task)
	if err != nil {
		final = e.fail(store, task, tl, err)
		return
	}

	steps := append(domain.MigrationSteps(nil), task.Steps...)
	completed := 0
	for i := range steps {
		status, err := e.tasks.GetStatus(store, taskID)
		if err != nil {
			e.log.Warnw("migration_status_read_failed", "task_id", taskID, "error", err)
		} else if status == domain.MigrationStatusCancelled {
			final = domain.MigrationStatusCancelled
			e.log.Infow("migration_task_cancelled", "task_id", taskID, "completed_steps", completed)
			return
		}

		step := &steps[i]
		step.Status = domain.StepStatusRunning
		e.saveProgress(store, taskID, step.Name, completed, steps)
		tl.Printf("Step %d/%d: %s", i+1, len(steps), step.Name)

		begin := e.now()
		strategy, err := e.execute(e.ctx, task, *step, source, target, tl)
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.metrics.StepObserved(string(step.Type), strategy, result, e.now().Sub(begin))

		if err != nil {
			step.Status = domain.StepStatusFailed
			step.Error = err.Error()
			e.saveProgress(store, taskID, step.Name, completed, steps)
			tl.Printf("Step failed: %s: %v", step.Name, err)
			final = e.fail(store, task, tl, err)
			return
		}

		step.Status = domain.StepStatusCompleted
		completed++
		e.saveProgress(store, taskID, step.Name, completed, steps)
		tl.Printf("Step completed: %s", step.Name)
	}

	tl.Printf("All %d steps completed", len(steps))
	ok, err = e.tasks.TransitionStatus(store, taskID,
		[]domain.MigrationStatus{domain.MigrationStatusRunning},
		domain.MigrationStatusCompleted,
		map[string]interface{}{"progress": len(steps), "completed_at": e.now()})
	switch {
	case err != nil:
		e.log.Errorw("migration_task_complete_failed", "task_id", taskID, "error", err)
	case !ok:
		final = domain.MigrationStatusCancelled
	default:
		final = domain.MigrationStatusCompleted
		e.log.Infow("migration_task_completed", "task_id", taskID)
		e.logEvent(store, task, domain.EventTypeMigrationCompleted, domain.EventStatusSuccess, "Migration completed", nil)
	}
}

// fail records the terminal failure and returns the status the task ended in.
func (e *Engine) fail(ctx context.Context, task *domain.MigrationTask, tl TaskLog, cause error) domain.MigrationStatus {
	tl.Printf("Migration failed: %v", cause)
	ok, err := e.tasks.TransitionStatus(ctx, task.ID,
		[]domain.MigrationStatus{domain.MigrationStatusRunning},
		domain.MigrationStatusFailed,
		map[string]interface{}{"error": cause.Error(), "completed_at": e.now()})
	if err != nil {
		e.log.Errorw("migration_task_fail_write_failed", "task_id", task.ID, "error", err)
		return domain.MigrationStatusFailed
	}
	if !ok {
		return domain.MigrationStatusCancelled
	}
	e.log.Warnw("migration_task_failed", "task_id", task.ID, "error", cause)
	e.logEvent(ctx, task, domain.EventTypeMigrationFailed, domain.EventStatusFailed, cause.Error(), nil)
	return domain.MigrationStatusFailed
}

func (e *Engine) saveProgress(ctx context.Context, taskID, current string, completed int, steps domain.MigrationSteps) {
	err := e.tasks.UpdateProgress(ctx, taskID, ports.TaskProgress{
		CurrentStep: current,
		Progress:    completed,
		Steps:       steps,
	})
	if err != nil {
		e.log.Errorw("migration_progress_write_failed", "task_id", taskID, "error", err)
	}
}

func (e *Engine) loadHosts(ctx context.Context, task *domain.MigrationTask) (*domain.Host, *domain.Host, error) {
	source, err := e.hosts.GetByID(ctx, task.SourceHostID)
	if err != nil {
		return nil, nil, fmt.Errorf("load source host %d: %w", task.SourceHostID, err)
	}
	target, err := e.hosts.GetByID(ctx, task.TargetHostID)
	if err != nil {
		return nil, nil, fmt.Errorf("load target host %d: %w", task.TargetHostID, err)
	}
	return source, target, nil
}

// execute runs one step. A panic fails the step instead of the process.
func (e *Engine) execute(ctx context.Context, task *domain.MigrationTask, step domain.MigrationStep, source, target *domain.Host, tl TaskLog) (strategy string, err error) {
	strategy = "none"
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("migration_step_panic", "task_id", task.ID, "step", step.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error during %q: %v", step.Name, r)
		}
	}()

	switch step.Type {
	case domain.StepTypeConfig:
		return strategy, e.backupConfig(ctx, task, source, tl)
	case domain.StepTypeVM, domain.StepTypeLXC:
		return e.moveGuest(ctx, task, step, source, target, tl)
	case domain.StepTypeFinalize:
		tl.Printf("Finalize: every preceding step completed")
		return strategy, nil
	}
	return strategy, domain.NewValidationError("unknown step type %q", step.Type)
}

func (e *Engine) backupConfig(ctx context.Context, task *domain.MigrationTask, source *domain.Host, tl TaskLog) error {
	if e.backup == nil {
		tl.Printf("No configuration backup configured, skipping")
		return nil
	}
	session, err := e.connector.Connect(ctx, source)
	if err != nil {
		return err
	}
	defer session.Close()

	files, err := e.backup.BackupHostConfig(ctx, task.ID, source, session)
	if err != nil {
		return err
	}
	tl.Printf("Backed up %d configuration files from %s", len(files), source.Name)
	return nil
}

func (e *Engine) moveGuest(ctx context.Context, task *domain.MigrationTask, step domain.MigrationStep, source, target *domain.Host, tl TaskLog) (string, error) {
	if step.VMID == nil {
		return "none", domain.NewValidationError("step %q has no guest id", step.Name)
	}
	guestType := step.VMType
	if guestType == "" {
		guestType = domain.GuestTypeQemu
		if step.Type == domain.StepTypeLXC {
			guestType = domain.GuestTypeLXC
		}
	}

	srcSession, err := e.connector.Connect(ctx, source)
	if err != nil {
		return "none", err
	}
	defer srcSession.Close()
	dstSession, err := e.connector.Connect(ctx, target)
	if err != nil {
		return "none", err
	}
	defer dstSession.Close()

	strategy := e.cross
	if e.topology.SameCluster(ctx, srcSession, dstSession) {
		strategy = e.intra
	}
	tl.Printf("Moving %s %d from %s to %s using the %s-cluster strategy",
		guestLabel(guestType), *step.VMID, source.Name, target.Name, strategy.Name())

	err = strategy.Move(ctx, MoveRequest{
		Task:          task,
		VMID:          *step.VMID,
		Type:          guestType,
		Source:        source,
		Target:        target,
		SourceSession: srcSession,
		TargetSession: dstSession,
		Log:           tl,
	})
	return strategy.Name(), err
}

func (e *Engine) logEvent(ctx context.Context, task *domain.MigrationTask, eventType string, status domain.EventStatus, msg string, meta domain.JSONB) {
	if e.timeline == nil {
		return
	}
	if meta == nil {
		meta = make(domain.JSONB)
	}
	meta["kind"] = task.Kind
	meta["source_host_id"] = task.SourceHostID
	meta["target_host_id"] = task.TargetHostID

	event := &domain.TimelineEvent{
		Type:         eventType,
		Status:       status,
		Message:      msg,
		ResourceType: domain.ResourceTypeMigration,
		ResourceID:   task.ID,
		Meta:         meta,
	}
	if err := e.timeline.Create(ctx, event); err != nil {
		e.log.Errorw("migration_timeline_event_failed", "task_id", task.ID, "error", err)
	}
}
