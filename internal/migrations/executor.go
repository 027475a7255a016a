package migrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Renderer turns operations into SQL for one backend. s is the state the
// operation applies to.
type Renderer interface {
	Dialect() state.Dialect
	SupportsTransactionalDDL() bool
	Render(op Operation, app string, s *state.ProjectState) ([]string, error)
}

// ErrorClassifier extracts the SQLSTATE (or vendor code) from a driver error
type ErrorClassifier interface {
	SQLState(err error) string
}

// Locker guards a database against concurrent runs. Acquire must not block;
// it returns ErrLockUnavailable when another session holds the lock.
type Locker interface {
	Acquire(ctx context.Context, conn *gorm.DB) error
	Release(ctx context.Context, conn *gorm.DB) error
}

// Observer receives execution events, typically to export metrics
type Observer interface {
	StepFinished(key Key, dir Direction, status StepStatus, elapsed time.Duration)
	RunFinished(result *ExecutionResult, elapsed time.Duration, err error)
	LockAttempt(acquired bool)
}

// StepStatus is the lifecycle state of one plan step
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepApplied StepStatus = "applied"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Options control one run
type Options struct {
	// Fake records steps without running their SQL
	Fake bool
	// PlanOnly renders SQL without connecting to the database
	PlanOnly bool
}

// StepResult describes what happened to one step
type StepResult struct {
	Key       Key           `json:"key"`
	Direction string        `json:"direction"`
	Status    StepStatus    `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	SQL       []string      `json:"sql,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// StepFailure is the step that stopped a run
type StepFailure struct {
	Key Key
	Err error
}

func (f *StepFailure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key   Key    `json:"key"`
		Error string `json:"error"`
	}{f.Key, f.Err.Error()})
}

// ExecutionResult reports how far a run progressed
type ExecutionResult struct {
	RunID     string       `json:"run_id"`
	Applied   []Key        `json:"applied"`
	Failed    *StepFailure `json:"failed,omitempty"`
	Remaining []Key        `json:"remaining,omitempty"`
	Skipped   []Key        `json:"skipped,omitempty"`
	Warnings  []Warning    `json:"warnings,omitempty"`
	Steps     []StepResult `json:"steps"`
}

// Executor applies plans against a database
type Executor struct {
	db       *gorm.DB
	renderer Renderer
	locker   Locker
	recorder *Recorder
	observer Observer
	logger   zerolog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithObserver attaches an observer
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithRecorder replaces the default recorder
func WithRecorder(r *Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// NewExecutor creates an executor. A nil locker runs without a lock.
func NewExecutor(db *gorm.DB, renderer Renderer, locker Locker, logger zerolog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		db:       db,
		renderer: renderer,
		locker:   locker,
		recorder: NewRecorder(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recorder returns the recorder the executor writes through
func (e *Executor) Recorder() *Recorder {
	return e.recorder
}

// Run executes the plan step by step on one dedicated connection. Steps are
// never retried. Cancelling ctx stops the run before the next step; a step
// that has started always runs to completion.
func (e *Executor) Run(ctx context.Context, plan *Plan, opts Options) (*ExecutionResult, error) {
	started := time.Now()
	result := &ExecutionResult{
		RunID:    uuid.NewString(),
		Warnings: plan.Warnings,
	}
	logger := e.logger.With().Str("run_id", result.RunID).Logger()

	for _, w := range plan.Warnings {
		logger.Warn().Str("location", w.Location.String()).Str("kind", w.Kind.String()).Msg(w.Message)
	}

	if opts.PlanOnly {
		err := e.renderOnly(plan, result)
		e.finish(result, started, err)
		return result, err
	}

	err := e.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if e.locker != nil {
			if err := e.locker.Acquire(ctx, conn); err != nil {
				if e.observer != nil {
					e.observer.LockAttempt(false)
				}
				return err
			}
			if e.observer != nil {
				e.observer.LockAttempt(true)
			}
			defer func() {
				if err := e.locker.Release(context.WithoutCancel(ctx), conn); err != nil {
					logger.Error().Err(err).Msg("Failed to release migration lock")
				}
			}()
		}

		if err := e.recorder.EnsureTable(ctx, conn); err != nil {
			return err
		}

		for i, step := range plan.Steps {
			if err := ctx.Err(); err != nil {
				result.Remaining = keysOf(plan.Steps[i:])
				logger.Warn().
					Int("remaining", len(result.Remaining)).
					Msg("Run cancelled before next step")
				return err
			}

			sr, err := e.runStep(ctx, conn, step, opts, logger)
			result.Steps = append(result.Steps, sr)
			if e.observer != nil {
				e.observer.StepFinished(step.Key(), step.Direction, sr.Status, sr.Duration)
			}
			if err != nil {
				result.Failed = &StepFailure{Key: step.Key(), Err: err}
				result.Remaining = keysOf(plan.Steps[i+1:])
				return err
			}
			switch sr.Status {
			case StepApplied:
				result.Applied = append(result.Applied, step.Key())
			case StepSkipped:
				result.Skipped = append(result.Skipped, step.Key())
			}
		}
		return nil
	})
	if err != nil && result.Failed == nil && result.Remaining == nil && len(result.Steps) == 0 {
		// nothing ran: lock, connection or table setup failed
		result.Remaining = keysOf(plan.Steps)
	}
	e.finish(result, started, err)
	return result, err
}

func (e *Executor) finish(result *ExecutionResult, started time.Time, err error) {
	elapsed := time.Since(started)
	if e.observer != nil {
		e.observer.RunFinished(result, elapsed, err)
	}
	ev := e.logger.Info()
	if err != nil {
		ev = e.logger.Error().Err(err)
	}
	ev.Str("run_id", result.RunID).
		Int("applied", len(result.Applied)).
		Int("skipped", len(result.Skipped)).
		Int("remaining", len(result.Remaining)).
		Dur("elapsed", elapsed).
		Msg("Migration run finished")
}

// isRecorded reports whether m has a history row. A squash also counts as
// recorded when any migration it replaces does.
func (e *Executor) isRecorded(ctx context.Context, conn *gorm.DB, m *Migration) (bool, error) {
	for _, k := range append([]Key{m.Key()}, m.Replaces...) {
		applied, err := e.recorder.IsApplied(ctx, conn, k)
		if err != nil || applied {
			return applied, err
		}
	}
	return false, nil
}

// action is one unit of database work inside a step
type action struct {
	index int
	sql   string
	code  *RunCode
}

func (e *Executor) runStep(ctx context.Context, conn *gorm.DB, step PlanStep, opts Options, logger zerolog.Logger) (sr StepResult, err error) {
	m := step.Migration
	key := m.Key()
	sr = StepResult{Key: key, Direction: step.Direction.String(), Status: StepPending}
	start := time.Now()
	defer func() { sr.Duration = time.Since(start) }()

	log := logger.With().
		Str("app", m.App).
		Str("migration", m.Name).
		Str("direction", step.Direction.String()).
		Logger()

	applied, err := e.isRecorded(ctx, conn, m)
	if err != nil {
		sr.Status = StepFailed
		return sr, &DatabaseError{Location: At(key), Cause: err, SQLState: e.sqlState(err)}
	}
	if applied == (step.Direction == Forward) {
		sr.Status = StepSkipped
		sr.Reason = "already applied"
		if !applied {
			sr.Reason = "not applied"
		}
		log.Debug().Msg("Migration already in target state, skipping")
		return sr, nil
	}

	actions, err := e.actions(step)
	if err != nil {
		sr.Status = StepFailed
		return sr, err
	}
	for _, a := range actions {
		if a.code == nil {
			sr.SQL = append(sr.SQL, a.sql)
		}
	}

	// an in-flight step is never aborted by the caller's cancellation
	stepCtx := context.WithoutCancel(ctx)

	records := append([]Key{key}, m.Replaces...)
	record := func(db *gorm.DB) error {
		if step.Direction == Forward {
			return e.recorder.RecordApplied(stepCtx, db, records...)
		}
		return e.recorder.RecordUnapplied(stepCtx, db, records...)
	}

	sr.Status = StepRunning
	if opts.Fake {
		if err := record(conn); err != nil {
			sr.Status = StepFailed
			return sr, &DatabaseError{Location: At(key), Cause: err, SQLState: e.sqlState(err)}
		}
		sr.Status = StepSkipped
		sr.Reason = "fake"
		sr.SQL = nil
		log.Info().Msg("Migration faked")
		return sr, nil
	}

	log.Info().Int("statements", len(actions)).Msg("Running migration")

	if m.Atomic && e.renderer.SupportsTransactionalDDL() {
		err = e.runAtomic(stepCtx, conn, key, actions, record, log)
	} else {
		err = e.runSequential(stepCtx, conn, key, actions, record, log)
	}
	if err != nil {
		sr.Status = StepFailed
		log.Error().Err(err).Msg("Migration failed")
		return sr, err
	}

	sr.Status = StepApplied
	log.Info().Dur("elapsed", time.Since(start)).Msg("Migration completed successfully")
	return sr, nil
}

func (e *Executor) runAtomic(ctx context.Context, conn *gorm.DB, key Key, actions []action, record func(*gorm.DB) error, log zerolog.Logger) error {
	tx := conn.WithContext(ctx).Begin()
	if tx.Error != nil {
		return &DatabaseError{Location: At(key), Cause: fmt.Errorf("failed to start transaction: %w", tx.Error), SQLState: e.sqlState(tx.Error)}
	}
	for _, a := range actions {
		if err := e.do(ctx, tx, key, a, log); err != nil {
			if rbErr := tx.Rollback().Error; rbErr != nil {
				log.Error().Err(rbErr).Msg("Rollback failed")
			}
			return err
		}
	}
	if err := record(tx); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			log.Error().Err(rbErr).Msg("Rollback failed")
		}
		return &DatabaseError{Location: At(key), Cause: err, SQLState: e.sqlState(err)}
	}
	if err := tx.Commit().Error; err != nil {
		return &DatabaseError{Location: At(key), Cause: fmt.Errorf("failed to commit: %w", err), SQLState: e.sqlState(err)}
	}
	return nil
}

// runSequential runs each action in autocommit mode and writes the record
// only after every action succeeded. A failure leaves earlier actions in
// place and the migration unrecorded.
func (e *Executor) runSequential(ctx context.Context, conn *gorm.DB, key Key, actions []action, record func(*gorm.DB) error, log zerolog.Logger) error {
	db := conn.WithContext(ctx)
	for _, a := range actions {
		if err := e.do(ctx, db, key, a, log); err != nil {
			return err
		}
	}
	if err := record(db); err != nil {
		return &DatabaseError{Location: At(key), Cause: err, SQLState: e.sqlState(err)}
	}
	return nil
}

func (e *Executor) do(ctx context.Context, db *gorm.DB, key Key, a action, log zerolog.Logger) error {
	if a.code != nil {
		log.Debug().Int("operation", a.index).Str("code", a.code.Name).Msg("Running code operation")
		if err := a.code.Forward(ctx, db, log); err != nil {
			return &DatabaseError{Location: AtOperation(key, a.index), Cause: err, SQLState: e.sqlState(err)}
		}
		return nil
	}
	log.Debug().Int("operation", a.index).Str("sql", a.sql).Msg("Executing statement")
	if err := db.Exec(a.sql).Error; err != nil {
		return &DatabaseError{Location: AtOperation(key, a.index), Statement: a.sql, Cause: err, SQLState: e.sqlState(err)}
	}
	return nil
}

// actions renders the whole step before anything runs
func (e *Executor) actions(step PlanStep) ([]action, error) {
	m := step.Migration
	if m.StateOnly {
		return nil, nil
	}
	var out []action
	emit := func(i int, op Operation, s *state.ProjectState) error {
		if rc, ok := op.(*RunCode); ok {
			if rc.Forward == nil {
				return &IrreversibleError{Location: AtOperation(m.Key(), i), Operation: rc.Describe()}
			}
			out = append(out, action{index: i, code: rc})
			return nil
		}
		stmts, err := e.renderer.Render(op, m.App, s)
		if err != nil {
			return invalid(AtOperation(m.Key(), i), err, "render %s", op.Describe())
		}
		for _, sql := range stmts {
			out = append(out, action{index: i, sql: sql})
		}
		return nil
	}

	if step.Direction == Forward {
		if _, err := Walk(m.App, m.Operations, step.StateBefore, emit); err != nil {
			var oe *opError
			if errors.As(err, &oe) {
				return nil, m.wrapOpError(oe)
			}
			return nil, err
		}
		return out, nil
	}

	steps, err := Reverse(m.App, m.Operations, step.StateBefore)
	if err != nil {
		return nil, m.wrapOpError(err)
	}
	for _, rs := range steps {
		if err := emit(rs.Index, rs.Operation, rs.State); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Executor) renderOnly(plan *Plan, result *ExecutionResult) error {
	for _, step := range plan.Steps {
		actions, err := e.actions(step)
		if err != nil {
			result.Failed = &StepFailure{Key: step.Key(), Err: err}
			return err
		}
		sr := StepResult{Key: step.Key(), Direction: step.Direction.String(), Status: StepPending}
		for _, a := range actions {
			if a.code != nil {
				sr.SQL = append(sr.SQL, fmt.Sprintf("-- run code %s", a.code.Name))
				continue
			}
			sr.SQL = append(sr.SQL, a.sql)
		}
		result.Steps = append(result.Steps, sr)
	}
	result.Remaining = keysOf(plan.Steps)
	return nil
}

func (e *Executor) sqlState(err error) string {
	if c, ok := e.renderer.(ErrorClassifier); ok {
		return c.SQLState(err)
	}
	return ""
}

func keysOf(steps []PlanStep) []Key {
	out := make([]Key, len(steps))
	for i, s := range steps {
		out[i] = s.Key()
	}
	return out
}
