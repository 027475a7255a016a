package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/models"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/ksred/schemaflow/internal/utils"
)

// PendingReporter receives per-app pending counts after each status check
type PendingReporter interface {
	SetPending(counts map[string]int)
}

// MigrationService wires the engine together: it loads definitions, reads
// history, detects changes, plans, executes and writes new migrations.
type MigrationService struct {
	db       *gorm.DB
	loader   *migrations.Loader
	registry *models.Registry
	renderer migrations.Renderer
	locker   migrations.Locker
	writer   *migrations.Writer
	recorder *migrations.Recorder
	detector *migrations.Autodetector
	logger   zerolog.Logger

	observer       migrations.Observer
	pending        PendingReporter
	failOnWarnings bool

	// concurrent read requests share one load of history and definitions
	group singleflight.Group
}

// ServiceOption configures a MigrationService
type ServiceOption func(*MigrationService)

// WithObserver forwards executor events, typically to metrics
func WithObserver(o migrations.Observer) ServiceOption {
	return func(s *MigrationService) {
		s.observer = o
		if p, ok := o.(PendingReporter); ok {
			s.pending = p
		}
	}
}

// WithFailOnWarnings refuses to execute plans that carry warnings
func WithFailOnWarnings(fail bool) ServiceOption {
	return func(s *MigrationService) { s.failOnWarnings = fail }
}

// NewMigrationService creates the service. db may be nil, in which case
// history reads as empty and only plan-only execution is possible.
func NewMigrationService(
	db *gorm.DB,
	loader *migrations.Loader,
	registry *models.Registry,
	renderer migrations.Renderer,
	locker migrations.Locker,
	writer *migrations.Writer,
	logger zerolog.Logger,
	opts ...ServiceOption,
) *MigrationService {
	s := &MigrationService{
		db:       db,
		loader:   loader,
		registry: registry,
		renderer: renderer,
		locker:   locker,
		writer:   writer,
		recorder: migrations.NewRecorder(),
		detector: migrations.NewAutodetector(),
		logger:   utils.ForComponent(logger, "migration_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the backend the service renders for
func (s *MigrationService) Dialect() state.Dialect {
	return s.renderer.Dialect()
}

// catalog loads every definition and the recorded history
func (s *MigrationService) catalog(ctx context.Context) (*migrations.Catalog, error) {
	migs, err := s.loader.LoadAll()
	if err != nil {
		return nil, err
	}
	applied := map[migrations.Key]bool{}
	if s.db != nil {
		if applied, err = s.recorder.AppliedSet(ctx, s.db.WithContext(ctx)); err != nil {
			return nil, fmt.Errorf("failed to read migration history: %w", err)
		}
	}
	return migrations.NewCatalog(migs, applied)
}

// DetectChanges compares the replayed history with the declared models and
// proposes one migration per changed app
func (s *MigrationService) DetectChanges(ctx context.Context) (*Changes, error) {
	v, err, _ := s.group.Do("changes", func() (interface{}, error) {
		return s.detectChanges(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Changes), nil
}

func (s *MigrationService) detectChanges(ctx context.Context) (*Changes, error) {
	var (
		c        *migrations.Catalog
		declared *state.ProjectState
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		c, err = s.catalog(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		if declared, err = s.registry.DeclaredModels(); err != nil {
			return &utils.ValidationError{Field: "models", Message: err.Error()}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	current, err := c.State()
	if err != nil {
		return nil, err
	}
	detected, err := s.detector.Detect(current, declared)
	if err != nil {
		return nil, err
	}
	migs, err := detected.BuildMigrations(c)
	if err != nil {
		return nil, err
	}
	fingerprint, err := detected.Fingerprint()
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("migrations", len(migs)).
		Int("reviews", len(detected.Reviews)).
		Str("fingerprint", fingerprint).
		Msg("Detected model changes")

	return &Changes{Detected: detected, Migrations: migs, Fingerprint: fingerprint}, nil
}

// BuildPlan computes the steps that reach target. An empty target means
// every app's latest migration.
func (s *MigrationService) BuildPlan(ctx context.Context, target string) (*migrations.Plan, error) {
	t, err := migrations.ParseTarget(target)
	if err != nil {
		return nil, utils.InvalidFieldError("target", err)
	}
	v, err, _ := s.group.Do("plan:"+t.String(), func() (interface{}, error) {
		c, err := s.catalog(ctx)
		if err != nil {
			return nil, err
		}
		return migrations.NewPlanner(c, s.renderer.Dialect()).Plan(t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*migrations.Plan), nil
}

// ResolveTarget combines an app filter with a target. A bare migration name,
// "zero" or "latest" is taken relative to app.
func ResolveTarget(app, target string) string {
	app, target = strings.TrimSpace(app), strings.TrimSpace(target)
	switch {
	case app == "":
		return target
	case target == "":
		return app
	case strings.Contains(target, "."):
		return target
	default:
		return app + "." + target
	}
}

// Execute plans toward target and runs the plan
func (s *MigrationService) Execute(ctx context.Context, target string, opts migrations.Options) (*migrations.ExecutionResult, error) {
	if s.db == nil && !opts.PlanOnly {
		return nil, &utils.ValidationError{Field: "database", Message: "no database connection; only plan-only runs are possible"}
	}

	plan, err := s.BuildPlan(ctx, target)
	if err != nil {
		return nil, err
	}
	if s.failOnWarnings && len(plan.Warnings) > 0 && !opts.PlanOnly {
		for _, w := range plan.Warnings {
			s.logger.Warn().Str("location", w.Location.String()).Msg(w.Message)
		}
		return nil, &utils.ConflictError{
			Resource: "plan",
			Reason:   fmt.Sprintf("%d warning(s) and fail_on_warnings is set", len(plan.Warnings)),
		}
	}

	execOpts := []migrations.ExecutorOption{migrations.WithRecorder(s.recorder)}
	if s.observer != nil {
		execOpts = append(execOpts, migrations.WithObserver(s.observer))
	}
	executor := migrations.NewExecutor(s.db, s.renderer, s.locker, s.logger, execOpts...)
	return executor.Run(ctx, plan, opts)
}

// WriteMigration detects changes and writes one definition file per changed
// app. It returns the written paths; nothing is written when there are no
// changes.
func (s *MigrationService) WriteMigration(ctx context.Context) ([]string, *Changes, error) {
	changes, err := s.DetectChanges(ctx)
	if err != nil {
		return nil, nil, err
	}

	var paths []string
	for _, m := range changes.Migrations {
		path, err := s.writer.Write(m)
		if err != nil {
			return paths, changes, err
		}
		logger := utils.ForMigration(s.logger, m.App, m.Name)
		logger.Info().Str("path", path).Msg("Wrote migration")
		paths = append(paths, path)
	}
	return paths, changes, nil
}

// Status reports applied and pending migrations per app
func (s *MigrationService) Status(ctx context.Context) (*Status, error) {
	v, err, _ := s.group.Do("status", func() (interface{}, error) {
		return s.status(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Status), nil
}

func (s *MigrationService) status(ctx context.Context) (*Status, error) {
	c, err := s.catalog(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Dialect:   string(s.renderer.Dialect()),
		Connected: s.db != nil,
		CheckedAt: time.Now().UTC(),
	}
	if err := c.CheckConsistency(); err != nil {
		st.Inconsistency = err.Error()
	}
	for _, k := range c.UnknownApplied() {
		st.UnknownApplied = append(st.UnknownApplied, k.String())
	}

	byApp := make(map[string]*AppStatus)
	for _, app := range c.Apps() {
		as := &AppStatus{App: app}
		for _, k := range c.Graph().Leaves(app) {
			as.Leaves = append(as.Leaves, k.Name)
		}
		byApp[app] = as
		st.Apps = append(st.Apps, as)
	}
	for _, m := range c.Migrations() {
		as := byApp[m.App]
		if c.IsApplied(m.Key()) {
			as.Applied = append(as.Applied, m.Name)
		} else {
			as.Pending = append(as.Pending, m.Name)
		}
	}

	if s.pending != nil {
		counts := make(map[string]int, len(st.Apps))
		for _, as := range st.Apps {
			counts[as.App] = len(as.Pending)
		}
		s.pending.SetPending(counts)
	}
	return st, nil
}
