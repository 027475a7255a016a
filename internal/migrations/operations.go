package migrations

import (
	"context"
	"fmt"

	"github.com/ksred/schemaflow/internal/state"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Operation is one declarative schema change. The set of variants is closed;
// renderers and serializers switch over the concrete types exhaustively.
//
// StateForward mutates an in-memory state and never touches the database.
// Inverse returns the operation that undoes this one given the state that
// existed before it ran, which is how both the backward state transition and
// the backward DDL are derived.
type Operation interface {
	Kind() OperationKind
	Describe() string
	StateForward(app string, s *state.ProjectState) error
	Inverse(app string, before *state.ProjectState) (Operation, error)
	Reversible() bool

	operation()
}

// OperationKind is the serialized name of an operation variant
type OperationKind string

const (
	KindCreateModel     OperationKind = "create_model"
	KindDeleteModel     OperationKind = "delete_model"
	KindRenameModel     OperationKind = "rename_model"
	KindAddField        OperationKind = "add_field"
	KindAlterField      OperationKind = "alter_field"
	KindRemoveField     OperationKind = "remove_field"
	KindRenameField     OperationKind = "rename_field"
	KindCreateIndex     OperationKind = "create_index"
	KindDropIndex       OperationKind = "drop_index"
	KindAddConstraint   OperationKind = "add_constraint"
	KindDropConstraint  OperationKind = "drop_constraint"
	KindRunSQL          OperationKind = "run_sql"
	KindRunCode         OperationKind = "run_code"
	KindCreateExtension OperationKind = "create_extension"
	KindDropExtension   OperationKind = "drop_extension"
	KindCreateCollation OperationKind = "create_collation"
	KindDropCollation   OperationKind = "drop_collation"
)

// CreateModel adds a new table
type CreateModel struct {
	Name        string
	Table       string
	Fields      []state.FieldState
	Indexes     []state.IndexDefinition
	Constraints []state.ConstraintDefinition
	Options     map[string]string
}

func (*CreateModel) operation() {}
func (*CreateModel) Kind() OperationKind { return KindCreateModel }
func (*CreateModel) Reversible() bool { return true }
func (o *CreateModel) Describe() string { return "Create model " + o.Name }

// Model returns the model state this operation creates in app
func (o *CreateModel) Model(app string) *state.ModelState {
	m := &state.ModelState{
		App:         app,
		Name:        o.Name,
		Table:       o.Table,
		Fields:      o.Fields,
		Indexes:     o.Indexes,
		Constraints: o.Constraints,
		Options:     o.Options,
	}
	if m.Table == "" {
		m.Table = state.DefaultTable(app, o.Name)
	}
	return m.Clone()
}

func (o *CreateModel) StateForward(app string, s *state.ProjectState) error {
	if len(o.Fields) == 0 {
		return fmt.Errorf("model %s has no fields", o.Name)
	}
	m := o.Model(app)
	for _, f := range m.Fields {
		if err := checkForeignKey(s, m, f); err != nil {
			return err
		}
	}
	return s.AddModel(m)
}

func (o *CreateModel) Inverse(app string, _ *state.ProjectState) (Operation, error) {
	return &DeleteModel{Name: o.Name}, nil
}

// FromModel builds a CreateModel that recreates m
func FromModel(m *state.ModelState) *CreateModel {
	c := m.Clone()
	return &CreateModel{
		Name:        c.Name,
		Table:       c.Table,
		Fields:      c.Fields,
		Indexes:     c.Indexes,
		Constraints: c.Constraints,
		Options:     c.Options,
	}
}

// DeleteModel drops a table
type DeleteModel struct {
	Name string
}

func (*DeleteModel) operation() {}
func (*DeleteModel) Kind() OperationKind { return KindDeleteModel }
func (*DeleteModel) Reversible() bool { return true }
func (o *DeleteModel) Describe() string { return "Delete model " + o.Name }

func (o *DeleteModel) StateForward(app string, s *state.ProjectState) error {
	for _, ref := range s.ReferencesTo(app, o.Name) {
		if ref.App == app && ref.Name == o.Name {
			continue
		}
		return fmt.Errorf("model %s.%s is still referenced by %s.%s", app, o.Name, ref.App, ref.Name)
	}
	_, err := s.RemoveModel(app, o.Name)
	return err
}

func (o *DeleteModel) Inverse(app string, before *state.ProjectState) (Operation, error) {
	m, err := before.MustModel(app, o.Name)
	if err != nil {
		return nil, err
	}
	return FromModel(m), nil
}

// RenameModel changes a model's name and patches references to it
type RenameModel struct {
	OldName string
	NewName string
}

func (*RenameModel) operation() {}
func (*RenameModel) Kind() OperationKind { return KindRenameModel }
func (*RenameModel) Reversible() bool { return true }
func (o *RenameModel) Describe() string {
	return fmt.Sprintf("Rename model %s to %s", o.OldName, o.NewName)
}

func (o *RenameModel) StateForward(app string, s *state.ProjectState) error {
	return s.RenameModel(app, o.OldName, o.NewName)
}

func (o *RenameModel) Inverse(string, *state.ProjectState) (Operation, error) {
	return &RenameModel{OldName: o.NewName, NewName: o.OldName}, nil
}

// AddField adds a column to an existing model
type AddField struct {
	Model string
	Field state.FieldState
}

func (*AddField) operation() {}
func (*AddField) Kind() OperationKind { return KindAddField }
func (*AddField) Reversible() bool { return true }
func (o *AddField) Describe() string {
	return fmt.Sprintf("Add field %s to %s", o.Field.Name, o.Model)
}

func (o *AddField) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	if err := checkForeignKey(s, m, o.Field); err != nil {
		return err
	}
	return m.AddField(o.Field)
}

func (o *AddField) Inverse(string, *state.ProjectState) (Operation, error) {
	return &RemoveField{Model: o.Model, Name: o.Field.Name}, nil
}

// RemoveField drops a column
type RemoveField struct {
	Model string
	Name  string
}

func (*RemoveField) operation() {}
func (*RemoveField) Kind() OperationKind { return KindRemoveField }
func (*RemoveField) Reversible() bool { return true }
func (o *RemoveField) Describe() string {
	return fmt.Sprintf("Remove field %s from %s", o.Name, o.Model)
}

func (o *RemoveField) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	for _, idx := range m.Indexes {
		if containsString(idx.Fields, o.Name) {
			return fmt.Errorf("field %s.%s is used by index %s", o.Model, o.Name, idx.Name)
		}
	}
	for _, c := range m.Constraints {
		if containsString(c.Fields, o.Name) {
			return fmt.Errorf("field %s.%s is used by constraint %s", o.Model, o.Name, c.Name)
		}
	}
	if f, ok := m.Field(o.Name); ok {
		for _, ref := range s.ReferencesTo(app, o.Model) {
			for _, rf := range ref.Fields {
				fk := rf.ForeignKey
				if fk == nil || fk.App != app || fk.Model != o.Model {
					continue
				}
				if ref.App == app && ref.Name == o.Model && rf.Name == o.Name {
					continue
				}
				if fk.Field == o.Name || (fk.Field == "" && f.PrimaryKey) {
					return fmt.Errorf("field %s.%s is still referenced by %s.%s.%s", o.Model, o.Name, ref.App, ref.Name, rf.Name)
				}
			}
		}
	}
	_, _, err = m.RemoveField(o.Name)
	return err
}

func (o *RemoveField) Inverse(app string, before *state.ProjectState) (Operation, error) {
	m, err := before.MustModel(app, o.Model)
	if err != nil {
		return nil, err
	}
	f, ok := m.Field(o.Name)
	if !ok {
		return nil, fmt.Errorf("field %s.%s: %w", o.Model, o.Name, state.ErrFieldNotFound)
	}
	return &AddField{Model: o.Model, Field: f.Clone()}, nil
}

// AlterField replaces a column definition. Field.Name selects the column.
type AlterField struct {
	Model string
	Field state.FieldState
}

func (*AlterField) operation() {}
func (*AlterField) Kind() OperationKind { return KindAlterField }
func (*AlterField) Reversible() bool { return true }
func (o *AlterField) Describe() string {
	return fmt.Sprintf("Alter field %s on %s", o.Field.Name, o.Model)
}

func (o *AlterField) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	if err := checkForeignKey(s, m, o.Field); err != nil {
		return err
	}
	return m.ReplaceField(o.Field.Name, o.Field)
}

func (o *AlterField) Inverse(app string, before *state.ProjectState) (Operation, error) {
	m, err := before.MustModel(app, o.Model)
	if err != nil {
		return nil, err
	}
	f, ok := m.Field(o.Field.Name)
	if !ok {
		return nil, fmt.Errorf("field %s.%s: %w", o.Model, o.Field.Name, state.ErrFieldNotFound)
	}
	return &AlterField{Model: o.Model, Field: f.Clone()}, nil
}

// Classify compares the new definition against the one in before
func (o *AlterField) Classify(app string, before *state.ProjectState, d state.Dialect) (state.ChangeKind, []string) {
	m, ok := before.Model(app, o.Model)
	if !ok {
		return state.ChangeNone, nil
	}
	old, ok := m.Field(o.Field.Name)
	if !ok {
		return state.ChangeNone, nil
	}
	return state.ClassifyChange(old, o.Field, d)
}

// RenameField renames a column and patches references to it
type RenameField struct {
	Model   string
	OldName string
	NewName string
}

func (*RenameField) operation() {}
func (*RenameField) Kind() OperationKind { return KindRenameField }
func (*RenameField) Reversible() bool { return true }
func (o *RenameField) Describe() string {
	return fmt.Sprintf("Rename field %s on %s to %s", o.OldName, o.Model, o.NewName)
}

func (o *RenameField) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	if err := m.RenameField(o.OldName, o.NewName); err != nil {
		return err
	}
	s.RenameFieldReferences(app, o.Model, o.OldName, o.NewName)
	return nil
}

func (o *RenameField) Inverse(string, *state.ProjectState) (Operation, error) {
	return &RenameField{Model: o.Model, OldName: o.NewName, NewName: o.OldName}, nil
}

// CreateIndex adds an index to a model
type CreateIndex struct {
	Model string
	Index state.IndexDefinition
}

func (*CreateIndex) operation() {}
func (*CreateIndex) Kind() OperationKind { return KindCreateIndex }
func (*CreateIndex) Reversible() bool { return true }
func (o *CreateIndex) Describe() string {
	return fmt.Sprintf("Create index %s on %s", o.Index.Name, o.Model)
}

func (o *CreateIndex) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	return m.AddIndex(o.Index)
}

func (o *CreateIndex) Inverse(string, *state.ProjectState) (Operation, error) {
	return &DropIndex{Model: o.Model, Name: o.Index.Name}, nil
}

// DropIndex removes an index by name
type DropIndex struct {
	Model string
	Name  string
}

func (*DropIndex) operation() {}
func (*DropIndex) Kind() OperationKind { return KindDropIndex }
func (*DropIndex) Reversible() bool { return true }
func (o *DropIndex) Describe() string {
	return fmt.Sprintf("Drop index %s on %s", o.Name, o.Model)
}

func (o *DropIndex) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	_, err = m.RemoveIndex(o.Name)
	return err
}

func (o *DropIndex) Inverse(app string, before *state.ProjectState) (Operation, error) {
	m, err := before.MustModel(app, o.Model)
	if err != nil {
		return nil, err
	}
	idx, ok := m.Index(o.Name)
	if !ok {
		return nil, fmt.Errorf("index %s on %s: %w", o.Name, o.Model, state.ErrIndexNotFound)
	}
	return &CreateIndex{Model: o.Model, Index: idx.Clone()}, nil
}

// AddConstraint adds a table constraint
type AddConstraint struct {
	Model      string
	Constraint state.ConstraintDefinition
}

func (*AddConstraint) operation() {}
func (*AddConstraint) Kind() OperationKind { return KindAddConstraint }
func (*AddConstraint) Reversible() bool { return true }
func (o *AddConstraint) Describe() string {
	return fmt.Sprintf("Add constraint %s to %s", o.Constraint.Name, o.Model)
}

func (o *AddConstraint) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	switch o.Constraint.Kind {
	case state.ConstraintCheck:
		if o.Constraint.Check == "" {
			return fmt.Errorf("check constraint %s has no expression", o.Constraint.Name)
		}
	case state.ConstraintUnique:
		if len(o.Constraint.Fields) == 0 {
			return fmt.Errorf("unique constraint %s has no fields", o.Constraint.Name)
		}
	default:
		return fmt.Errorf("constraint %s has unknown kind %q", o.Constraint.Name, o.Constraint.Kind)
	}
	for _, f := range o.Constraint.Fields {
		if m.FieldIndex(f) < 0 {
			return fmt.Errorf("constraint %s references %s.%s: %w", o.Constraint.Name, o.Model, f, state.ErrFieldNotFound)
		}
	}
	return m.AddConstraint(o.Constraint)
}

func (o *AddConstraint) Inverse(string, *state.ProjectState) (Operation, error) {
	return &DropConstraint{Model: o.Model, Name: o.Constraint.Name}, nil
}

// DropConstraint removes a table constraint by name
type DropConstraint struct {
	Model string
	Name  string
}

func (*DropConstraint) operation() {}
func (*DropConstraint) Kind() OperationKind { return KindDropConstraint }
func (*DropConstraint) Reversible() bool { return true }
func (o *DropConstraint) Describe() string {
	return fmt.Sprintf("Drop constraint %s on %s", o.Name, o.Model)
}

func (o *DropConstraint) StateForward(app string, s *state.ProjectState) error {
	m, err := s.MustModel(app, o.Model)
	if err != nil {
		return err
	}
	_, err = m.RemoveConstraint(o.Name)
	return err
}

func (o *DropConstraint) Inverse(app string, before *state.ProjectState) (Operation, error) {
	m, err := before.MustModel(app, o.Model)
	if err != nil {
		return nil, err
	}
	c, ok := m.Constraint(o.Name)
	if !ok {
		return nil, fmt.Errorf("constraint %s on %s: %w", o.Name, o.Model, state.ErrConstraintNotFound)
	}
	return &AddConstraint{Model: o.Model, Constraint: c.Clone()}, nil
}

// RunSQL executes raw statements. It does not change the schema state.
// A nil ReverseSQL makes the operation irreversible; an empty non-nil slice
// reverses as a no-op.
type RunSQL struct {
	SQL        []string
	ReverseSQL []string
	// Label is an optional human description
	Label string
}

func (*RunSQL) operation() {}
func (*RunSQL) Kind() OperationKind { return KindRunSQL }
func (o *RunSQL) Reversible() bool { return o.ReverseSQL != nil }
func (o *RunSQL) Describe() string {
	if o.Label != "" {
		return "Run SQL: " + o.Label
	}
	return "Run SQL"
}

func (o *RunSQL) StateForward(string, *state.ProjectState) error { return nil }

func (o *RunSQL) Inverse(string, *state.ProjectState) (Operation, error) {
	if o.ReverseSQL == nil {
		return nil, ErrIrreversible
	}
	return &RunSQL{SQL: o.ReverseSQL, ReverseSQL: o.SQL, Label: o.Label}, nil
}

// CodeFunc is a data migration step. db is the connection or transaction the
// migration runs on.
type CodeFunc func(ctx context.Context, db *gorm.DB, logger zerolog.Logger) error

// RunCode executes a Go function against the connection. Name identifies the
// function in serialized migrations.
type RunCode struct {
	Name    string
	Forward CodeFunc
	Reverse CodeFunc
}

func (*RunCode) operation() {}
func (*RunCode) Kind() OperationKind { return KindRunCode }
func (o *RunCode) Reversible() bool { return o.Reverse != nil }
func (o *RunCode) Describe() string { return "Run code " + o.Name }

func (o *RunCode) StateForward(string, *state.ProjectState) error {
	if o.Forward == nil {
		return fmt.Errorf("code operation %q has no function", o.Name)
	}
	return nil
}

func (o *RunCode) Inverse(string, *state.ProjectState) (Operation, error) {
	if o.Reverse == nil {
		return nil, ErrIrreversible
	}
	return &RunCode{Name: o.Name, Forward: o.Reverse, Reverse: o.Forward}, nil
}

// CreateExtension installs a postgres extension. Other backends ignore it.
type CreateExtension struct {
	Name string
}

func (*CreateExtension) operation() {}
func (*CreateExtension) Kind() OperationKind { return KindCreateExtension }
func (*CreateExtension) Reversible() bool { return true }
func (o *CreateExtension) Describe() string { return "Create extension " + o.Name }
func (o *CreateExtension) StateForward(string, *state.ProjectState) error { return nil }
func (o *CreateExtension) Inverse(string, *state.ProjectState) (Operation, error) {
	return &DropExtension{Name: o.Name}, nil
}

// DropExtension removes a postgres extension
type DropExtension struct {
	Name string
}

func (*DropExtension) operation() {}
func (*DropExtension) Kind() OperationKind { return KindDropExtension }
func (*DropExtension) Reversible() bool { return true }
func (o *DropExtension) Describe() string { return "Drop extension " + o.Name }
func (o *DropExtension) StateForward(string, *state.ProjectState) error { return nil }
func (o *DropExtension) Inverse(string, *state.ProjectState) (Operation, error) {
	return &CreateExtension{Name: o.Name}, nil
}

// CreateCollation defines a postgres collation. Other backends ignore it.
type CreateCollation struct {
	Name          string
	Provider      string
	Locale        string
	Deterministic bool
}

func (*CreateCollation) operation() {}
func (*CreateCollation) Kind() OperationKind { return KindCreateCollation }
func (*CreateCollation) Reversible() bool { return true }
func (o *CreateCollation) Describe() string { return "Create collation " + o.Name }
func (o *CreateCollation) StateForward(string, *state.ProjectState) error { return nil }
func (o *CreateCollation) Inverse(string, *state.ProjectState) (Operation, error) {
	c := *o
	return &DropCollation{Name: o.Name, Original: &c}, nil
}

// DropCollation removes a postgres collation. Original, when set, lets the
// drop be reversed.
type DropCollation struct {
	Name     string
	Original *CreateCollation
}

func (*DropCollation) operation() {}
func (*DropCollation) Kind() OperationKind { return KindDropCollation }
func (o *DropCollation) Reversible() bool { return o.Original != nil }
func (o *DropCollation) Describe() string { return "Drop collation " + o.Name }
func (o *DropCollation) StateForward(string, *state.ProjectState) error { return nil }
func (o *DropCollation) Inverse(string, *state.ProjectState) (Operation, error) {
	if o.Original == nil {
		return nil, ErrIrreversible
	}
	c := *o.Original
	return &c, nil
}

func checkForeignKey(s *state.ProjectState, m *state.ModelState, f state.FieldState) error {
	fk := f.ForeignKey
	if fk == nil {
		return nil
	}
	// self references resolve against the model being built
	if fk.App == m.App && fk.Model == m.Name {
		if fk.Field != "" && m.FieldIndex(fk.Field) < 0 {
			return fmt.Errorf("field %s.%s references missing %s.%s: %w", m.Name, f.Name, fk.Model, fk.Field, state.ErrFieldNotFound)
		}
		return nil
	}
	target, ok := s.Model(fk.App, fk.Model)
	if !ok {
		return fmt.Errorf("field %s.%s references %s.%s: %w", m.Name, f.Name, fk.App, fk.Model, state.ErrModelNotFound)
	}
	if fk.Field != "" && target.FieldIndex(fk.Field) < 0 {
		return fmt.Errorf("field %s.%s references missing %s.%s: %w", m.Name, f.Name, fk.Model, fk.Field, state.ErrFieldNotFound)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Walk replays ops forward from before, calling fn with each operation and
// the state it applies to. The returned state is the state after every
// operation. before is not modified.
func Walk(app string, ops []Operation, before *state.ProjectState, fn func(i int, op Operation, s *state.ProjectState) error) (*state.ProjectState, error) {
	cur := before.Clone()
	for i, op := range ops {
		if fn != nil {
			if err := fn(i, op, cur); err != nil {
				return nil, err
			}
		}
		if err := op.StateForward(app, cur); err != nil {
			return nil, &opError{index: i, err: err}
		}
	}
	return cur, nil
}

// ReverseStep is one undo operation and the state it is rendered against
type ReverseStep struct {
	Index     int
	Operation Operation
	State     *state.ProjectState
}

// Reverse computes the undo sequence for ops applied on top of before. Steps
// are returned last operation first; each step's State is the state with all
// earlier operations applied, which is the state the undo runs against.
func Reverse(app string, ops []Operation, before *state.ProjectState) ([]ReverseStep, error) {
	states := make([]*state.ProjectState, 0, len(ops)+1)
	states = append(states, before.Clone())
	cur := before.Clone()
	for i, op := range ops {
		if !op.Reversible() {
			return nil, &opError{index: i, err: ErrIrreversible}
		}
		if err := op.StateForward(app, cur); err != nil {
			return nil, &opError{index: i, err: err}
		}
		states = append(states, cur.Clone())
	}

	steps := make([]ReverseStep, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		inv, err := ops[i].Inverse(app, states[i])
		if err != nil {
			return nil, &opError{index: i, err: err}
		}
		steps = append(steps, ReverseStep{Index: i, Operation: inv, State: states[i+1]})
	}
	return steps, nil
}

// opError carries the index of a failing operation up to the caller, which
// knows the migration key.
type opError struct {
	index int
	err   error
}

func (e *opError) Error() string { return fmt.Sprintf("operation %d: %v", e.index, e.err) }
func (e *opError) Unwrap() error { return e.err }
