// Package state holds the in-memory schema snapshot that migrations mutate
// while they are replayed. A ProjectState is built fresh for every planning or
// detection run and is never persisted.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrModelNotFound is returned when an operation targets a model the state does not contain
	ErrModelNotFound = errors.New("model not found")

	// ErrFieldNotFound is returned when an operation targets a missing field
	ErrFieldNotFound = errors.New("field not found")

	// ErrIndexNotFound is returned when an index is missing
	ErrIndexNotFound = errors.New("index not found")

	// ErrConstraintNotFound is returned when a constraint is missing
	ErrConstraintNotFound = errors.New("constraint not found")

	// ErrDuplicate is returned when a model, field, index or constraint already exists
	ErrDuplicate = errors.New("already exists")
)

// ForeignKeyRef points a field at another model.
type ForeignKeyRef struct {
	App      string `json:"app" yaml:"app"`
	Model    string `json:"model" yaml:"model"`
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	OnDelete string `json:"on_delete,omitempty" yaml:"on_delete,omitempty"`
}

// FieldState is a column as seen at one point in migration history.
type FieldState struct {
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	Nullable   bool           `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Unique     bool           `json:"unique,omitempty" yaml:"unique,omitempty"`
	PrimaryKey bool           `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Default    *string        `json:"default,omitempty" yaml:"default,omitempty"`
	ForeignKey *ForeignKeyRef `json:"foreign_key,omitempty" yaml:"foreign_key,omitempty"`
}

// Clone returns a deep copy of the field
func (f FieldState) Clone() FieldState {
	out := f
	if f.Default != nil {
		d := *f.Default
		out.Default = &d
	}
	if f.ForeignKey != nil {
		fk := *f.ForeignKey
		out.ForeignKey = &fk
	}
	return out
}

// Equal reports whether two fields are identical, name included
func (f FieldState) Equal(o FieldState) bool {
	return f.Name == o.Name && f.SameShape(o)
}

// SameShape compares everything except the field name. Rename detection
// relies on it.
func (f FieldState) SameShape(o FieldState) bool {
	if f.Type != o.Type || f.Nullable != o.Nullable || f.Unique != o.Unique || f.PrimaryKey != o.PrimaryKey {
		return false
	}
	if (f.Default == nil) != (o.Default == nil) {
		return false
	}
	if f.Default != nil && *f.Default != *o.Default {
		return false
	}
	if (f.ForeignKey == nil) != (o.ForeignKey == nil) {
		return false
	}
	if f.ForeignKey != nil && *f.ForeignKey != *o.ForeignKey {
		return false
	}
	return true
}

// IndexDefinition describes a named index over one or more fields.
type IndexDefinition struct {
	Name   string   `json:"name" yaml:"name"`
	Fields []string `json:"fields" yaml:"fields"`
	Unique bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	Where  string   `json:"where,omitempty" yaml:"where,omitempty"`
}

// Clone returns a deep copy of the index
func (i IndexDefinition) Clone() IndexDefinition {
	out := i
	out.Fields = append([]string(nil), i.Fields...)
	return out
}

// Equal reports whether two index definitions match
func (i IndexDefinition) Equal(o IndexDefinition) bool {
	return i.Name == o.Name && i.Unique == o.Unique && i.Where == o.Where && equalStrings(i.Fields, o.Fields)
}

// ConstraintKind enumerates table constraint kinds
type ConstraintKind string

const (
	ConstraintCheck  ConstraintKind = "check"
	ConstraintUnique ConstraintKind = "unique"
)

// ConstraintDefinition describes a named table-level constraint.
type ConstraintDefinition struct {
	Name   string         `json:"name" yaml:"name"`
	Kind   ConstraintKind `json:"kind" yaml:"kind"`
	Fields []string       `json:"fields,omitempty" yaml:"fields,omitempty"`
	Check  string         `json:"check,omitempty" yaml:"check,omitempty"`
}

// Clone returns a deep copy of the constraint
func (c ConstraintDefinition) Clone() ConstraintDefinition {
	out := c
	out.Fields = append([]string(nil), c.Fields...)
	return out
}

// Equal reports whether two constraints match
func (c ConstraintDefinition) Equal(o ConstraintDefinition) bool {
	return c.Name == o.Name && c.Kind == o.Kind && c.Check == o.Check && equalStrings(c.Fields, o.Fields)
}

// ModelState is a table-level snapshot.
type ModelState struct {
	App         string                 `json:"app" yaml:"app"`
	Name        string                 `json:"name" yaml:"name"`
	Table       string                 `json:"table" yaml:"table"`
	Fields      []FieldState           `json:"fields" yaml:"fields"`
	Indexes     []IndexDefinition      `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Constraints []ConstraintDefinition `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Options     map[string]string      `json:"options,omitempty" yaml:"options,omitempty"`
}

// DefaultTable returns the table name used when a model does not set one
func DefaultTable(app, name string) string {
	return strings.ToLower(app) + "_" + strings.ToLower(name)
}

// NewModelState creates a model with the default table name
func NewModelState(app, name string, fields ...FieldState) *ModelState {
	return &ModelState{
		App:    app,
		Name:   name,
		Table:  DefaultTable(app, name),
		Fields: fields,
	}
}

// Clone returns a deep copy of the model
func (m *ModelState) Clone() *ModelState {
	out := &ModelState{
		App:   m.App,
		Name:  m.Name,
		Table: m.Table,
	}
	if m.Fields != nil {
		out.Fields = make([]FieldState, len(m.Fields))
		for i, f := range m.Fields {
			out.Fields[i] = f.Clone()
		}
	}
	if m.Indexes != nil {
		out.Indexes = make([]IndexDefinition, len(m.Indexes))
		for i, idx := range m.Indexes {
			out.Indexes[i] = idx.Clone()
		}
	}
	if m.Constraints != nil {
		out.Constraints = make([]ConstraintDefinition, len(m.Constraints))
		for i, c := range m.Constraints {
			out.Constraints[i] = c.Clone()
		}
	}
	if m.Options != nil {
		out.Options = make(map[string]string, len(m.Options))
		for k, v := range m.Options {
			out.Options[k] = v
		}
	}
	return out
}

// Equal compares two models structurally. Fields, indexes and constraints
// are compared by name, so their order does not matter.
func (m *ModelState) Equal(o *ModelState) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.App != o.App || m.Name != o.Name || m.Table != o.Table {
		return false
	}
	if len(m.Fields) != len(o.Fields) || len(m.Indexes) != len(o.Indexes) || len(m.Constraints) != len(o.Constraints) {
		return false
	}
	for _, f := range m.Fields {
		of, ok := o.Field(f.Name)
		if !ok || !f.Equal(of) {
			return false
		}
	}
	for _, idx := range m.Indexes {
		oi, ok := o.Index(idx.Name)
		if !ok || !idx.Equal(oi) {
			return false
		}
	}
	for _, c := range m.Constraints {
		oc, ok := o.Constraint(c.Name)
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	if len(m.Options) != len(o.Options) {
		return false
	}
	for k, v := range m.Options {
		if ov, ok := o.Options[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// FieldIndex returns the position of the named field or -1
func (m *ModelState) FieldIndex(name string) int {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Field returns the named field
func (m *ModelState) Field(name string) (FieldState, bool) {
	i := m.FieldIndex(name)
	if i < 0 {
		return FieldState{}, false
	}
	return m.Fields[i], true
}

// AddField appends a field, rejecting duplicates
func (m *ModelState) AddField(f FieldState) error {
	if m.FieldIndex(f.Name) >= 0 {
		return fmt.Errorf("field %s.%s: %w", m.Name, f.Name, ErrDuplicate)
	}
	m.Fields = append(m.Fields, f.Clone())
	return nil
}

// RemoveField deletes the named field and returns it with its former position
func (m *ModelState) RemoveField(name string) (FieldState, int, error) {
	i := m.FieldIndex(name)
	if i < 0 {
		return FieldState{}, -1, fmt.Errorf("field %s.%s: %w", m.Name, name, ErrFieldNotFound)
	}
	removed := m.Fields[i]
	m.Fields = append(m.Fields[:i], m.Fields[i+1:]...)
	return removed, i, nil
}

// ReplaceField swaps the definition of an existing field in place
func (m *ModelState) ReplaceField(name string, f FieldState) error {
	i := m.FieldIndex(name)
	if i < 0 {
		return fmt.Errorf("field %s.%s: %w", m.Name, name, ErrFieldNotFound)
	}
	m.Fields[i] = f.Clone()
	return nil
}

// RenameField renames a field and every index or constraint column that
// mentions it
func (m *ModelState) RenameField(oldName, newName string) error {
	i := m.FieldIndex(oldName)
	if i < 0 {
		return fmt.Errorf("field %s.%s: %w", m.Name, oldName, ErrFieldNotFound)
	}
	if m.FieldIndex(newName) >= 0 {
		return fmt.Errorf("field %s.%s: %w", m.Name, newName, ErrDuplicate)
	}
	m.Fields[i].Name = newName
	for x := range m.Indexes {
		replaceString(m.Indexes[x].Fields, oldName, newName)
	}
	for x := range m.Constraints {
		replaceString(m.Constraints[x].Fields, oldName, newName)
	}
	return nil
}

// Index returns the named index
func (m *ModelState) Index(name string) (IndexDefinition, bool) {
	for _, idx := range m.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDefinition{}, false
}

// AddIndex registers a new index
func (m *ModelState) AddIndex(idx IndexDefinition) error {
	if _, ok := m.Index(idx.Name); ok {
		return fmt.Errorf("index %s on %s: %w", idx.Name, m.Name, ErrDuplicate)
	}
	for _, f := range idx.Fields {
		if m.FieldIndex(f) < 0 {
			return fmt.Errorf("index %s references %s.%s: %w", idx.Name, m.Name, f, ErrFieldNotFound)
		}
	}
	m.Indexes = append(m.Indexes, idx.Clone())
	return nil
}

// RemoveIndex drops the named index and returns its definition
func (m *ModelState) RemoveIndex(name string) (IndexDefinition, error) {
	for i, idx := range m.Indexes {
		if idx.Name == name {
			m.Indexes = append(m.Indexes[:i], m.Indexes[i+1:]...)
			return idx, nil
		}
	}
	return IndexDefinition{}, fmt.Errorf("index %s on %s: %w", name, m.Name, ErrIndexNotFound)
}

// Constraint returns the named constraint
func (m *ModelState) Constraint(name string) (ConstraintDefinition, bool) {
	for _, c := range m.Constraints {
		if c.Name == name {
			return c, true
		}
	}
	return ConstraintDefinition{}, false
}

// AddConstraint registers a new constraint
func (m *ModelState) AddConstraint(c ConstraintDefinition) error {
	if _, ok := m.Constraint(c.Name); ok {
		return fmt.Errorf("constraint %s on %s: %w", c.Name, m.Name, ErrDuplicate)
	}
	m.Constraints = append(m.Constraints, c.Clone())
	return nil
}

// RemoveConstraint drops the named constraint and returns its definition
func (m *ModelState) RemoveConstraint(name string) (ConstraintDefinition, error) {
	for i, c := range m.Constraints {
		if c.Name == name {
			m.Constraints = append(m.Constraints[:i], m.Constraints[i+1:]...)
			return c, nil
		}
	}
	return ConstraintDefinition{}, fmt.Errorf("constraint %s on %s: %w", name, m.Name, ErrConstraintNotFound)
}

// ProjectState maps app scope -> model name -> model.
type ProjectState struct {
	models map[string]map[string]*ModelState
}

// New returns an empty project state
func New() *ProjectState {
	return &ProjectState{models: make(map[string]map[string]*ModelState)}
}

// FromModels builds a state from a list of models. Duplicate app/name pairs
// are rejected.
func FromModels(models ...*ModelState) (*ProjectState, error) {
	s := New()
	for _, m := range models {
		if err := s.AddModel(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Clone returns a deep copy of the state
func (s *ProjectState) Clone() *ProjectState {
	out := New()
	for app, models := range s.models {
		out.models[app] = make(map[string]*ModelState, len(models))
		for name, m := range models {
			out.models[app][name] = m.Clone()
		}
	}
	return out
}

// Equal compares two states model by model
func (s *ProjectState) Equal(o *ProjectState) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, m := range s.AllModels() {
		om, ok := o.Model(m.App, m.Name)
		if !ok || !m.Equal(om) {
			return false
		}
	}
	return true
}

// Len returns the number of models across all apps
func (s *ProjectState) Len() int {
	n := 0
	for _, models := range s.models {
		n += len(models)
	}
	return n
}

// Model returns the named model. The pointer is owned by the state.
func (s *ProjectState) Model(app, name string) (*ModelState, bool) {
	models, ok := s.models[app]
	if !ok {
		return nil, false
	}
	m, ok := models[name]
	return m, ok
}

// MustModel is Model returning ErrModelNotFound when absent
func (s *ProjectState) MustModel(app, name string) (*ModelState, error) {
	m, ok := s.Model(app, name)
	if !ok {
		return nil, fmt.Errorf("model %s.%s: %w", app, name, ErrModelNotFound)
	}
	return m, nil
}

// AddModel stores a copy of the model
func (s *ProjectState) AddModel(m *ModelState) error {
	if _, ok := s.Model(m.App, m.Name); ok {
		return fmt.Errorf("model %s.%s: %w", m.App, m.Name, ErrDuplicate)
	}
	if s.models[m.App] == nil {
		s.models[m.App] = make(map[string]*ModelState)
	}
	c := m.Clone()
	if c.Table == "" {
		c.Table = DefaultTable(c.App, c.Name)
	}
	s.models[m.App][m.Name] = c
	return nil
}

// RemoveModel deletes a model and returns it
func (s *ProjectState) RemoveModel(app, name string) (*ModelState, error) {
	m, err := s.MustModel(app, name)
	if err != nil {
		return nil, err
	}
	delete(s.models[app], name)
	if len(s.models[app]) == 0 {
		delete(s.models, app)
	}
	return m, nil
}

// RenameModel renames a model and patches every foreign key pointing at it.
// A model still using its default table follows the new name.
func (s *ProjectState) RenameModel(app, oldName, newName string) error {
	m, err := s.MustModel(app, oldName)
	if err != nil {
		return err
	}
	if _, ok := s.Model(app, newName); ok {
		return fmt.Errorf("model %s.%s: %w", app, newName, ErrDuplicate)
	}
	delete(s.models[app], oldName)
	m.Name = newName
	if m.Table == DefaultTable(app, oldName) {
		m.Table = DefaultTable(app, newName)
	}
	s.models[app][newName] = m

	for _, other := range s.AllModels() {
		for i := range other.Fields {
			fk := other.Fields[i].ForeignKey
			if fk != nil && fk.App == app && fk.Model == oldName {
				fk.Model = newName
			}
		}
	}
	return nil
}

// RenameFieldReferences patches foreign keys that target app.model.oldField
func (s *ProjectState) RenameFieldReferences(app, model, oldField, newField string) {
	for _, other := range s.AllModels() {
		for i := range other.Fields {
			fk := other.Fields[i].ForeignKey
			if fk != nil && fk.App == app && fk.Model == model && fk.Field == oldField {
				fk.Field = newField
			}
		}
	}
}

// Apps returns the app scopes in lexical order
func (s *ProjectState) Apps() []string {
	apps := make([]string, 0, len(s.models))
	for app := range s.models {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// ModelNames returns the model names of one app in lexical order
func (s *ProjectState) ModelNames(app string) []string {
	names := make([]string, 0, len(s.models[app]))
	for name := range s.models[app] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllModels returns every model ordered by (app, name)
func (s *ProjectState) AllModels() []*ModelState {
	var out []*ModelState
	for _, app := range s.Apps() {
		for _, name := range s.ModelNames(app) {
			out = append(out, s.models[app][name])
		}
	}
	return out
}

// ModelKeys returns "app.name" for every model in (app, name) order
func (s *ProjectState) ModelKeys() []string {
	models := s.AllModels()
	keys := make([]string, len(models))
	for i, m := range models {
		keys[i] = m.App + "." + m.Name
	}
	return keys
}

// Tables returns the table names of every model, sorted
func (s *ProjectState) Tables() []string {
	var tables []string
	for _, m := range s.AllModels() {
		tables = append(tables, m.Table)
	}
	sort.Strings(tables)
	return tables
}

// ReferencesTo returns the models holding a foreign key to app.name, in
// (app, name) order. Self references are included.
func (s *ProjectState) ReferencesTo(app, name string) []*ModelState {
	var out []*ModelState
	for _, m := range s.AllModels() {
		for _, f := range m.Fields {
			if f.ForeignKey != nil && f.ForeignKey.App == app && f.ForeignKey.Model == name {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// DuplicateTableError reports two models mapped onto the same table
type DuplicateTableError struct {
	Table  string
	Models []string
}

func (e *DuplicateTableError) Error() string {
	return fmt.Sprintf("table %q is claimed by more than one model: %s", e.Table, strings.Join(e.Models, ", "))
}

// ValidateTables fails when two models claim the same table name
func (s *ProjectState) ValidateTables() error {
	owners := make(map[string][]string)
	for _, m := range s.AllModels() {
		owners[m.Table] = append(owners[m.Table], m.App+"."+m.Name)
	}
	tables := make([]string, 0, len(owners))
	for t := range owners {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if len(owners[t]) > 1 {
			return &DuplicateTableError{Table: t, Models: owners[t]}
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func replaceString(list []string, from, to string) {
	for i := range list {
		if list[i] == from {
			list[i] = to
		}
	}
}
