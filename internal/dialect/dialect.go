// Package dialect renders migration operations as SQL for each supported
// backend and provides the run lock and error classification that go with it.
package dialect

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/state"
)

// maxIdentifier is the shortest identifier limit among supported backends
// (postgres truncates at 63 bytes, mysql rejects names over 64).
const maxIdentifier = 63

// DefaultLockKey is used when the configuration does not name one
const DefaultLockKey = "schemaflow"

// New returns the renderer for d
func New(d state.Dialect) (migrations.Renderer, error) {
	switch d {
	case state.DialectPostgres:
		return NewPostgres(), nil
	case state.DialectMySQL:
		return NewMySQL(), nil
	case state.DialectSQLite:
		return NewSQLite(), nil
	}
	return nil, fmt.Errorf("unsupported dialect %q", d)
}

// NewLocker returns the run lock for d. key names the lock so unrelated
// projects sharing a server do not block each other.
func NewLocker(d state.Dialect, key string) (migrations.Locker, error) {
	if key == "" {
		key = DefaultLockKey
	}
	switch d {
	case state.DialectPostgres:
		return NewPostgresLock(key), nil
	case state.DialectMySQL:
		return NewMySQLLock(key), nil
	case state.DialectSQLite:
		return NewSQLiteLock(key), nil
	}
	return nil, fmt.Errorf("unsupported dialect %q", d)
}

// ident joins parts into an identifier that fits every backend. Long names
// keep a readable prefix and end in a hash of the full name.
func ident(parts ...string) string {
	name := strings.Join(parts, "_")
	if len(name) <= maxIdentifier {
		return name
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%s_%08x", name[:maxIdentifier-9], h.Sum32())
}

func pkeyName(table string) string              { return ident(table, "pkey") }
func uniqueName(table, column string) string    { return ident(table, column, "key") }
func foreignKeyName(table, column string) string { return ident(table, column, "fk") }

// sqlWriter holds the pieces of DDL that look the same on every backend
// once quoting and type names are plugged in.
type sqlWriter struct {
	quote      func(string) string
	columnType func(state.FieldState) string
}

func (w sqlWriter) columnList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = w.quote(n)
	}
	return strings.Join(quoted, ", ")
}

// column renders a column definition without key or reference clauses
func (w sqlWriter) column(f state.FieldState) string {
	var b strings.Builder
	b.WriteString(w.quote(f.Name))
	b.WriteString(" ")
	b.WriteString(w.columnType(f))
	if !f.Nullable {
		b.WriteString(" NOT NULL")
	}
	if f.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*f.Default)
	}
	return b.String()
}

// tableConstraints renders the key, uniqueness, reference and declared
// constraints of m as table-level clauses.
func (w sqlWriter) tableConstraints(m *state.ModelState, s *state.ProjectState) ([]string, error) {
	var out []string
	if pk := primaryKey(m); len(pk) > 0 {
		out = append(out, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)", w.quote(pkeyName(m.Table)), w.columnList(pk)))
	}
	for _, f := range m.Fields {
		if f.Unique && !f.PrimaryKey {
			out = append(out, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)", w.quote(uniqueName(m.Table, f.Name)), w.quote(f.Name)))
		}
	}
	for _, f := range m.Fields {
		if f.ForeignKey == nil {
			continue
		}
		clause, err := w.foreignKey(m, f, s)
		if err != nil {
			return nil, err
		}
		out = append(out, clause)
	}
	for _, c := range m.Constraints {
		out = append(out, w.constraint(c))
	}
	return out, nil
}

func (w sqlWriter) createTable(m *state.ModelState, s *state.ProjectState) (string, error) {
	return w.createTableNamed(m.Table, m, s)
}

func (w sqlWriter) createTableNamed(table string, m *state.ModelState, s *state.ProjectState) (string, error) {
	if len(m.Fields) == 0 {
		return "", fmt.Errorf("model %s.%s has no fields", m.App, m.Name)
	}
	lines := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		lines = append(lines, w.column(f))
	}
	constraints, err := w.tableConstraints(m, s)
	if err != nil {
		return "", err
	}
	lines = append(lines, constraints...)
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", w.quote(table), strings.Join(lines, ",\n    ")), nil
}

func (w sqlWriter) foreignKey(m *state.ModelState, f state.FieldState, s *state.ProjectState) (string, error) {
	table, column, err := referenceTarget(m, f, s)
	if err != nil {
		return "", err
	}
	clause := fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		w.quote(foreignKeyName(m.Table, f.Name)), w.quote(f.Name), w.quote(table), w.quote(column))
	if action := onDelete(f.ForeignKey.OnDelete); action != "" {
		clause += " ON DELETE " + action
	}
	return clause, nil
}

func (w sqlWriter) constraint(c state.ConstraintDefinition) string {
	if c.Kind == state.ConstraintCheck {
		return fmt.Sprintf("CONSTRAINT %s CHECK (%s)", w.quote(c.Name), c.Check)
	}
	return fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)", w.quote(c.Name), w.columnList(c.Fields))
}

func (w sqlWriter) createIndex(table string, idx state.IndexDefinition) string {
	kw := "INDEX"
	if idx.Unique {
		kw = "UNIQUE INDEX"
	}
	stmt := fmt.Sprintf("CREATE %s %s ON %s (%s)", kw, w.quote(idx.Name), w.quote(table), w.columnList(idx.Fields))
	if idx.Where != "" {
		stmt += " WHERE " + idx.Where
	}
	return stmt
}

func primaryKey(m *state.ModelState) []string {
	var out []string
	for _, f := range m.Fields {
		if f.PrimaryKey {
			out = append(out, f.Name)
		}
	}
	return out
}

// referenceTarget resolves the table and column a foreign key points at. An
// empty target field means the target's primary key.
func referenceTarget(m *state.ModelState, f state.FieldState, s *state.ProjectState) (string, string, error) {
	fk := f.ForeignKey
	target := m
	if fk.App != m.App || fk.Model != m.Name {
		t, ok := s.Model(fk.App, fk.Model)
		if !ok {
			return "", "", fmt.Errorf("field %s.%s references %s.%s: %w", m.Name, f.Name, fk.App, fk.Model, state.ErrModelNotFound)
		}
		target = t
	}
	if fk.Field != "" {
		return target.Table, fk.Field, nil
	}
	pk := primaryKey(target)
	if len(pk) != 1 {
		return "", "", fmt.Errorf("field %s.%s references %s.%s which has no single-column primary key", m.Name, f.Name, fk.App, fk.Model)
	}
	return target.Table, pk[0], nil
}

func onDelete(action string) string {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(action), "_", " ")) {
	case "cascade":
		return "CASCADE"
	case "set null":
		return "SET NULL"
	case "set default":
		return "SET DEFAULT"
	case "restrict":
		return "RESTRICT"
	case "no action":
		return "NO ACTION"
	}
	return ""
}

// after returns the state that results from applying op to s
func after(op migrations.Operation, app string, s *state.ProjectState) (*state.ProjectState, error) {
	next := s.Clone()
	if err := op.StateForward(app, next); err != nil {
		return nil, err
	}
	return next, nil
}

func model(s *state.ProjectState, app, name string) (*state.ModelState, error) {
	m, ok := s.Model(app, name)
	if !ok {
		return nil, fmt.Errorf("model %s.%s: %w", app, name, state.ErrModelNotFound)
	}
	return m, nil
}

func field(m *state.ModelState, name string) (state.FieldState, error) {
	f, ok := m.Field(name)
	if !ok {
		return state.FieldState{}, fmt.Errorf("field %s.%s: %w", m.Name, name, state.ErrFieldNotFound)
	}
	return f, nil
}

func sameReference(a, b *state.ForeignKeyRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameType(a, b string) bool {
	return state.ParseType(a).String() == state.ParseType(b).String()
}

func sameDefault(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
