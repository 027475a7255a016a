package dialect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// SQLite renders operations for SQLite 3.35 or later. ALTER TABLE there
// cannot change a column or its constraints, so those operations copy the
// table into a new definition.
type SQLite struct {
	w sqlWriter
}

// NewSQLite creates a SQLite renderer
func NewSQLite() *SQLite {
	return &SQLite{w: sqlWriter{quote: pq.QuoteIdentifier, columnType: sqliteType}}
}

func (r *SQLite) Dialect() state.Dialect        { return state.DialectSQLite }
func (r *SQLite) SupportsTransactionalDDL() bool { return true }

// SQLState returns the extended result code of a sqlite error
func (r *SQLite) SQLState(err error) string {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return strconv.Itoa(int(sqlErr.ExtendedCode))
	}
	return ""
}

func (r *SQLite) Render(op migrations.Operation, app string, s *state.ProjectState) ([]string, error) {
	q := r.w.quote
	switch o := op.(type) {
	case *migrations.CreateModel:
		next, err := after(op, app, s)
		if err != nil {
			return nil, err
		}
		m, err := model(next, app, o.Name)
		if err != nil {
			return nil, err
		}
		create, err := r.w.createTable(m, next)
		if err != nil {
			return nil, err
		}
		out := []string{create}
		for _, idx := range m.Indexes {
			out = append(out, r.w.createIndex(m.Table, idx))
		}
		return out, nil

	case *migrations.DeleteModel:
		m, err := model(s, app, o.Name)
		if err != nil {
			return nil, err
		}
		return []string{"DROP TABLE " + q(m.Table)}, nil

	case *migrations.RenameModel:
		old, err := model(s, app, o.OldName)
		if err != nil {
			return nil, err
		}
		next, err := after(op, app, s)
		if err != nil {
			return nil, err
		}
		m, err := model(next, app, o.NewName)
		if err != nil {
			return nil, err
		}
		if old.Table == m.Table {
			return nil, nil
		}
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q(old.Table), q(m.Table))}, nil

	case *migrations.AddField:
		f := o.Field
		simple := !f.PrimaryKey && !f.Unique && f.ForeignKey == nil && (f.Nullable || f.Default != nil)
		if !simple {
			return r.rebuild(op, app, o.Model, s)
		}
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", q(m.Table), r.w.column(f))}, nil

	case *migrations.RemoveField:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		f, err := field(m, o.Name)
		if err != nil {
			return nil, err
		}
		if f.PrimaryKey || f.Unique || f.ForeignKey != nil {
			return r.rebuild(op, app, o.Model, s)
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", q(m.Table), q(o.Name))}, nil

	case *migrations.AlterField:
		return r.rebuild(op, app, o.Model, s)

	case *migrations.RenameField:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", q(m.Table), q(o.OldName), q(o.NewName))}, nil

	case *migrations.CreateIndex:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{r.w.createIndex(m.Table, o.Index)}, nil

	case *migrations.DropIndex:
		return []string{"DROP INDEX " + q(o.Name)}, nil

	case *migrations.AddConstraint:
		return r.rebuild(op, app, o.Model, s)

	case *migrations.DropConstraint:
		return r.rebuild(op, app, o.Model, s)

	case *migrations.RunSQL:
		return o.SQL, nil

	case *migrations.RunCode:
		return nil, fmt.Errorf("code operation %q has no SQL form", o.Name)

	case *migrations.CreateExtension, *migrations.DropExtension,
		*migrations.CreateCollation, *migrations.DropCollation:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported operation %T", op)
}

// rebuild copies the model's table into a table with the definition the
// model has after op, then swaps the two and recreates the indexes.
func (r *SQLite) rebuild(op migrations.Operation, app, name string, s *state.ProjectState) ([]string, error) {
	q := r.w.quote
	old, err := model(s, app, name)
	if err != nil {
		return nil, err
	}
	next, err := after(op, app, s)
	if err != nil {
		return nil, err
	}
	m, err := model(next, app, name)
	if err != nil {
		return nil, err
	}

	tmp := ident("new", m.Table)
	create, err := r.w.createTableNamed(tmp, m, next)
	if err != nil {
		return nil, err
	}

	var cols, exprs []string
	for _, f := range m.Fields {
		of, ok := old.Field(f.Name)
		if !ok {
			// new columns take their default
			continue
		}
		cols = append(cols, q(f.Name))
		expr := q(f.Name)
		if of.Nullable && !f.Nullable && f.Default != nil {
			expr = fmt.Sprintf("coalesce(%s, %s)", expr, *f.Default)
		}
		exprs = append(exprs, expr)
	}

	out := []string{create}
	if len(cols) > 0 {
		out = append(out, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			q(tmp), strings.Join(cols, ", "), strings.Join(exprs, ", "), q(old.Table)))
	}
	out = append(out,
		"DROP TABLE "+q(old.Table),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q(tmp), q(m.Table)),
	)
	for _, idx := range m.Indexes {
		out = append(out, r.w.createIndex(m.Table, idx))
	}
	return out, nil
}

func sqliteType(f state.FieldState) string {
	t := state.ParseType(f.Type)
	switch t.Base {
	case "integer", "bigint", "smallint", "serial", "bigserial":
		return "integer"
	case "varchar", "char":
		if len(t.Args) == 1 {
			return t.String()
		}
		return "varchar"
	case "text", "uuid", "json":
		return "text"
	case "boolean":
		return "boolean"
	case "timestamp":
		return "datetime"
	case "date":
		return "date"
	case "time":
		return "time"
	case "float", "double":
		return "real"
	case "decimal":
		return "decimal"
	case "bytes":
		return "blob"
	}
	return f.Type
}

// sqliteLocks holds one mutex per lock name for the whole process
var sqliteLocks sync.Map

// SQLiteLock serializes runs inside one process. SQLite's own file locking
// covers writers in other processes.
type SQLiteLock struct {
	mu *sync.Mutex
}

// NewSQLiteLock returns the process-wide lock called name
func NewSQLiteLock(name string) *SQLiteLock {
	mu, _ := sqliteLocks.LoadOrStore(name, &sync.Mutex{})
	return &SQLiteLock{mu: mu.(*sync.Mutex)}
}

// Acquire takes the lock without waiting
func (l *SQLiteLock) Acquire(ctx context.Context, _ *gorm.DB) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire sqlite lock: %w", err)
	}
	if !l.mu.TryLock() {
		return fmt.Errorf("another run holds the sqlite lock: %w", migrations.ErrLockUnavailable)
	}
	return nil
}

// Release frees the lock
func (l *SQLiteLock) Release(context.Context, *gorm.DB) error {
	l.mu.Unlock()
	return nil
}
