package dialect

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Postgres renders operations for PostgreSQL. DDL is transactional.
type Postgres struct {
	w sqlWriter
}

// NewPostgres creates a PostgreSQL renderer
func NewPostgres() *Postgres {
	return &Postgres{w: sqlWriter{quote: pq.QuoteIdentifier, columnType: postgresType}}
}

func (p *Postgres) Dialect() state.Dialect        { return state.DialectPostgres }
func (p *Postgres) SupportsTransactionalDDL() bool { return true }

// SQLState returns the five character SQLSTATE of a server error from either
// pgx or lib/pq, or "" for any other error.
func (p *Postgres) SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// Render returns the statements that apply op to a database whose schema
// matches s.
func (p *Postgres) Render(op migrations.Operation, app string, s *state.ProjectState) ([]string, error) {
	q := p.w.quote
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
		create, err := p.w.createTable(m, next)
		if err != nil {
			return nil, err
		}
		out := []string{create}
		for _, idx := range m.Indexes {
			out = append(out, p.w.createIndex(m.Table, idx))
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
		out := []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q(old.Table), q(m.Table))}
		rename := func(from, to string) {
			out = append(out, fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s", q(m.Table), q(from), q(to)))
		}
		if len(primaryKey(m)) > 0 {
			rename(pkeyName(old.Table), pkeyName(m.Table))
		}
		for _, f := range m.Fields {
			if f.Unique && !f.PrimaryKey {
				rename(uniqueName(old.Table, f.Name), uniqueName(m.Table, f.Name))
			}
			if f.ForeignKey != nil {
				rename(foreignKeyName(old.Table, f.Name), foreignKeyName(m.Table, f.Name))
			}
		}
		return out, nil

	case *migrations.AddField:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		next, err := after(op, app, s)
		if err != nil {
			return nil, err
		}
		nm, err := model(next, app, o.Model)
		if err != nil {
			return nil, err
		}
		f := o.Field
		out := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", q(m.Table), p.w.column(f))}
		if f.PrimaryKey {
			out = append(out, p.replacePrimaryKey(m, nm)...)
		}
		if f.Unique && !f.PrimaryKey {
			out = append(out, p.addUnique(m.Table, f.Name))
		}
		if f.ForeignKey != nil {
			clause, err := p.w.foreignKey(nm, f, next)
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ADD %s", q(m.Table), clause))
		}
		return out, nil

	case *migrations.RemoveField:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", q(m.Table), q(o.Name))}, nil

	case *migrations.AlterField:
		return p.alterField(o, app, s)

	case *migrations.RenameField:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		f, err := field(m, o.OldName)
		if err != nil {
			return nil, err
		}
		out := []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", q(m.Table), q(o.OldName), q(o.NewName))}
		if f.Unique && !f.PrimaryKey {
			out = append(out, fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s",
				q(m.Table), q(uniqueName(m.Table, o.OldName)), q(uniqueName(m.Table, o.NewName))))
		}
		if f.ForeignKey != nil {
			out = append(out, fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s",
				q(m.Table), q(foreignKeyName(m.Table, o.OldName)), q(foreignKeyName(m.Table, o.NewName))))
		}
		return out, nil

	case *migrations.CreateIndex:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{p.w.createIndex(m.Table, o.Index)}, nil

	case *migrations.DropIndex:
		return []string{"DROP INDEX " + q(o.Name)}, nil

	case *migrations.AddConstraint:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s", q(m.Table), p.w.constraint(o.Constraint))}, nil

	case *migrations.DropConstraint:
		m, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", q(m.Table), q(o.Name))}, nil

	case *migrations.RunSQL:
		return o.SQL, nil

	case *migrations.RunCode:
		return nil, fmt.Errorf("code operation %q has no SQL form", o.Name)

	case *migrations.CreateExtension:
		return []string{"CREATE EXTENSION IF NOT EXISTS " + q(o.Name)}, nil

	case *migrations.DropExtension:
		return []string{"DROP EXTENSION IF EXISTS " + q(o.Name)}, nil

	case *migrations.CreateCollation:
		opts := []string{"locale = " + pq.QuoteLiteral(o.Locale)}
		if o.Provider != "" {
			opts = append([]string{"provider = " + o.Provider}, opts...)
		}
		if !o.Deterministic {
			opts = append(opts, "deterministic = false")
		}
		return []string{fmt.Sprintf("CREATE COLLATION %s (%s)", q(o.Name), strings.Join(opts, ", "))}, nil

	case *migrations.DropCollation:
		return []string{"DROP COLLATION IF EXISTS " + q(o.Name)}, nil
	}
	return nil, fmt.Errorf("unsupported operation %T", op)
}

func (p *Postgres) alterField(o *migrations.AlterField, app string, s *state.ProjectState) ([]string, error) {
	q := p.w.quote
	m, err := model(s, app, o.Model)
	if err != nil {
		return nil, err
	}
	old, err := field(m, o.Field.Name)
	if err != nil {
		return nil, err
	}
	next, err := after(o, app, s)
	if err != nil {
		return nil, err
	}
	nm, err := model(next, app, o.Model)
	if err != nil {
		return nil, err
	}
	f := o.Field
	table, col := q(m.Table), q(f.Name)
	alter := func(clause string) string {
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", table, col, clause)
	}

	var out []string
	refChanged := !sameReference(old.ForeignKey, f.ForeignKey)
	if refChanged && old.ForeignKey != nil {
		out = append(out, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table, q(foreignKeyName(m.Table, f.Name))))
	}
	if old.Unique && !old.PrimaryKey && (!f.Unique || f.PrimaryKey) {
		out = append(out, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table, q(uniqueName(m.Table, f.Name))))
	}
	if !sameType(old.Type, f.Type) {
		typ := postgresType(f)
		out = append(out, alter(fmt.Sprintf("TYPE %s USING %s::%s", typ, col, typ)))
	}
	if old.Nullable != f.Nullable {
		if f.Nullable {
			out = append(out, alter("DROP NOT NULL"))
		} else {
			out = append(out, alter("SET NOT NULL"))
		}
	}
	if !sameDefault(old.Default, f.Default) {
		if f.Default == nil {
			out = append(out, alter("DROP DEFAULT"))
		} else {
			out = append(out, alter("SET DEFAULT "+*f.Default))
		}
	}
	if old.PrimaryKey != f.PrimaryKey {
		out = append(out, p.replacePrimaryKey(m, nm)...)
	}
	if f.Unique && !f.PrimaryKey && (!old.Unique || old.PrimaryKey) {
		out = append(out, p.addUnique(m.Table, f.Name))
	}
	if refChanged && f.ForeignKey != nil {
		clause, err := p.w.foreignKey(nm, f, next)
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("ALTER TABLE %s ADD %s", table, clause))
	}
	return out, nil
}

func (p *Postgres) replacePrimaryKey(old, next *state.ModelState) []string {
	q := p.w.quote
	var out []string
	if len(primaryKey(old)) > 0 {
		out = append(out, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", q(old.Table), q(pkeyName(old.Table))))
	}
	if pk := primaryKey(next); len(pk) > 0 {
		out = append(out, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)", q(next.Table), q(pkeyName(next.Table)), p.w.columnList(pk)))
	}
	return out
}

func (p *Postgres) addUnique(table, column string) string {
	q := p.w.quote
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)", q(table), q(uniqueName(table, column)), q(column))
}

func postgresType(f state.FieldState) string {
	t := state.ParseType(f.Type)
	switch t.Base {
	case "integer":
		return "integer"
	case "bigint":
		return "bigint"
	case "smallint":
		return "smallint"
	case "serial":
		return "serial"
	case "bigserial":
		return "bigserial"
	case "varchar", "char":
		if len(t.Args) == 1 {
			return t.String()
		}
		if t.Base == "char" {
			return "char(1)"
		}
		return "varchar"
	case "text":
		return "text"
	case "boolean":
		return "boolean"
	case "timestamp":
		return "timestamp with time zone"
	case "date":
		return "date"
	case "time":
		return "time"
	case "float":
		return "real"
	case "double":
		return "double precision"
	case "decimal":
		if len(t.Args) > 0 {
			return "numeric" + t.String()[len("decimal"):]
		}
		return "numeric"
	case "uuid":
		return "uuid"
	case "json":
		return "jsonb"
	case "bytes":
		return "bytea"
	}
	return f.Type
}

// PostgresLock is a session-level advisory lock. It must be acquired and
// released on the same connection.
type PostgresLock struct {
	key int64
}

// NewPostgresLock derives the advisory lock id from name
func NewPostgresLock(name string) *PostgresLock {
	return &PostgresLock{key: hashLockKey(name)}
}

// Acquire takes the lock without waiting
func (l *PostgresLock) Acquire(ctx context.Context, conn *gorm.DB) error {
	var ok bool
	if err := conn.WithContext(ctx).Raw("SELECT pg_try_advisory_lock(?)", l.key).Scan(&ok).Error; err != nil {
		return fmt.Errorf("pg_try_advisory_lock(%d): %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("advisory lock %d is held by another session: %w", l.key, migrations.ErrLockUnavailable)
	}
	return nil
}

// Release drops the lock
func (l *PostgresLock) Release(ctx context.Context, conn *gorm.DB) error {
	var ok bool
	if err := conn.WithContext(ctx).Raw("SELECT pg_advisory_unlock(?)", l.key).Scan(&ok).Error; err != nil {
		return fmt.Errorf("pg_advisory_unlock(%d): %w", l.key, err)
	}
	return nil
}

// hashLockKey maps a lock name onto the positive int64 range with FNV-1a
func hashLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
