package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/state"
	"gorm.io/gorm"
)

// MySQL renders operations for MySQL 8. Every DDL statement commits
// implicitly, so migrations never run inside a transaction.
type MySQL struct {
	w sqlWriter
}

// NewMySQL creates a MySQL renderer
func NewMySQL() *MySQL {
	return &MySQL{w: sqlWriter{quote: quoteBacktick, columnType: mysqlType}}
}

func (m *MySQL) Dialect() state.Dialect        { return state.DialectMySQL }
func (m *MySQL) SupportsTransactionalDDL() bool { return false }

// SQLState returns the SQLSTATE of a server error, falling back to the
// numeric error code when the server did not send one.
func (m *MySQL) SQLState(err error) string {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return ""
	}
	if myErr.SQLState != [5]byte{} {
		return string(myErr.SQLState[:])
	}
	return strconv.Itoa(int(myErr.Number))
}

func (m *MySQL) Render(op migrations.Operation, app string, s *state.ProjectState) ([]string, error) {
	q := m.w.quote
	switch o := op.(type) {
	case *migrations.CreateModel:
		next, err := after(op, app, s)
		if err != nil {
			return nil, err
		}
		ms, err := model(next, app, o.Name)
		if err != nil {
			return nil, err
		}
		if err := m.checkIndexes(ms.Indexes...); err != nil {
			return nil, err
		}
		create, err := m.w.createTable(ms, next)
		if err != nil {
			return nil, err
		}
		out := []string{create}
		for _, idx := range ms.Indexes {
			out = append(out, m.w.createIndex(ms.Table, idx))
		}
		return out, nil

	case *migrations.DeleteModel:
		ms, err := model(s, app, o.Name)
		if err != nil {
			return nil, err
		}
		return []string{"DROP TABLE " + q(ms.Table)}, nil

	case *migrations.RenameModel:
		old, err := model(s, app, o.OldName)
		if err != nil {
			return nil, err
		}
		next, err := after(op, app, s)
		if err != nil {
			return nil, err
		}
		ms, err := model(next, app, o.NewName)
		if err != nil {
			return nil, err
		}
		if old.Table == ms.Table {
			return nil, nil
		}
		// foreign key names are schema-wide and cannot be renamed in place
		var out []string
		for _, f := range old.Fields {
			if f.ForeignKey != nil {
				out = append(out, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", q(old.Table), q(foreignKeyName(old.Table, f.Name))))
			}
		}
		out = append(out, fmt.Sprintf("RENAME TABLE %s TO %s", q(old.Table), q(ms.Table)))
		for _, f := range ms.Fields {
			if f.Unique && !f.PrimaryKey {
				out = append(out, fmt.Sprintf("ALTER TABLE %s RENAME INDEX %s TO %s",
					q(ms.Table), q(uniqueName(old.Table, f.Name)), q(uniqueName(ms.Table, f.Name))))
			}
		}
		for _, f := range ms.Fields {
			if f.ForeignKey == nil {
				continue
			}
			clause, err := m.w.foreignKey(ms, f, next)
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ADD %s", q(ms.Table), clause))
		}
		return out, nil

	case *migrations.AddField:
		ms, err := model(s, app, o.Model)
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
		out := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", q(ms.Table), m.w.column(f))}
		if f.PrimaryKey {
			out = append(out, m.replacePrimaryKey(ms, nm))
		}
		if f.Unique && !f.PrimaryKey {
			out = append(out, m.addUnique(ms.Table, f.Name))
		}
		if f.ForeignKey != nil {
			clause, err := m.w.foreignKey(nm, f, next)
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ADD %s", q(ms.Table), clause))
		}
		return out, nil

	case *migrations.RemoveField:
		ms, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		f, err := field(ms, o.Name)
		if err != nil {
			return nil, err
		}
		var out []string
		if f.ForeignKey != nil {
			out = append(out, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", q(ms.Table), q(foreignKeyName(ms.Table, f.Name))))
		}
		return append(out, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", q(ms.Table), q(o.Name))), nil

	case *migrations.AlterField:
		return m.alterField(o, app, s)

	case *migrations.RenameField:
		ms, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		f, err := field(ms, o.OldName)
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
		var out []string
		if f.ForeignKey != nil {
			out = append(out, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", q(ms.Table), q(foreignKeyName(ms.Table, o.OldName))))
		}
		out = append(out, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", q(ms.Table), q(o.OldName), q(o.NewName)))
		if f.Unique && !f.PrimaryKey {
			out = append(out, fmt.Sprintf("ALTER TABLE %s RENAME INDEX %s TO %s",
				q(ms.Table), q(uniqueName(ms.Table, o.OldName)), q(uniqueName(ms.Table, o.NewName))))
		}
		if f.ForeignKey != nil {
			nf, err := field(nm, o.NewName)
			if err != nil {
				return nil, err
			}
			clause, err := m.w.foreignKey(nm, nf, next)
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ADD %s", q(ms.Table), clause))
		}
		return out, nil

	case *migrations.CreateIndex:
		ms, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		if err := m.checkIndexes(o.Index); err != nil {
			return nil, err
		}
		return []string{m.w.createIndex(ms.Table, o.Index)}, nil

	case *migrations.DropIndex:
		ms, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("DROP INDEX %s ON %s", q(o.Name), q(ms.Table))}, nil

	case *migrations.AddConstraint:
		ms, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s", q(ms.Table), m.w.constraint(o.Constraint))}, nil

	case *migrations.DropConstraint:
		ms, err := model(s, app, o.Model)
		if err != nil {
			return nil, err
		}
		c, ok := ms.Constraint(o.Name)
		if !ok {
			return nil, fmt.Errorf("constraint %s on %s: %w", o.Name, ms.Name, state.ErrConstraintNotFound)
		}
		if c.Kind == state.ConstraintCheck {
			return []string{fmt.Sprintf("ALTER TABLE %s DROP CHECK %s", q(ms.Table), q(o.Name))}, nil
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP INDEX %s", q(ms.Table), q(o.Name))}, nil

	case *migrations.RunSQL:
		return o.SQL, nil

	case *migrations.RunCode:
		return nil, fmt.Errorf("code operation %q has no SQL form", o.Name)

	case *migrations.CreateExtension, *migrations.DropExtension,
		*migrations.CreateCollation, *migrations.DropCollation:
		// postgres-only; no effect on MySQL
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported operation %T", op)
}

func (m *MySQL) alterField(o *migrations.AlterField, app string, s *state.ProjectState) ([]string, error) {
	q := m.w.quote
	ms, err := model(s, app, o.Model)
	if err != nil {
		return nil, err
	}
	old, err := field(ms, o.Field.Name)
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
	table := q(ms.Table)

	var out []string
	refChanged := !sameReference(old.ForeignKey, f.ForeignKey)
	if refChanged && old.ForeignKey != nil {
		out = append(out, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", table, q(foreignKeyName(ms.Table, f.Name))))
	}
	if old.Unique && !old.PrimaryKey && (!f.Unique || f.PrimaryKey) {
		out = append(out, fmt.Sprintf("ALTER TABLE %s DROP INDEX %s", table, q(uniqueName(ms.Table, f.Name))))
	}
	if !sameType(old.Type, f.Type) || old.Nullable != f.Nullable || !sameDefault(old.Default, f.Default) {
		out = append(out, fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", table, m.w.column(f)))
	}
	if old.PrimaryKey != f.PrimaryKey {
		out = append(out, m.replacePrimaryKey(ms, nm))
	}
	if f.Unique && !f.PrimaryKey && (!old.Unique || old.PrimaryKey) {
		out = append(out, m.addUnique(ms.Table, f.Name))
	}
	if refChanged && f.ForeignKey != nil {
		clause, err := m.w.foreignKey(nm, f, next)
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("ALTER TABLE %s ADD %s", table, clause))
	}
	return out, nil
}

func (m *MySQL) replacePrimaryKey(old, next *state.ModelState) string {
	var clauses []string
	if len(primaryKey(old)) > 0 {
		clauses = append(clauses, "DROP PRIMARY KEY")
	}
	if pk := primaryKey(next); len(pk) > 0 {
		clauses = append(clauses, fmt.Sprintf("ADD PRIMARY KEY (%s)", m.w.columnList(pk)))
	}
	return fmt.Sprintf("ALTER TABLE %s %s", m.w.quote(next.Table), strings.Join(clauses, ", "))
}

func (m *MySQL) addUnique(table, column string) string {
	q := m.w.quote
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)", q(table), q(uniqueName(table, column)), q(column))
}

func (m *MySQL) checkIndexes(idxs ...state.IndexDefinition) error {
	for _, idx := range idxs {
		if idx.Where != "" {
			return fmt.Errorf("index %s: partial indexes are not supported by mysql", idx.Name)
		}
	}
	return nil
}

func quoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func mysqlType(f state.FieldState) string {
	t := state.ParseType(f.Type)
	switch t.Base {
	case "integer":
		return "INT"
	case "bigint":
		return "BIGINT"
	case "smallint":
		return "SMALLINT"
	case "serial":
		return "INT AUTO_INCREMENT"
	case "bigserial":
		return "BIGINT AUTO_INCREMENT"
	case "varchar":
		if len(t.Args) == 1 {
			return fmt.Sprintf("VARCHAR(%d)", t.Args[0])
		}
		return "VARCHAR(255)"
	case "char":
		if len(t.Args) == 1 {
			return fmt.Sprintf("CHAR(%d)", t.Args[0])
		}
		return "CHAR(1)"
	case "text":
		return "LONGTEXT"
	case "boolean":
		return "TINYINT(1)"
	case "timestamp":
		return "DATETIME(6)"
	case "date":
		return "DATE"
	case "time":
		return "TIME(6)"
	case "float":
		return "FLOAT"
	case "double":
		return "DOUBLE"
	case "decimal":
		if len(t.Args) == 2 {
			return fmt.Sprintf("DECIMAL(%d,%d)", t.Args[0], t.Args[1])
		}
		if len(t.Args) == 1 {
			return fmt.Sprintf("DECIMAL(%d)", t.Args[0])
		}
		return "DECIMAL(10,0)"
	case "uuid":
		return "CHAR(36)"
	case "json":
		return "JSON"
	case "bytes":
		return "LONGBLOB"
	}
	return f.Type
}

// MySQLLock is a named user lock. GET_LOCK locks belong to the session, so
// the lock must be released on the connection that took it.
type MySQLLock struct {
	name string
}

// NewMySQLLock creates a lock called name
func NewMySQLLock(name string) *MySQLLock {
	return &MySQLLock{name: name}
}

// Acquire takes the lock with a zero timeout
func (l *MySQLLock) Acquire(ctx context.Context, conn *gorm.DB) error {
	var got sql.NullInt64
	if err := conn.WithContext(ctx).Raw("SELECT GET_LOCK(?, 0)", l.name).Scan(&got).Error; err != nil {
		return fmt.Errorf("GET_LOCK(%s): %w", l.name, err)
	}
	if !got.Valid || got.Int64 != 1 {
		return fmt.Errorf("lock %s is held by another session: %w", l.name, migrations.ErrLockUnavailable)
	}
	return nil
}

// Release frees the lock
func (l *MySQLLock) Release(ctx context.Context, conn *gorm.DB) error {
	var released sql.NullInt64
	if err := conn.WithContext(ctx).Raw("SELECT RELEASE_LOCK(?)", l.name).Scan(&released).Error; err != nil {
		return fmt.Errorf("RELEASE_LOCK(%s): %w", l.name, err)
	}
	return nil
}
