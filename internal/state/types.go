package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect names a SQL backend
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// Valid reports whether the dialect is one the engine can render for
func (d Dialect) Valid() bool {
	switch d {
	case DialectPostgres, DialectMySQL, DialectSQLite:
		return true
	}
	return false
}

// ChangeKind classifies an AlterField by how risky it is to apply to a table
// that already holds data.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	// ChangeSafe covers widening and metadata-only changes
	ChangeSafe
	// ChangeNarrowing may fail or truncate existing rows
	ChangeNarrowing
	// ChangeIncompatible converts between unrelated type families
	ChangeIncompatible
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangeSafe:
		return "safe"
	case ChangeNarrowing:
		return "narrowing"
	case ChangeIncompatible:
		return "incompatible"
	default:
		return "unknown"
	}
}

// Risky reports whether the change deserves an operator warning
func (k ChangeKind) Risky() bool {
	return k >= ChangeNarrowing
}

// TypeTag is a parsed field type such as varchar(255) or decimal(10,2)
type TypeTag struct {
	Base string
	Args []int
}

// ParseType splits a type tag into its base name and numeric arguments.
// Unknown tags are returned with their base lowercased and no arguments.
func ParseType(tag string) TypeTag {
	tag = strings.ToLower(strings.TrimSpace(tag))
	open := strings.IndexByte(tag, '(')
	if open < 0 || !strings.HasSuffix(tag, ")") {
		return TypeTag{Base: normalizeBase(tag)}
	}
	t := TypeTag{Base: normalizeBase(strings.TrimSpace(tag[:open]))}
	for _, part := range strings.Split(tag[open+1:len(tag)-1], ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return TypeTag{Base: tag}
		}
		t.Args = append(t.Args, n)
	}
	return t
}

func (t TypeTag) String() string {
	if len(t.Args) == 0 {
		return t.Base
	}
	parts := make([]string, len(t.Args))
	for i, a := range t.Args {
		parts[i] = strconv.Itoa(a)
	}
	return fmt.Sprintf("%s(%s)", t.Base, strings.Join(parts, ","))
}

func normalizeBase(b string) string {
	switch b {
	case "int", "int4":
		return "integer"
	case "int8":
		return "bigint"
	case "int2":
		return "smallint"
	case "bool":
		return "boolean"
	case "real", "float4":
		return "float"
	case "float8", "double precision":
		return "double"
	case "numeric":
		return "decimal"
	case "character varying", "string":
		return "varchar"
	case "datetime", "timestamptz":
		return "timestamp"
	case "bytea", "blob":
		return "bytes"
	case "jsonb":
		return "json"
	}
	return b
}

var integerRank = map[string]int{"smallint": 1, "integer": 2, "serial": 2, "bigint": 3, "bigserial": 3}
var floatRank = map[string]int{"float": 1, "double": 2}

// ClassifyChange compares two definitions of the same field. Per-dialect
// rules: SQLite does not enforce declared lengths or integer widths, so size
// changes there are safe; nullability and uniqueness tightening are narrowing
// everywhere.
func ClassifyChange(from, to FieldState, dialect Dialect) (ChangeKind, []string) {
	kind := ChangeNone
	var reasons []string
	raise := func(k ChangeKind, reason string) {
		if k > kind {
			kind = k
		}
		reasons = append(reasons, reason)
	}

	if from.Type != to.Type {
		k := classifyType(ParseType(from.Type), ParseType(to.Type), dialect)
		raise(k, fmt.Sprintf("type %s -> %s is %s", from.Type, to.Type, k))
	}
	if from.Nullable && !to.Nullable {
		raise(ChangeNarrowing, "column becomes NOT NULL")
	} else if !from.Nullable && to.Nullable {
		raise(ChangeSafe, "column becomes nullable")
	}
	if !from.Unique && to.Unique {
		raise(ChangeNarrowing, "unique constraint added")
	} else if from.Unique && !to.Unique {
		raise(ChangeSafe, "unique constraint dropped")
	}
	if from.PrimaryKey != to.PrimaryKey {
		raise(ChangeIncompatible, "primary key membership changes")
	}
	if (from.Default == nil) != (to.Default == nil) || (from.Default != nil && *from.Default != *to.Default) {
		raise(ChangeSafe, "default changes")
	}
	if from.ForeignKey == nil && to.ForeignKey != nil {
		raise(ChangeNarrowing, "foreign key added")
	} else if from.ForeignKey != nil && to.ForeignKey == nil {
		raise(ChangeSafe, "foreign key dropped")
	} else if from.ForeignKey != nil && *from.ForeignKey != *to.ForeignKey {
		raise(ChangeNarrowing, "foreign key target changes")
	}
	return kind, reasons
}

func classifyType(from, to TypeTag, dialect Dialect) ChangeKind {
	if from.String() == to.String() {
		return ChangeNone
	}
	lenient := dialect == DialectSQLite

	if fr, ok := integerRank[from.Base]; ok {
		if tr, ok := integerRank[to.Base]; ok {
			if tr >= fr || lenient {
				return ChangeSafe
			}
			return ChangeNarrowing
		}
		if to.Base == "decimal" || to.Base == "double" {
			return ChangeSafe
		}
		return ChangeIncompatible
	}
	if fr, ok := floatRank[from.Base]; ok {
		if tr, ok := floatRank[to.Base]; ok {
			if tr >= fr || lenient {
				return ChangeSafe
			}
			return ChangeNarrowing
		}
		return ChangeIncompatible
	}

	switch from.Base {
	case "varchar", "char":
		switch to.Base {
		case "text":
			return ChangeSafe
		case "varchar", "char":
			if lenient || len(from.Args) == 0 {
				return ChangeSafe
			}
			if len(to.Args) == 0 || to.Args[0] >= from.Args[0] {
				return ChangeSafe
			}
			return ChangeNarrowing
		}
		return ChangeIncompatible
	case "text":
		if to.Base == "varchar" || to.Base == "char" {
			if lenient {
				return ChangeSafe
			}
			return ChangeNarrowing
		}
		return ChangeIncompatible
	case "decimal":
		if to.Base != "decimal" {
			return ChangeIncompatible
		}
		if lenient || len(from.Args) < 2 || len(to.Args) < 2 {
			return ChangeSafe
		}
		fp, fs := from.Args[0], from.Args[1]
		tp, ts := to.Args[0], to.Args[1]
		if tp >= fp && ts >= fs && tp-ts >= fp-fs {
			return ChangeSafe
		}
		return ChangeNarrowing
	case "date":
		if to.Base == "timestamp" {
			return ChangeSafe
		}
		return ChangeIncompatible
	case "timestamp":
		if to.Base == "date" {
			return ChangeNarrowing
		}
		return ChangeIncompatible
	}
	if from.Base == to.Base {
		// same base, different arguments on a type we do not model
		return ChangeNarrowing
	}
	return ChangeIncompatible
}
