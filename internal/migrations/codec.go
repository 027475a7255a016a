package migrations

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ksred/schemaflow/internal/state"
	"gopkg.in/yaml.v3"
)

// migrationDoc is the on-disk form of a migration
type migrationDoc struct {
	App          string         `yaml:"app"`
	Name         string         `yaml:"name"`
	Initial      *bool          `yaml:"initial,omitempty"`
	Atomic       *bool          `yaml:"atomic,omitempty"`
	StateOnly    bool           `yaml:"state_only,omitempty"`
	DatabaseOnly bool           `yaml:"database_only,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty"`
	Replaces     []string       `yaml:"replaces,omitempty"`
	Operations   []operationDoc `yaml:"operations"`
}

// operationDoc is a flat envelope; Kind decides which fields are read
type operationDoc struct {
	Kind        OperationKind                `yaml:"kind"`
	Model       string                       `yaml:"model,omitempty"`
	Name        string                       `yaml:"name,omitempty"`
	OldName     string                       `yaml:"old_name,omitempty"`
	NewName     string                       `yaml:"new_name,omitempty"`
	Table       string                       `yaml:"table,omitempty"`
	Fields      []state.FieldState           `yaml:"fields,omitempty"`
	Field       *state.FieldState            `yaml:"field,omitempty"`
	Indexes     []state.IndexDefinition      `yaml:"indexes,omitempty"`
	Index       *state.IndexDefinition       `yaml:"index,omitempty"`
	Constraints []state.ConstraintDefinition `yaml:"constraints,omitempty"`
	Constraint  *state.ConstraintDefinition  `yaml:"constraint,omitempty"`
	Options     map[string]string            `yaml:"options,omitempty"`
	Label       string                       `yaml:"label,omitempty"`
	SQL         []string                     `yaml:"sql,omitempty"`
	ReverseSQL  *[]string                    `yaml:"reverse_sql,omitempty"`
	Reversible  bool                         `yaml:"reversible,omitempty"`
	Provider    string                       `yaml:"provider,omitempty"`
	Locale      string                       `yaml:"locale,omitempty"`
	// Deterministic is only meaningful for collations; nil means true
	Deterministic *bool         `yaml:"deterministic,omitempty"`
	Original      *operationDoc `yaml:"original,omitempty"`
}

// CodeRegistry resolves RunCode operations by name when migrations are read
// from disk.
type CodeRegistry struct {
	mu    sync.RWMutex
	funcs map[string]codeEntry
}

type codeEntry struct {
	forward CodeFunc
	reverse CodeFunc
}

// NewCodeRegistry returns an empty registry
func NewCodeRegistry() *CodeRegistry {
	return &CodeRegistry{funcs: make(map[string]codeEntry)}
}

// Register binds name to a forward function and an optional reverse
func (r *CodeRegistry) Register(name string, forward, reverse CodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = codeEntry{forward: forward, reverse: reverse}
}

// Lookup returns the operation registered under name
func (r *CodeRegistry) Lookup(name string) (*RunCode, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.funcs[name]
	if !ok {
		return nil, false
	}
	return &RunCode{Name: name, Forward: e.forward, Reverse: e.reverse}, true
}

// Names returns the registered names, sorted
func (r *CodeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes a migration as YAML
func Marshal(m *Migration) ([]byte, error) {
	doc := migrationDoc{
		App:          m.App,
		Name:         m.Name,
		Initial:      m.Initial,
		StateOnly:    m.StateOnly,
		DatabaseOnly: m.DatabaseOnly,
	}
	if !m.Atomic {
		f := false
		doc.Atomic = &f
	}
	for _, d := range m.Dependencies {
		doc.Dependencies = append(doc.Dependencies, d.String())
	}
	for _, r := range m.Replaces {
		doc.Replaces = append(doc.Replaces, r.String())
	}
	ops, err := encodeOperations(m.Operations)
	if err != nil {
		return nil, invalid(At(m.Key()), err, "encode")
	}
	doc.Operations = ops
	return encodeYAML(doc)
}

// MarshalOperations encodes a list of operations as YAML
func MarshalOperations(ops []Operation) ([]byte, error) {
	docs, err := encodeOperations(ops)
	if err != nil {
		return nil, err
	}
	return encodeYAML(docs)
}

func encodeYAML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeOperations(ops []Operation) ([]operationDoc, error) {
	out := make([]operationDoc, 0, len(ops))
	for i, op := range ops {
		doc, err := encodeOperation(op)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func encodeOperation(op Operation) (operationDoc, error) {
	doc := operationDoc{Kind: op.Kind()}
	switch o := op.(type) {
	case *CreateModel:
		doc.Name = o.Name
		doc.Table = o.Table
		doc.Fields = o.Fields
		doc.Indexes = o.Indexes
		doc.Constraints = o.Constraints
		doc.Options = o.Options
	case *DeleteModel:
		doc.Name = o.Name
	case *RenameModel:
		doc.OldName = o.OldName
		doc.NewName = o.NewName
	case *AddField:
		f := o.Field
		doc.Model, doc.Field = o.Model, &f
	case *AlterField:
		f := o.Field
		doc.Model, doc.Field = o.Model, &f
	case *RemoveField:
		doc.Model, doc.Name = o.Model, o.Name
	case *RenameField:
		doc.Model, doc.OldName, doc.NewName = o.Model, o.OldName, o.NewName
	case *CreateIndex:
		idx := o.Index
		doc.Model, doc.Index = o.Model, &idx
	case *DropIndex:
		doc.Model, doc.Name = o.Model, o.Name
	case *AddConstraint:
		c := o.Constraint
		doc.Model, doc.Constraint = o.Model, &c
	case *DropConstraint:
		doc.Model, doc.Name = o.Model, o.Name
	case *RunSQL:
		doc.SQL = o.SQL
		doc.Label = o.Label
		if o.ReverseSQL != nil {
			rev := append([]string{}, o.ReverseSQL...)
			doc.ReverseSQL = &rev
		}
	case *RunCode:
		doc.Name = o.Name
		doc.Reversible = o.Reverse != nil
	case *CreateExtension:
		doc.Name = o.Name
	case *DropExtension:
		doc.Name = o.Name
	case *CreateCollation:
		doc.Name, doc.Provider, doc.Locale = o.Name, o.Provider, o.Locale
		if !o.Deterministic {
			f := false
			doc.Deterministic = &f
		}
	case *DropCollation:
		doc.Name = o.Name
		if o.Original != nil {
			orig, err := encodeOperation(o.Original)
			if err != nil {
				return doc, err
			}
			doc.Original = &orig
		}
	default:
		return doc, fmt.Errorf("unsupported operation %T", op)
	}
	return doc, nil
}

// Unmarshal decodes a YAML migration. RunCode operations are resolved
// through codes.
func Unmarshal(data []byte, codes *CodeRegistry) (*Migration, error) {
	var doc migrationDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid(Location{Operation: -1}, err, "decode")
	}

	m := New(doc.App, doc.Name)
	loc := At(m.Key())
	m.Initial = doc.Initial
	m.StateOnly = doc.StateOnly
	m.DatabaseOnly = doc.DatabaseOnly
	if doc.Atomic != nil {
		m.Atomic = *doc.Atomic
	}
	for _, d := range doc.Dependencies {
		k, err := ParseKey(d)
		if err != nil {
			return nil, invalid(loc, err, "dependencies")
		}
		m.Dependencies = append(m.Dependencies, k)
	}
	for _, r := range doc.Replaces {
		k, err := ParseKey(r)
		if err != nil {
			return nil, invalid(loc, err, "replaces")
		}
		m.Replaces = append(m.Replaces, k)
	}
	for i, od := range doc.Operations {
		op, err := decodeOperation(od, codes)
		if err != nil {
			return nil, invalid(AtOperation(m.Key(), i), err, "decode")
		}
		m.Operations = append(m.Operations, op)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeOperation(d operationDoc, codes *CodeRegistry) (Operation, error) {
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("%s requires %s", d.Kind, what)
		}
		return nil
	}

	switch d.Kind {
	case KindCreateModel:
		if err := need(d.Name != "", "name"); err != nil {
			return nil, err
		}
		return &CreateModel{Name: d.Name, Table: d.Table, Fields: d.Fields, Indexes: d.Indexes, Constraints: d.Constraints, Options: d.Options}, nil
	case KindDeleteModel:
		return &DeleteModel{Name: d.Name}, need(d.Name != "", "name")
	case KindRenameModel:
		return &RenameModel{OldName: d.OldName, NewName: d.NewName}, need(d.OldName != "" && d.NewName != "", "old_name and new_name")
	case KindAddField:
		if err := need(d.Model != "" && d.Field != nil, "model and field"); err != nil {
			return nil, err
		}
		return &AddField{Model: d.Model, Field: *d.Field}, nil
	case KindAlterField:
		if err := need(d.Model != "" && d.Field != nil, "model and field"); err != nil {
			return nil, err
		}
		return &AlterField{Model: d.Model, Field: *d.Field}, nil
	case KindRemoveField:
		return &RemoveField{Model: d.Model, Name: d.Name}, need(d.Model != "" && d.Name != "", "model and name")
	case KindRenameField:
		return &RenameField{Model: d.Model, OldName: d.OldName, NewName: d.NewName}, need(d.Model != "" && d.OldName != "" && d.NewName != "", "model, old_name and new_name")
	case KindCreateIndex:
		if err := need(d.Model != "" && d.Index != nil, "model and index"); err != nil {
			return nil, err
		}
		return &CreateIndex{Model: d.Model, Index: *d.Index}, nil
	case KindDropIndex:
		return &DropIndex{Model: d.Model, Name: d.Name}, need(d.Model != "" && d.Name != "", "model and name")
	case KindAddConstraint:
		if err := need(d.Model != "" && d.Constraint != nil, "model and constraint"); err != nil {
			return nil, err
		}
		return &AddConstraint{Model: d.Model, Constraint: *d.Constraint}, nil
	case KindDropConstraint:
		return &DropConstraint{Model: d.Model, Name: d.Name}, need(d.Model != "" && d.Name != "", "model and name")
	case KindRunSQL:
		op := &RunSQL{SQL: d.SQL, Label: d.Label}
		if d.ReverseSQL != nil {
			op.ReverseSQL = append([]string{}, (*d.ReverseSQL)...)
		}
		return op, need(len(d.SQL) > 0, "sql")
	case KindRunCode:
		op, ok := codes.Lookup(d.Name)
		if !ok {
			return nil, fmt.Errorf("no code registered as %q", d.Name)
		}
		if d.Reversible && op.Reverse == nil {
			return nil, fmt.Errorf("code %q is marked reversible but has no reverse function", d.Name)
		}
		return op, nil
	case KindCreateExtension:
		return &CreateExtension{Name: d.Name}, need(d.Name != "", "name")
	case KindDropExtension:
		return &DropExtension{Name: d.Name}, need(d.Name != "", "name")
	case KindCreateCollation:
		op := &CreateCollation{Name: d.Name, Provider: d.Provider, Locale: d.Locale, Deterministic: true}
		if d.Deterministic != nil {
			op.Deterministic = *d.Deterministic
		}
		return op, need(d.Name != "", "name")
	case KindDropCollation:
		op := &DropCollation{Name: d.Name}
		if d.Original != nil {
			orig, err := decodeOperation(*d.Original, codes)
			if err != nil {
				return nil, err
			}
			cc, ok := orig.(*CreateCollation)
			if !ok {
				return nil, fmt.Errorf("drop_collation original must be create_collation")
			}
			op.Original = cc
		}
		return op, need(d.Name != "", "name")
	}
	return nil, fmt.Errorf("unknown operation kind %q", d.Kind)
}
