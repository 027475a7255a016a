package migrations

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ksred/schemaflow/internal/state"
)

// Key identifies a migration by app scope and name
type Key struct {
	App  string `json:"app" yaml:"app"`
	Name string `json:"name" yaml:"name"`
}

func (k Key) String() string {
	return k.App + "." + k.Name
}

// Less orders keys by app, then name
func (k Key) Less(o Key) bool {
	if k.App != o.App {
		return k.App < o.App
	}
	return k.Name < o.Name
}

// ParseKey splits "app.name"
func ParseKey(s string) (Key, error) {
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Key{}, fmt.Errorf("invalid migration key %q, want app.name", s)
	}
	return Key{App: s[:i], Name: s[i+1:]}, nil
}

// SortKeys sorts keys in place by (app, name)
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// Migration is a named, ordered list of operations with dependencies on
// other migrations.
type Migration struct {
	App          string
	Name         string
	Operations   []Operation
	Dependencies []Key
	// Replaces lists the migrations a squashed migration stands in for
	Replaces []Key
	// Atomic wraps the migration in one transaction where the backend allows it
	Atomic bool
	// Initial overrides the inference from empty dependencies
	Initial *bool
	// StateOnly migrations update replayed state without touching the database
	StateOnly bool
	// DatabaseOnly migrations run SQL without changing replayed state
	DatabaseOnly bool
}

// New returns an atomic migration with no operations
func New(app, name string, deps ...Key) *Migration {
	return &Migration{
		App:          app,
		Name:         name,
		Dependencies: deps,
		Atomic:       true,
	}
}

// Key returns the migration key
func (m *Migration) Key() Key {
	return Key{App: m.App, Name: m.Name}
}

// IsInitial reports whether the migration starts its app's history.
// Without an explicit flag a migration with no dependencies is initial.
func (m *Migration) IsInitial() bool {
	if m.Initial != nil {
		return *m.Initial
	}
	return len(m.Dependencies) == 0
}

// IsSquash reports whether the migration replaces others
func (m *Migration) IsSquash() bool {
	return len(m.Replaces) > 0
}

// Reversible reports whether every operation can be undone
func (m *Migration) Reversible() bool {
	for _, op := range m.Operations {
		if !op.Reversible() {
			return false
		}
	}
	return true
}

// FirstIrreversible returns the index of the first operation without a
// reverse, or -1
func (m *Migration) FirstIrreversible() int {
	for i, op := range m.Operations {
		if !op.Reversible() {
			return i
		}
	}
	return -1
}

// Validate checks the definition itself, without replaying it
func (m *Migration) Validate() error {
	loc := At(m.Key())
	if m.App == "" || m.Name == "" {
		return invalid(loc, nil, "migration must have an app and a name")
	}
	if strings.ContainsAny(m.App, ". ") || strings.ContainsAny(m.Name, ". ") {
		return invalid(loc, nil, "app and name must not contain dots or spaces")
	}
	if m.StateOnly && m.DatabaseOnly {
		return invalid(loc, nil, "migration cannot be both state-only and database-only")
	}
	seen := make(map[Key]bool)
	for _, d := range m.Dependencies {
		if d == m.Key() {
			return invalid(loc, nil, "migration depends on itself")
		}
		if seen[d] {
			return invalid(loc, nil, "duplicate dependency %s", d)
		}
		seen[d] = true
	}
	for _, r := range m.Replaces {
		if r == m.Key() {
			return invalid(loc, nil, "migration replaces itself")
		}
	}
	for i, op := range m.Operations {
		if op == nil {
			return invalid(AtOperation(m.Key(), i), nil, "nil operation")
		}
	}
	return nil
}

// Apply returns the state after replaying the migration on top of s. s is
// not modified. Database-only migrations return s unchanged.
func (m *Migration) Apply(s *state.ProjectState) (*state.ProjectState, error) {
	if m.DatabaseOnly {
		return s, nil
	}
	next, err := Walk(m.App, m.Operations, s, nil)
	if err != nil {
		return nil, m.wrapOpError(err)
	}
	return next, nil
}

func (m *Migration) wrapOpError(err error) error {
	if oe, ok := err.(*opError); ok {
		if oe.err == ErrIrreversible {
			return &IrreversibleError{Location: AtOperation(m.Key(), oe.index), Operation: m.Operations[oe.index].Describe()}
		}
		return invalid(AtOperation(m.Key(), oe.index), oe.err, "%s", m.Operations[oe.index].Describe())
	}
	return invalid(At(m.Key()), err, "replay failed")
}

// Describe lists the operations, one per line
func (m *Migration) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", m.Key())
	for _, op := range m.Operations {
		b.WriteString("\n  - ")
		b.WriteString(op.Describe())
	}
	return b.String()
}

// Checksum hashes the serialized definition. Two migrations with the same
// checksum describe the same change.
func (m *Migration) Checksum() (string, error) {
	doc, err := Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}
