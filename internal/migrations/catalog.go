package migrations

import (
	"fmt"
	"strings"

	"github.com/ksred/schemaflow/internal/state"
)

// Catalog is the resolved view of every loaded migration against the applied
// history: the dependency graph with squashes resolved, and the effective
// applied set.
type Catalog struct {
	migrations map[Key]*Migration
	graph      *Graph
	applied    map[Key]bool
	// replacedBy maps a replaced migration to the squash used in its place
	replacedBy map[Key]Key
	// unknown holds recorded keys that match no loaded migration
	unknown []Key
}

// NewCatalog validates the migrations, builds the graph and resolves
// squashes against applied. applied may be nil for a fresh database.
//
// A squash is used in place of the migrations it replaces when all of them
// or none of them are applied, or when the squash itself is recorded.
// Otherwise the originals are used and the squash is dropped from the graph.
func NewCatalog(migs []*Migration, applied map[Key]bool) (*Catalog, error) {
	c := &Catalog{
		migrations: make(map[Key]*Migration, len(migs)),
		graph:      NewGraph(),
		applied:    make(map[Key]bool, len(applied)),
		replacedBy: make(map[Key]Key),
	}
	for k, v := range applied {
		if v {
			c.applied[k] = true
		}
	}

	for _, m := range migs {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		k := m.Key()
		if _, dup := c.migrations[k]; dup {
			return nil, invalid(At(k), nil, "duplicate migration %s", k)
		}
		c.migrations[k] = m
		c.graph.AddNode(k)
	}
	for _, k := range c.graph.Nodes() {
		for _, d := range c.migrations[k].Dependencies {
			c.graph.AddDependency(k, d)
		}
	}

	if err := c.resolveSquashes(); err != nil {
		return nil, err
	}
	if err := c.graph.Validate(); err != nil {
		return nil, err
	}

	for k := range c.applied {
		if !c.graph.Has(k) {
			if _, replaced := c.replacedBy[k]; !replaced {
				c.unknown = append(c.unknown, k)
			}
		}
	}
	SortKeys(c.unknown)
	return c, nil
}

func (c *Catalog) resolveSquashes() error {
	var squashes []Key
	for k, m := range c.migrations {
		if m.IsSquash() {
			squashes = append(squashes, k)
		}
	}
	SortKeys(squashes)

	for _, sk := range squashes {
		sq := c.migrations[sk]
		replaced := make(map[Key]bool, len(sq.Replaces))
		appliedCount := 0
		for _, r := range sq.Replaces {
			replaced[r] = true
			if c.applied[r] {
				appliedCount++
			}
		}

		useSquash := c.applied[sk] || appliedCount == 0 || appliedCount == len(sq.Replaces)
		if !useSquash {
			// partially applied: keep the originals, point dependents of the
			// squash at the last replaced migration
			last := sq.Replaces[len(sq.Replaces)-1]
			if !c.graph.Has(last) {
				return &DependencyError{
					Location: At(sk),
					Message:  fmt.Sprintf("squash is partially applied but replaced migration %s is not loaded", last),
				}
			}
			for _, d := range append([]Key(nil), c.graph.rdeps[sk]...) {
				c.graph.AddDependency(d, last)
			}
			c.graph.RemoveNode(sk)
			delete(c.migrations, sk)
			continue
		}

		if c.applied[sk] || appliedCount == len(sq.Replaces) {
			c.applied[sk] = true
			for _, r := range sq.Replaces {
				c.applied[r] = true
			}
		}
		for _, r := range sq.Replaces {
			for _, d := range append([]Key(nil), c.graph.rdeps[r]...) {
				if d != sk && !replaced[d] {
					c.graph.AddDependency(d, sk)
				}
			}
			for _, d := range append([]Key(nil), c.graph.deps[r]...) {
				if d != sk && !replaced[d] {
					c.graph.AddDependency(sk, d)
				}
			}
		}
		for _, r := range sq.Replaces {
			c.graph.RemoveNode(r)
			delete(c.migrations, r)
			c.replacedBy[r] = sk
		}
		// edges from the squash to what it replaces are internal
		for _, d := range append([]Key(nil), c.graph.deps[sk]...) {
			if replaced[d] {
				c.graph.deps[sk] = removeKey(c.graph.deps[sk], d)
			}
		}
	}
	return nil
}

// Graph returns the resolved dependency graph
func (c *Catalog) Graph() *Graph {
	return c.graph
}

// Migration returns a migration in the resolved graph
func (c *Catalog) Migration(k Key) (*Migration, bool) {
	m, ok := c.migrations[k]
	return m, ok
}

// Migrations returns the resolved migrations in topological order
func (c *Catalog) Migrations() []*Migration {
	order, _ := c.graph.TopologicalOrder()
	out := make([]*Migration, 0, len(order))
	for _, k := range order {
		out = append(out, c.migrations[k])
	}
	return out
}

// IsApplied reports whether k counts as applied. Replaced migrations follow
// their squash.
func (c *Catalog) IsApplied(k Key) bool {
	if c.applied[k] {
		return true
	}
	if sk, ok := c.replacedBy[k]; ok {
		return c.applied[sk]
	}
	return false
}

// AppliedKeys returns the applied nodes of the resolved graph, sorted
func (c *Catalog) AppliedKeys() []Key {
	var out []Key
	for _, k := range c.graph.Nodes() {
		if c.applied[k] {
			out = append(out, k)
		}
	}
	return out
}

// ReplacedBy returns the squash standing in for k
func (c *Catalog) ReplacedBy(k Key) (Key, bool) {
	sk, ok := c.replacedBy[k]
	return sk, ok
}

// UnknownApplied returns recorded keys with no loaded migration
func (c *Catalog) UnknownApplied() []Key {
	return append([]Key(nil), c.unknown...)
}

// CheckConsistency fails when an applied migration has a dependency that is
// not applied.
func (c *Catalog) CheckConsistency() error {
	for _, k := range c.AppliedKeys() {
		for _, d := range c.graph.Dependencies(k) {
			if !c.IsApplied(d) {
				return &DependencyError{
					Location: At(k),
					Message:  fmt.Sprintf("applied before its dependency %s", d),
				}
			}
		}
	}
	return nil
}

// Resolve finds a migration of app by exact name or unique name prefix
func (c *Catalog) Resolve(app, name string) (Key, error) {
	exact := Key{App: app, Name: name}
	if c.graph.Has(exact) {
		return exact, nil
	}
	if sk, ok := c.replacedBy[exact]; ok {
		return sk, nil
	}
	var matches []Key
	for _, k := range c.graph.Nodes() {
		if k.App == app && strings.HasPrefix(k.Name, name) {
			matches = append(matches, k)
		}
	}
	switch len(matches) {
	case 0:
		return Key{}, &NotFoundError{Key: exact}
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return Key{}, &DependencyError{
			Location: Location{App: app, Operation: -1},
			Message:  fmt.Sprintf("%q matches more than one migration: %s", name, strings.Join(names, ", ")),
		}
	}
}

// State replays every migration in the graph
func (c *Catalog) State() (*state.ProjectState, error) {
	return c.StateOf(c.graph.Nodes())
}

// AppliedState replays the applied migrations
func (c *Catalog) AppliedState() (*state.ProjectState, error) {
	return c.StateOf(c.AppliedKeys())
}

// StateOf replays the given migrations in topological order. The result is
// the same for every valid ordering of the set.
func (c *Catalog) StateOf(keys []Key) (*state.ProjectState, error) {
	if len(keys) == 0 {
		return state.New(), nil
	}
	order, err := c.graph.TopologicalOrder(keys...)
	if err != nil {
		return nil, err
	}
	s := state.New()
	for _, k := range order {
		if s, err = c.migrations[k].Apply(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apps returns the app scopes with at least one migration
func (c *Catalog) Apps() []string {
	return c.graph.Apps()
}

// NextNumber returns the next sequence number for app, derived from the
// numeric prefix of its migration names.
func (c *Catalog) NextNumber(app string) int {
	max := 0
	keys := c.graph.Nodes()
	for r := range c.replacedBy {
		keys = append(keys, r)
	}
	for _, k := range keys {
		if k.App != app {
			continue
		}
		n := 0
		for _, ch := range k.Name {
			if ch < '0' || ch > '9' {
				break
			}
			n = n*10 + int(ch-'0')
		}
		if n > max {
			max = n
		}
	}
	return max + 1
}

