package migrations

import (
	"fmt"
	"strings"

	"github.com/ksred/schemaflow/internal/state"
)

// Direction of a plan step
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

type targetKind int

const (
	targetKey targetKind = iota
	targetLatest
	targetZero
	targetAllLatest
)

// Target selects where a plan should bring the database
type Target struct {
	kind targetKind
	Key  Key
	App  string
}

// TargetKey migrates to exactly k: forward if k is not applied, otherwise
// backward to just after k.
func TargetKey(k Key) Target { return Target{kind: targetKey, Key: k, App: k.App} }

// TargetLatest migrates app to its single leaf
func TargetLatest(app string) Target { return Target{kind: targetLatest, App: app} }

// TargetZero unapplies every migration of app
func TargetZero(app string) Target { return Target{kind: targetZero, App: app} }

// TargetAllLatest migrates every app to its leaf
func TargetAllLatest() Target { return Target{kind: targetAllLatest} }

func (t Target) String() string {
	switch t.kind {
	case targetKey:
		return t.Key.String()
	case targetLatest:
		return t.App + ".latest"
	case targetZero:
		return t.App + ".zero"
	default:
		return "all"
	}
}

// ParseTarget reads "app", "app.zero", "app.latest", "app.name" or "" (all)
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return TargetAllLatest(), nil
	}
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return TargetLatest(s), nil
	}
	if i == 0 || i == len(s)-1 {
		return Target{}, fmt.Errorf("invalid target %q", s)
	}
	app, name := s[:i], s[i+1:]
	switch name {
	case "zero":
		return TargetZero(app), nil
	case "latest":
		return TargetLatest(app), nil
	}
	return TargetKey(Key{App: app, Name: name}), nil
}

// PlanStep is one migration to apply or unapply. StateBefore is the state
// the migration's operations apply on top of. For a backward step that is
// also the state the database is left in once the step is undone.
type PlanStep struct {
	Migration   *Migration
	Direction   Direction
	StateBefore *state.ProjectState
}

// Key returns the step's migration key
func (s PlanStep) Key() Key {
	return s.Migration.Key()
}

// Warning is an advisory about a risky change in a plan
type Warning struct {
	Location Location         `json:"location"`
	Kind     state.ChangeKind `json:"kind"`
	Message  string           `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s%s", prefix(w.Location), w.Message)
}

// Plan is an ordered list of steps. All steps share one direction.
type Plan struct {
	Target   Target
	Steps    []PlanStep
	Warnings []Warning
}

// IsEmpty reports whether there is nothing to do
func (p *Plan) IsEmpty() bool {
	return len(p.Steps) == 0
}

// Keys returns the migration keys in step order
func (p *Plan) Keys() []Key {
	out := make([]Key, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Key()
	}
	return out
}

// Direction returns the plan's direction. An empty plan is forward.
func (p *Plan) Direction() Direction {
	if len(p.Steps) == 0 {
		return Forward
	}
	return p.Steps[0].Direction
}

// Planner turns a target into a plan. It never touches the database.
type Planner struct {
	catalog *Catalog
	dialect state.Dialect
}

// NewPlanner creates a planner over a resolved catalog
func NewPlanner(c *Catalog, d state.Dialect) *Planner {
	return &Planner{catalog: c, dialect: d}
}

// Plan computes the steps needed to reach target
func (p *Planner) Plan(target Target) (*Plan, error) {
	if err := p.catalog.CheckConsistency(); err != nil {
		return nil, err
	}
	g := p.catalog.Graph()

	switch target.kind {
	case targetAllLatest:
		var leaves []Key
		for _, app := range g.Apps() {
			leaf, err := p.singleLeaf(app)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, leaf)
		}
		return p.forward(target, leaves)

	case targetLatest:
		leaf, err := p.singleLeaf(target.App)
		if err != nil {
			return nil, err
		}
		return p.forward(target, []Key{leaf})

	case targetZero:
		var unapply []Key
		for _, root := range g.Roots(target.App) {
			unapply = append(unapply, p.appliedDescendants(root)...)
		}
		return p.backward(target, unapply)

	default:
		k, err := p.catalog.Resolve(target.Key.App, target.Key.Name)
		if err != nil {
			return nil, err
		}
		target.Key = k
		if !p.catalog.IsApplied(k) {
			return p.forward(target, []Key{k})
		}
		var unapply []Key
		for _, child := range g.Dependents(k) {
			if child.App == k.App {
				unapply = append(unapply, p.appliedDescendants(child)...)
			}
		}
		return p.backward(target, unapply)
	}
}

func (p *Planner) singleLeaf(app string) (Key, error) {
	leaves := p.catalog.Graph().Leaves(app)
	switch len(leaves) {
	case 0:
		return Key{}, &NotFoundError{Location: Location{App: app, Operation: -1}, Key: Key{App: app, Name: "latest"}}
	case 1:
		return leaves[0], nil
	}
	names := make([]string, len(leaves))
	for i, l := range leaves {
		names[i] = l.Name
	}
	return Key{}, &DependencyError{
		Location: Location{App: app, Operation: -1},
		Message:  fmt.Sprintf("app has %d leaf migrations (%s); add a merge migration or pick a target", len(leaves), strings.Join(names, ", ")),
	}
}

func (p *Planner) appliedDescendants(k Key) []Key {
	var out []Key
	for _, d := range p.catalog.Graph().Descendants(k) {
		if p.catalog.IsApplied(d) {
			out = append(out, d)
		}
	}
	return out
}

func (p *Planner) forward(target Target, targets []Key) (*Plan, error) {
	g := p.catalog.Graph()
	wanted := make(map[Key]bool)
	for _, t := range targets {
		for _, a := range g.Ancestors(t) {
			if !p.catalog.IsApplied(a) {
				wanted[a] = true
			}
		}
	}
	plan := &Plan{Target: target}
	if len(wanted) == 0 {
		return plan, nil
	}

	keys := make([]Key, 0, len(wanted))
	for k := range wanted {
		keys = append(keys, k)
	}
	order, err := g.TopologicalOrder(keys...)
	if err != nil {
		return nil, err
	}

	cur, err := p.catalog.AppliedState()
	if err != nil {
		return nil, err
	}
	for _, k := range order {
		m, _ := p.catalog.Migration(k)
		plan.Steps = append(plan.Steps, PlanStep{Migration: m, Direction: Forward, StateBefore: cur.Clone()})
		if !m.DatabaseOnly {
			_, err := Walk(m.App, m.Operations, cur, func(i int, op Operation, s *state.ProjectState) error {
				plan.Warnings = append(plan.Warnings, p.warning(m.Key(), m.App, i, op, s)...)
				return nil
			})
			if err != nil {
				return nil, m.wrapOpError(err)
			}
		}
		if cur, err = m.Apply(cur); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (p *Planner) backward(target Target, unapply []Key) (*Plan, error) {
	plan := &Plan{Target: target}
	if len(unapply) == 0 {
		return plan, nil
	}
	g := p.catalog.Graph()
	order, err := g.TopologicalOrder(unapply...)
	if err != nil {
		return nil, err
	}

	// reversibility is checked for the whole plan before any state work
	for i := len(order) - 1; i >= 0; i-- {
		m, _ := p.catalog.Migration(order[i])
		if m.StateOnly {
			continue
		}
		if idx := m.FirstIrreversible(); idx >= 0 {
			return nil, &IrreversibleError{Location: AtOperation(m.Key(), idx), Operation: m.Operations[idx].Describe()}
		}
	}

	remaining := make(map[Key]bool)
	for _, k := range p.catalog.AppliedKeys() {
		remaining[k] = true
	}
	for i := len(order) - 1; i >= 0; i-- {
		m, _ := p.catalog.Migration(order[i])
		delete(remaining, m.Key())
		before, err := p.catalog.StateOf(setKeys(remaining))
		if err != nil {
			return nil, err
		}
		if !m.StateOnly {
			steps, err := Reverse(m.App, m.Operations, before)
			if err != nil {
				return nil, m.wrapOpError(err)
			}
			for _, st := range steps {
				plan.Warnings = append(plan.Warnings, p.warning(m.Key(), m.App, st.Index, st.Operation, st.State)...)
			}
		}
		plan.Steps = append(plan.Steps, PlanStep{Migration: m, Direction: Backward, StateBefore: before})
	}
	return plan, nil
}

func (p *Planner) warning(key Key, app string, index int, op Operation, s *state.ProjectState) []Warning {
	alter, ok := op.(*AlterField)
	if !ok {
		return nil
	}
	kind, reasons := alter.Classify(app, s, p.dialect)
	if !kind.Risky() {
		return nil
	}
	return []Warning{{
		Location: AtOperation(key, index),
		Kind:     kind,
		Message:  fmt.Sprintf("%s: %s", alter.Describe(), strings.Join(reasons, "; ")),
	}}
}

func setKeys(set map[Key]bool) []Key {
	out := make([]Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}
