package migrations

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ksred/schemaflow/internal/state"
)

// renameThreshold is the share of identical fields two models need before a
// delete plus create is treated as a rename
const renameThreshold = 0.7

// Review is a note for the operator about a change the autodetector could not
// decide on its own.
type Review struct {
	App     string `json:"app"`
	Model   string `json:"model"`
	Message string `json:"message"`
}

func (r Review) String() string {
	return fmt.Sprintf("%s.%s: %s", r.App, r.Model, r.Message)
}

// DetectedChanges holds the operations needed to bring the migration history
// in line with the declared models, grouped by app.
type DetectedChanges struct {
	Operations map[string][]Operation
	Reviews    []Review

	// newDeps[a][b] means a's new migration must run after b's new migration
	newDeps map[string]map[string]bool
	// leafDeps[a][b] means a's new migration depends on b's current history
	leafDeps map[string]map[string]bool
}

func newDetectedChanges() *DetectedChanges {
	return &DetectedChanges{
		Operations: make(map[string][]Operation),
		newDeps:    make(map[string]map[string]bool),
		leafDeps:   make(map[string]map[string]bool),
	}
}

// IsEmpty reports whether no operation was detected
func (d *DetectedChanges) IsEmpty() bool {
	for _, ops := range d.Operations {
		if len(ops) > 0 {
			return false
		}
	}
	return true
}

// Apps returns the apps with changes, sorted
func (d *DetectedChanges) Apps() []string {
	apps := make([]string, 0, len(d.Operations))
	for app, ops := range d.Operations {
		if len(ops) > 0 {
			apps = append(apps, app)
		}
	}
	sort.Strings(apps)
	return apps
}

// Fingerprint is a stable hash of the detected operations and review notes.
// Two detections over the same inputs produce the same fingerprint.
func (d *DetectedChanges) Fingerprint() (string, error) {
	h := sha256.New()
	for _, app := range d.Apps() {
		doc, err := MarshalOperations(d.Operations[app])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "app %s\n", app)
		h.Write(doc)
	}
	for _, r := range d.Reviews {
		fmt.Fprintf(h, "review %s\n", r)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *DetectedChanges) add(app string, ops ...Operation) {
	d.Operations[app] = append(d.Operations[app], ops...)
}

func (d *DetectedChanges) review(app, model, format string, args ...interface{}) {
	d.Reviews = append(d.Reviews, Review{App: app, Model: model, Message: fmt.Sprintf(format, args...)})
}

func (d *DetectedChanges) dependOnNew(app, other string) {
	if app == other {
		return
	}
	if d.newDeps[app] == nil {
		d.newDeps[app] = make(map[string]bool)
	}
	d.newDeps[app][other] = true
}

func (d *DetectedChanges) dependOnLeaf(app, other string) {
	if app == other {
		return
	}
	if d.leafDeps[app] == nil {
		d.leafDeps[app] = make(map[string]bool)
	}
	d.leafDeps[app][other] = true
}

// Autodetector diffs two project states. It is pure and safe for concurrent
// use.
type Autodetector struct{}

// NewAutodetector returns an autodetector
func NewAutodetector() *Autodetector {
	return &Autodetector{}
}

// Detect computes the operations that turn from into to. from is normally
// the replayed migration history and to the declared models.
func (a *Autodetector) Detect(from, to *state.ProjectState) (*DetectedChanges, error) {
	if err := to.ValidateTables(); err != nil {
		return nil, &InvalidMigrationError{Location: Location{Operation: -1}, Message: "declared models", Cause: err}
	}
	if err := validateReferences(to); err != nil {
		return nil, err
	}

	d := newDetectedChanges()
	created := make(map[string]map[string]bool)
	deleted := make(map[string]map[string]bool)

	apps := unionStrings(from.Apps(), to.Apps())
	work := from.Clone()

	// first pass: model sets and renames, so later passes know which models
	// are new in every app
	type appDiff struct {
		created, deleted, shared []string
	}
	diffs := make(map[string]*appDiff, len(apps))
	for _, app := range apps {
		oldNames := from.ModelNames(app)
		newNames := to.ModelNames(app)
		ad := &appDiff{
			created: minusStrings(newNames, oldNames),
			deleted: minusStrings(oldNames, newNames),
			shared:  intersectStrings(oldNames, newNames),
		}

		for _, rn := range a.detectModelRenames(work, to, app, ad.deleted, ad.created) {
			d.add(app, rn)
			if err := rn.StateForward(app, work); err != nil {
				return nil, invalid(Location{App: app, Operation: -1}, err, "rename model %s", rn.OldName)
			}
			ad.deleted = minusStrings(ad.deleted, []string{rn.OldName})
			ad.created = minusStrings(ad.created, []string{rn.NewName})
			ad.shared = append(ad.shared, rn.NewName)
		}
		sort.Strings(ad.shared)

		created[app] = toSet(ad.created)
		deleted[app] = toSet(ad.deleted)
		diffs[app] = ad
	}

	for _, app := range apps {
		ad := diffs[app]

		// a created model taking over a deleted model's table needs the
		// old table gone first
		reused, err := reusedTables(work, to, app, ad.deleted, ad.created)
		if err != nil {
			return nil, err
		}
		for _, name := range reused {
			d.add(app, &DeleteModel{Name: name})
		}
		ad.deleted = minusStrings(ad.deleted, reused)

		a.createModels(d, app, ad.created, to, created)

		for _, name := range ad.shared {
			oldM, _ := work.Model(app, name)
			newM, _ := to.Model(app, name)
			a.diffModel(d, work, app, oldM, newM, created)
		}

		a.deleteModels(d, app, ad.deleted, from, deleted)
	}
	return d, nil
}

// reusedTables returns the deleted models of app whose table a created model
// claims. Such a model must not be referenced by any other model.
func reusedTables(from, to *state.ProjectState, app string, deleted, created []string) ([]string, error) {
	claimed := make(map[string]string, len(created))
	for _, name := range created {
		m, _ := to.Model(app, name)
		claimed[m.Table] = name
	}

	var out []string
	for _, name := range deleted {
		old, _ := from.Model(app, name)
		newName, ok := claimed[old.Table]
		if !ok {
			continue
		}
		for _, other := range from.AllModels() {
			if other.App == app && other.Name == name {
				continue
			}
			for _, f := range other.Fields {
				if fk := f.ForeignKey; fk != nil && fk.App == app && fk.Model == name {
					return nil, &InvalidMigrationError{
						Location: Location{App: app, Operation: -1},
						Message: fmt.Sprintf("model %s reuses table %q of deleted model %s, which %s.%s still references; remove the reference first",
							newName, old.Table, name, other.Name, f.Name),
					}
				}
			}
		}
		out = append(out, name)
	}
	return out, nil
}

// detectModelRenames pairs deleted and created models of one app whose
// fields mostly match. A pair is only used when each side has exactly one
// candidate and the resulting table name matches.
func (a *Autodetector) detectModelRenames(from, to *state.ProjectState, app string, deleted, created []string) []*RenameModel {
	candidates := make(map[string][]string)
	reverse := make(map[string][]string)
	for _, oldName := range deleted {
		oldM, _ := from.Model(app, oldName)
		for _, newName := range created {
			newM, _ := to.Model(app, newName)
			if modelSimilarity(oldM, newM) >= renameThreshold {
				candidates[oldName] = append(candidates[oldName], newName)
				reverse[newName] = append(reverse[newName], oldName)
			}
		}
	}

	var out []*RenameModel
	for _, oldName := range deleted {
		c := candidates[oldName]
		if len(c) != 1 || len(reverse[c[0]]) != 1 {
			continue
		}
		oldM, _ := from.Model(app, oldName)
		newM, _ := to.Model(app, c[0])
		table := oldM.Table
		if table == state.DefaultTable(app, oldName) {
			table = state.DefaultTable(app, c[0])
		}
		if table != newM.Table {
			continue
		}
		out = append(out, &RenameModel{OldName: oldName, NewName: c[0]})
	}
	return out
}

// modelSimilarity is the share of fields, over the union of field names,
// that are identical in both models
func modelSimilarity(a, b *state.ModelState) float64 {
	if len(a.Fields) == 0 || len(b.Fields) == 0 {
		return 0
	}
	names := make(map[string]bool)
	matching := 0
	for _, f := range a.Fields {
		names[f.Name] = true
		if of, ok := b.Field(f.Name); ok && f.SameShape(of) {
			matching++
		}
	}
	for _, f := range b.Fields {
		names[f.Name] = true
	}
	return float64(matching) / float64(len(names))
}

// createModels emits CreateModel operations with foreign key targets first.
// Mutual references are broken by creating one model without the offending
// fields and adding them afterwards.
func (a *Autodetector) createModels(d *DetectedChanges, app string, names []string, to *state.ProjectState, created map[string]map[string]bool) {
	pending := toSet(names)
	var deferred []*AddField

	for len(pending) > 0 {
		var ready []string
		for name := range pending {
			m, _ := to.Model(app, name)
			if !dependsOnPending(m, app, pending) {
				ready = append(ready, name)
			}
		}
		sort.Strings(ready)

		if len(ready) == 0 {
			// cycle: take the smallest name and defer its references
			name := sortedSet(pending)[0]
			m, _ := to.Model(app, name)
			m = m.Clone()
			var kept []state.FieldState
			for _, f := range m.Fields {
				if fk := f.ForeignKey; fk != nil && fk.App == app && fk.Model != name && pending[fk.Model] {
					deferred = append(deferred, &AddField{Model: name, Field: f.Clone()})
					continue
				}
				kept = append(kept, f)
			}
			m.Fields = kept
			m.Indexes = dropIndexesOn(m.Indexes, m)
			m.Constraints = dropConstraintsOn(m.Constraints, m)
			a.emitCreate(d, app, m, created)
			delete(pending, name)
			continue
		}

		for _, name := range ready {
			m, _ := to.Model(app, name)
			a.emitCreate(d, app, m, created)
			delete(pending, name)
		}
	}

	sort.Slice(deferred, func(i, j int) bool {
		if deferred[i].Model != deferred[j].Model {
			return deferred[i].Model < deferred[j].Model
		}
		return deferred[i].Field.Name < deferred[j].Field.Name
	})
	for _, af := range deferred {
		d.add(app, af)
	}
	a.restoreDeferredIndexes(d, app, deferred, to)
}

func (a *Autodetector) restoreDeferredIndexes(d *DetectedChanges, app string, deferred []*AddField, to *state.ProjectState) {
	done := make(map[string]bool)
	for _, af := range deferred {
		if done[af.Model] {
			continue
		}
		done[af.Model] = true
		full, _ := to.Model(app, af.Model)
		var partial state.ModelState
		partial.Fields = make([]state.FieldState, 0, len(full.Fields))
		for _, f := range full.Fields {
			isDeferred := false
			for _, x := range deferred {
				if x.Model == af.Model && x.Field.Name == f.Name {
					isDeferred = true
				}
			}
			if !isDeferred {
				partial.Fields = append(partial.Fields, f)
			}
		}
		for _, idx := range full.Indexes {
			if !fieldsPresent(idx.Fields, &partial) {
				d.add(app, &CreateIndex{Model: af.Model, Index: idx.Clone()})
			}
		}
		for _, c := range full.Constraints {
			if !fieldsPresent(c.Fields, &partial) {
				d.add(app, &AddConstraint{Model: af.Model, Constraint: c.Clone()})
			}
		}
	}
}

func (a *Autodetector) emitCreate(d *DetectedChanges, app string, m *state.ModelState, created map[string]map[string]bool) {
	for _, f := range m.Fields {
		a.trackReference(d, app, f, created)
	}
	d.add(app, FromModel(m))
}

// trackReference records the cross-app dependency a foreign key implies
func (a *Autodetector) trackReference(d *DetectedChanges, app string, f state.FieldState, created map[string]map[string]bool) {
	fk := f.ForeignKey
	if fk == nil || fk.App == app {
		return
	}
	if created[fk.App][fk.Model] {
		d.dependOnNew(app, fk.App)
	} else {
		d.dependOnLeaf(app, fk.App)
	}
}

// diffModel compares one model present on both sides
func (a *Autodetector) diffModel(d *DetectedChanges, work *state.ProjectState, app string, oldM, newM *state.ModelState, created map[string]map[string]bool) {
	name := newM.Name
	if oldM.Table != newM.Table {
		d.review(app, name, "table changes from %s to %s and is not migrated automatically", oldM.Table, newM.Table)
	}

	var removed, added []state.FieldState
	for _, f := range oldM.Fields {
		if _, ok := newM.Field(f.Name); !ok {
			removed = append(removed, f)
		}
	}
	for _, f := range newM.Fields {
		if _, ok := oldM.Field(f.Name); !ok {
			added = append(added, f)
		}
	}

	// work on a copy so index and constraint diffs see renamed columns
	cur := oldM.Clone()
	var renames []Operation
	if len(removed) == 1 && len(added) == 1 && removed[0].SameShape(added[0]) {
		rf := &RenameField{Model: name, OldName: removed[0].Name, NewName: added[0].Name}
		renames = append(renames, rf)
		_ = cur.RenameField(rf.OldName, rf.NewName)
		// later models compare against the patched references
		work.RenameFieldReferences(app, name, rf.OldName, rf.NewName)
		removed, added = nil, nil
	} else if len(removed) > 0 && len(added) > 0 {
		d.review(app, name, "fields %s removed and %s added; edit the migration if this is a rename",
			fieldNames(removed), fieldNames(added))
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i].Name < removed[j].Name })
	sort.Slice(added, func(i, j int) bool { return added[i].Name < added[j].Name })

	// indexes and constraints that disappear or change are dropped first
	var drops, creates []Operation
	for _, idx := range sortedIndexes(cur.Indexes) {
		if n, ok := newM.Index(idx.Name); !ok || !n.Equal(idx) {
			drops = append(drops, &DropIndex{Model: name, Name: idx.Name})
		}
	}
	for _, c := range sortedConstraints(cur.Constraints) {
		if n, ok := newM.Constraint(c.Name); !ok || !n.Equal(c) {
			drops = append(drops, &DropConstraint{Model: name, Name: c.Name})
		}
	}
	for _, idx := range sortedIndexes(newM.Indexes) {
		if o, ok := cur.Index(idx.Name); !ok || !o.Equal(idx) {
			creates = append(creates, &CreateIndex{Model: name, Index: idx.Clone()})
		}
	}
	for _, c := range sortedConstraints(newM.Constraints) {
		if o, ok := cur.Constraint(c.Name); !ok || !o.Equal(c) {
			creates = append(creates, &AddConstraint{Model: name, Constraint: c.Clone()})
		}
	}

	d.add(app, drops...)
	d.add(app, renames...)
	for _, f := range removed {
		d.add(app, &RemoveField{Model: name, Name: f.Name})
	}
	for _, f := range added {
		if !f.Nullable && f.Default == nil && !f.PrimaryKey {
			d.review(app, name, "field %s is NOT NULL without a default; existing rows need a value", f.Name)
		}
		a.trackReference(d, app, f, created)
		d.add(app, &AddField{Model: name, Field: f.Clone()})
	}

	var altered []state.FieldState
	for _, f := range newM.Fields {
		if o, ok := cur.Field(f.Name); ok && !o.Equal(f) {
			altered = append(altered, f)
		}
	}
	sort.Slice(altered, func(i, j int) bool { return altered[i].Name < altered[j].Name })
	for _, f := range altered {
		a.trackReference(d, app, f, created)
		d.add(app, &AlterField{Model: name, Field: f.Clone()})
	}

	d.add(app, creates...)
}

// deleteModels drops models dependents first. Foreign keys between deleted
// models that form a cycle are removed before the tables go.
func (a *Autodetector) deleteModels(d *DetectedChanges, app string, names []string, from *state.ProjectState, deleted map[string]map[string]bool) {
	// apps whose remaining models drop a reference to these models must
	// migrate first
	for _, other := range from.AllModels() {
		if other.App == app {
			continue
		}
		for _, f := range other.Fields {
			if fk := f.ForeignKey; fk != nil && fk.App == app && deleted[app][fk.Model] {
				d.dependOnNew(app, other.App)
			}
		}
	}

	pending := toSet(names)
	// cut[model][field] marks foreign keys already removed to break a cycle
	cut := make(map[string]map[string]bool)
	for len(pending) > 0 {
		var ready []string
		for name := range pending {
			if !referencedByPending(from, app, name, pending, cut) {
				ready = append(ready, name)
			}
		}
		sort.Strings(ready)

		if len(ready) == 0 {
			// cycle: drop the smallest model's references and try again
			name := sortedSet(pending)[0]
			m, _ := from.Model(app, name)
			cut[name] = make(map[string]bool)
			for _, f := range m.Fields {
				if fk := f.ForeignKey; fk != nil && fk.App == app && fk.Model != name && pending[fk.Model] {
					for _, idx := range sortedIndexes(m.Indexes) {
						if containsString(idx.Fields, f.Name) {
							d.add(app, &DropIndex{Model: name, Name: idx.Name})
						}
					}
					d.add(app, &RemoveField{Model: name, Name: f.Name})
					cut[name][f.Name] = true
				}
			}
			continue
		}

		// a model referenced by nobody pending goes first
		for _, name := range ready {
			d.add(app, &DeleteModel{Name: name})
			delete(pending, name)
		}
	}
}

// referencedByPending reports whether another pending model of app holds a
// foreign key to name
func referencedByPending(s *state.ProjectState, app, name string, pending map[string]bool, cut map[string]map[string]bool) bool {
	for other := range pending {
		if other == name {
			continue
		}
		m, _ := s.Model(app, other)
		for _, f := range m.Fields {
			if cut[other][f.Name] {
				continue
			}
			if fk := f.ForeignKey; fk != nil && fk.App == app && fk.Model == name {
				return true
			}
		}
	}
	return false
}

func dependsOnPending(m *state.ModelState, app string, pending map[string]bool) bool {
	for _, f := range m.Fields {
		if fk := f.ForeignKey; fk != nil && fk.App == app && fk.Model != m.Name && pending[fk.Model] {
			return true
		}
	}
	return false
}

// validateReferences checks every foreign key of the declared models
// resolves
func validateReferences(s *state.ProjectState) error {
	for _, m := range s.AllModels() {
		for _, f := range m.Fields {
			fk := f.ForeignKey
			if fk == nil {
				continue
			}
			target, ok := s.Model(fk.App, fk.Model)
			if !ok {
				return invalid(Location{App: m.App, Operation: -1}, state.ErrModelNotFound,
					"%s.%s references %s.%s", m.Name, f.Name, fk.App, fk.Model)
			}
			if fk.Field != "" && target.FieldIndex(fk.Field) < 0 {
				return invalid(Location{App: m.App, Operation: -1}, state.ErrFieldNotFound,
					"%s.%s references %s.%s.%s", m.Name, f.Name, fk.App, fk.Model, fk.Field)
			}
		}
	}
	return nil
}

// BuildMigrations turns the detected changes into one migration per app,
// numbered after the catalog's existing history and depending on each app's
// current leaf plus any cross-app migrations the changes need.
func (d *DetectedChanges) BuildMigrations(c *Catalog) ([]*Migration, error) {
	apps := d.Apps()
	keys := make(map[string]Key, len(apps))
	for _, app := range apps {
		keys[app] = Key{App: app, Name: fmt.Sprintf("%04d_%s", c.NextNumber(app), suggestName(d.Operations[app], c.Graph().Leaves(app)))}
	}

	out := make([]*Migration, 0, len(apps))
	for _, app := range apps {
		var deps []Key
		leaves := c.Graph().Leaves(app)
		if len(leaves) > 1 {
			return nil, &DependencyError{
				Location: Location{App: app, Operation: -1},
				Message:  "app has more than one leaf migration; merge them before generating new ones",
			}
		}
		deps = append(deps, leaves...)
		for _, other := range sortedSet(d.newDeps[app]) {
			if k, ok := keys[other]; ok {
				deps = append(deps, k)
			}
		}
		for _, other := range sortedSet(d.leafDeps[app]) {
			if d.newDeps[app][other] {
				continue
			}
			otherLeaves := c.Graph().Leaves(other)
			if len(otherLeaves) == 1 {
				deps = append(deps, otherLeaves[0])
			}
		}

		m := New(app, keys[app].Name, deps...)
		m.Operations = d.Operations[app]
		if len(leaves) == 0 {
			initial := true
			m.Initial = &initial
		}
		out = append(out, m)
	}
	return out, nil
}

// suggestName derives a readable migration name from its operations
func suggestName(ops []Operation, leaves []Key) string {
	if len(leaves) == 0 {
		return "initial"
	}
	if len(ops) != 1 {
		return "auto"
	}
	var name string
	switch op := ops[0].(type) {
	case *CreateModel:
		name = "create_" + op.Name
	case *DeleteModel:
		name = "delete_" + op.Name
	case *RenameModel:
		name = "rename_" + op.OldName + "_" + op.NewName
	case *AddField:
		name = op.Model + "_" + op.Field.Name
	case *RemoveField:
		name = "remove_" + op.Model + "_" + op.Name
	case *AlterField:
		name = "alter_" + op.Model + "_" + op.Field.Name
	case *RenameField:
		name = "rename_" + op.Model + "_" + op.NewName
	case *CreateIndex:
		name = op.Index.Name
	case *DropIndex:
		name = "drop_" + op.Name
	case *AddConstraint:
		name = op.Constraint.Name
	case *DropConstraint:
		name = "drop_" + op.Name
	default:
		return "auto"
	}
	return strings.ToLower(name)
}

func fieldNames(fields []state.FieldState) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func fieldsPresent(fields []string, m *state.ModelState) bool {
	for _, f := range fields {
		if m.FieldIndex(f) < 0 {
			return false
		}
	}
	return true
}

func dropIndexesOn(indexes []state.IndexDefinition, m *state.ModelState) []state.IndexDefinition {
	var out []state.IndexDefinition
	for _, idx := range indexes {
		if fieldsPresent(idx.Fields, m) {
			out = append(out, idx)
		}
	}
	return out
}

func dropConstraintsOn(constraints []state.ConstraintDefinition, m *state.ModelState) []state.ConstraintDefinition {
	var out []state.ConstraintDefinition
	for _, c := range constraints {
		if fieldsPresent(c.Fields, m) {
			out = append(out, c)
		}
	}
	return out
}

func sortedIndexes(in []state.IndexDefinition) []state.IndexDefinition {
	out := append([]state.IndexDefinition(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedConstraints(in []state.ConstraintDefinition) []state.ConstraintDefinition {
	out := append([]state.ConstraintDefinition(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func unionStrings(a, b []string) []string {
	set := toSet(a)
	for _, s := range b {
		set[s] = true
	}
	return sortedSet(set)
}

func minusStrings(a, b []string) []string {
	drop := toSet(b)
	var out []string
	for _, s := range a {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}

func intersectStrings(a, b []string) []string {
	keep := toSet(b)
	var out []string
	for _, s := range a {
		if keep[s] {
			out = append(out, s)
		}
	}
	return out
}
