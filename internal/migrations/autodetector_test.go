package migrations

import (
	"testing"

	"github.com/ksred/schemaflow/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func projectState(t *testing.T, models ...*state.ModelState) *state.ProjectState {
	t.Helper()
	s, err := state.FromModels(models...)
	require.NoError(t, err)
	return s
}

func userModel(fields ...state.FieldState) *state.ModelState {
	base := []state.FieldState{idField(), {Name: "name", Type: "varchar(100)"}}
	return state.NewModelState("accounts", "User", append(base, fields...)...)
}

func describe(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Describe()
	}
	return out
}

// Scenario C: one new field becomes one AddField
func TestDetect_AddField(t *testing.T) {
	from := projectState(t, userModel())
	to := projectState(t, userModel(state.FieldState{Name: "email", Type: "varchar(255)", Nullable: true}))

	changes, err := NewAutodetector().Detect(from, to)
	require.NoError(t, err)
	require.Equal(t, []string{"accounts"}, changes.Apps())

	ops := changes.Operations["accounts"]
	require.Len(t, ops, 1)
	add, ok := ops[0].(*AddField)
	require.True(t, ok)
	assert.Equal(t, "User", add.Model)
	assert.Equal(t, "email", add.Field.Name)
	assert.Empty(t, changes.Reviews)
}

func TestDetect_NoChanges(t *testing.T) {
	s := projectState(t, userModel())
	changes, err := NewAutodetector().Detect(s, s.Clone())
	require.NoError(t, err)
	assert.True(t, changes.IsEmpty())
}

func TestDetect_FieldChanges(t *testing.T) {
	tests := []struct {
		name    string
		from    *state.ModelState
		to      *state.ModelState
		ops     []string
		reviews int
	}{
		{
			name: "rename with identical shape",
			from: userModel(state.FieldState{Name: "mail", Type: "varchar(255)", Unique: true}),
			to:   userModel(state.FieldState{Name: "email", Type: "varchar(255)", Unique: true}),
			ops:  []string{"Rename field mail on User to email"},
		},
		{
			name:    "remove and add with different shapes",
			from:    userModel(state.FieldState{Name: "age", Type: "integer", Nullable: true}),
			to:      userModel(state.FieldState{Name: "birthday", Type: "date", Nullable: true}),
			ops:     []string{"Remove field age from User", "Add field birthday to User"},
			reviews: 1,
		},
		{
			name:    "required field without default",
			from:    userModel(),
			to:      userModel(state.FieldState{Name: "email", Type: "text"}),
			ops:     []string{"Add field email to User"},
			reviews: 1,
		},
		{
			name: "removals before additions before alterations",
			from: userModel(
				state.FieldState{Name: "b_old", Type: "text", Nullable: true},
				state.FieldState{Name: "a_old", Type: "integer", Nullable: true},
			),
			to: state.NewModelState("accounts", "User",
				idField(),
				state.FieldState{Name: "name", Type: "text"},
				state.FieldState{Name: "z_new", Type: "boolean", Nullable: true},
				state.FieldState{Name: "y_new", Type: "date", Nullable: true},
			),
			ops: []string{
				"Remove field a_old from User",
				"Remove field b_old from User",
				"Add field y_new to User",
				"Add field z_new to User",
				"Alter field name on User",
			},
			reviews: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := NewAutodetector().Detect(projectState(t, tt.from), projectState(t, tt.to))
			require.NoError(t, err)
			assert.Equal(t, tt.ops, describe(changes.Operations["accounts"]))
			assert.Len(t, changes.Reviews, tt.reviews)
		})
	}
}

func TestDetect_ModelRename(t *testing.T) {
	fields := []state.FieldState{
		idField(),
		{Name: "name", Type: "varchar(100)"},
		{Name: "email", Type: "varchar(255)"},
	}
	from := projectState(t, state.NewModelState("crm", "Customer", fields...))
	to := projectState(t, state.NewModelState("crm", "Client", fields...))

	changes, err := NewAutodetector().Detect(from, to)
	require.NoError(t, err)
	require.Len(t, changes.Operations["crm"], 1)
	rn, ok := changes.Operations["crm"][0].(*RenameModel)
	require.True(t, ok)
	assert.Equal(t, "Customer", rn.OldName)
	assert.Equal(t, "Client", rn.NewName)

	// too different to be a rename
	to = projectState(t, state.NewModelState("crm", "Client", idField(), state.FieldState{Name: "title", Type: "text"}))
	changes, err = NewAutodetector().Detect(from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{"Create model Client", "Delete model Customer"}, describe(changes.Operations["crm"]))
}

func TestDetect_CreateOrderFollowsReferences(t *testing.T) {
	product := state.NewModelState("shop", "Product", idField())
	order := state.NewModelState("shop", "Order", idField(),
		state.FieldState{Name: "product_id", Type: "integer", ForeignKey: &state.ForeignKeyRef{App: "shop", Model: "Product"}})

	changes, err := NewAutodetector().Detect(state.New(), projectState(t, order, product))
	require.NoError(t, err)
	assert.Equal(t, []string{"Create model Product", "Create model Order"}, describe(changes.Operations["shop"]))

	// deletion runs the other way
	changes, err = NewAutodetector().Detect(projectState(t, order, product), state.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"Delete model Order", "Delete model Product"}, describe(changes.Operations["shop"]))
}

func TestDetect_MutualReferences(t *testing.T) {
	a := state.NewModelState("org", "Department", idField(),
		state.FieldState{Name: "head_id", Type: "integer", Nullable: true, ForeignKey: &state.ForeignKeyRef{App: "org", Model: "Employee"}})
	b := state.NewModelState("org", "Employee", idField(),
		state.FieldState{Name: "department_id", Type: "integer", ForeignKey: &state.ForeignKeyRef{App: "org", Model: "Department"}})
	to := projectState(t, a, b)

	changes, err := NewAutodetector().Detect(state.New(), to)
	require.NoError(t, err)
	ops := changes.Operations["org"]
	assert.Equal(t, []string{
		"Create model Department",
		"Create model Employee",
		"Add field head_id to Department",
	}, describe(ops))

	got, err := Walk("org", ops, state.New(), nil)
	require.NoError(t, err)
	assert.True(t, to.Equal(got))

	// and back down again
	changes, err = NewAutodetector().Detect(to, state.New())
	require.NoError(t, err)
	down, err := Walk("org", changes.Operations["org"], to, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, down.Len())
}

func TestDetect_DuplicateTables(t *testing.T) {
	a := state.NewModelState("shop", "Product", idField())
	b := state.NewModelState("inventory", "Item", idField())
	b.Table = a.Table

	_, err := NewAutodetector().Detect(state.New(), projectState(t, a, b))
	require.Error(t, err)
	assert.True(t, IsInvalidMigrationError(err))
}

func TestDetect_ReusedTableDropsOldModelFirst(t *testing.T) {
	user := state.NewModelState("shop", "User", idField(),
		state.FieldState{Name: "name", Type: "varchar(100)"},
		state.FieldState{Name: "age", Type: "integer", Nullable: true})
	user.Table = "users"
	account := state.NewModelState("shop", "Account", idField(),
		state.FieldState{Name: "email", Type: "varchar(255)"},
		state.FieldState{Name: "balance", Type: "decimal(10,2)"})
	account.Table = "users"

	from := projectState(t, user)
	to := projectState(t, account)
	changes, err := NewAutodetector().Detect(from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{"Delete model User", "Create model Account"}, describe(changes.Operations["shop"]))

	replayed := from.Clone()
	for _, op := range changes.Operations["shop"] {
		require.NoError(t, op.StateForward("shop", replayed))
	}
	require.NoError(t, replayed.ValidateTables())
	assert.True(t, replayed.Equal(to))
}

func TestDetect_ReusedTableStillReferenced(t *testing.T) {
	user := state.NewModelState("shop", "User", idField(),
		state.FieldState{Name: "name", Type: "varchar(100)"})
	user.Table = "users"
	order := state.NewModelState("shop", "Order", idField(),
		state.FieldState{Name: "user_id", Type: "integer", ForeignKey: &state.ForeignKeyRef{App: "shop", Model: "User"}})
	account := state.NewModelState("shop", "Account", idField(),
		state.FieldState{Name: "email", Type: "varchar(255)"})
	account.Table = "users"
	keptOrder := state.NewModelState("shop", "Order", idField(),
		state.FieldState{Name: "user_id", Type: "integer"})

	_, err := NewAutodetector().Detect(projectState(t, user, order), projectState(t, account, keptOrder))
	require.Error(t, err)
	assert.True(t, IsInvalidMigrationError(err))
	assert.Contains(t, err.Error(), `reuses table "users"`)
}

func TestDetect_DanglingReference(t *testing.T) {
	m := state.NewModelState("shop", "Order", idField(),
		state.FieldState{Name: "user_id", Type: "integer", ForeignKey: &state.ForeignKeyRef{App: "auth", Model: "User"}})
	_, err := NewAutodetector().Detect(state.New(), projectState(t, m))
	assert.True(t, IsInvalidMigrationError(err))
}

// declaredShop is the shop history's final state with a handful of edits
func declaredShop(t *testing.T) *state.ProjectState {
	t.Helper()
	c, err := NewCatalog(shopHistory(), nil)
	require.NoError(t, err)
	s, err := c.State()
	require.NoError(t, err)

	product, _ := s.Model("shop", "Product")
	require.NoError(t, product.RenameField("name", "title"))
	require.NoError(t, product.ReplaceField("price", state.FieldState{Name: "price", Type: "decimal(12,2)", Default: strPtr("0")}))
	require.NoError(t, product.AddIndex(state.IndexDefinition{Name: "product_title_idx", Fields: []string{"title"}}))
	require.NoError(t, product.AddConstraint(state.ConstraintDefinition{Name: "price_positive", Kind: state.ConstraintCheck, Check: "price >= 0"}))

	user, _ := s.Model("auth", "User")
	require.NoError(t, user.AddField(state.FieldState{Name: "active", Type: "boolean", Default: strPtr("true")}))

	require.NoError(t, s.AddModel(state.NewModelState("blog", "Post", idField(),
		state.FieldState{Name: "author_id", Type: "integer", ForeignKey: &state.ForeignKeyRef{App: "auth", Model: "User"}},
		state.FieldState{Name: "product_id", Type: "integer", Nullable: true, ForeignKey: &state.ForeignKeyRef{App: "shop", Model: "Product", OnDelete: "set null"}},
	)))
	return s
}

func TestDetect_Deterministic(t *testing.T) {
	c, err := NewCatalog(shopHistory(), nil)
	require.NoError(t, err)
	from, err := c.State()
	require.NoError(t, err)

	var prints []string
	for i := 0; i < 5; i++ {
		changes, err := NewAutodetector().Detect(from, declaredShop(t))
		require.NoError(t, err)
		fp, err := changes.Fingerprint()
		require.NoError(t, err)
		prints = append(prints, fp)
	}
	for _, fp := range prints[1:] {
		assert.Equal(t, prints[0], fp)
	}
}

func TestDetect_ApplyingChangesReachesDeclaredState(t *testing.T) {
	c, err := NewCatalog(shopHistory(), nil)
	require.NoError(t, err)
	from, err := c.State()
	require.NoError(t, err)
	to := declaredShop(t)

	changes, err := NewAutodetector().Detect(from, to)
	require.NoError(t, err)

	migs, err := changes.BuildMigrations(c)
	require.NoError(t, err)
	require.Len(t, migs, 3)

	byApp := make(map[string]*Migration)
	for _, m := range migs {
		byApp[m.App] = m
	}
	assert.Equal(t, "0002_user_active", byApp["auth"].Name)
	assert.Equal(t, "0001_initial", byApp["blog"].Name)
	assert.True(t, byApp["blog"].IsInitial())
	assert.Equal(t, "0004_auto", byApp["shop"].Name)
	assert.Equal(t, []Key{k("shop", "0003_order")}, byApp["shop"].Dependencies)
	// Post only needs the tables that exist today
	assert.Equal(t, []Key{k("auth", "0001_initial"), k("shop", "0003_order")}, byApp["blog"].Dependencies)

	assert.Equal(t, []string{
		"Rename field name on Product to title",
		"Alter field price on Product",
		"Create index product_title_idx on Product",
		"Add constraint price_positive to Product",
	}, describe(byApp["shop"].Operations))
	assert.Empty(t, changes.Reviews)

	// the generated migrations slot into the catalog and replay to the
	// declared models
	full, err := NewCatalog(append(shopHistory(), migs...), nil)
	require.NoError(t, err)
	got, err := full.State()
	require.NoError(t, err)
	assert.True(t, to.Equal(got))

	again, err := NewAutodetector().Detect(got, to)
	require.NoError(t, err)
	assert.True(t, again.IsEmpty())
}
