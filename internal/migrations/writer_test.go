package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ksred/schemaflow/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func richMigration() *Migration {
	m := mig("shop", "0004_catalog", []Operation{
		&CreateExtension{Name: "citext"},
		&CreateCollation{Name: "nocase", Provider: "icu", Locale: "und-u-ks-level2"},
		&CreateModel{
			Name:  "Tag",
			Table: "shop_tags",
			Fields: []state.FieldState{
				idField(),
				{Name: "label", Type: "varchar(40)", Unique: true},
				{Name: "product_id", Type: "integer", Nullable: true, ForeignKey: &state.ForeignKeyRef{App: "shop", Model: "Product", OnDelete: "set null"}},
			},
			Indexes: []state.IndexDefinition{{Name: "tag_product_idx", Fields: []string{"product_id"}, Where: "product_id IS NOT NULL"}},
			Options: map[string]string{"comment": "free-form labels"},
		},
		&AlterField{Model: "Product", Field: state.FieldState{Name: "price", Type: "decimal(12,2)", Default: strPtr("0")}},
		&AddConstraint{Model: "Product", Constraint: state.ConstraintDefinition{Name: "price_positive", Kind: state.ConstraintCheck, Check: "price >= 0"}},
		&RunSQL{SQL: []string{"UPDATE shop_product SET price = 0 WHERE price IS NULL"}, ReverseSQL: []string{}, Label: "backfill prices"},
		&RunCode{Name: "seed_tags", Forward: noopCode, Reverse: noopCode},
		&DropCollation{Name: "legacy", Original: &CreateCollation{Name: "legacy", Locale: "C", Deterministic: true}},
	}, k("shop", "0003_order"))
	m.Atomic = false
	return m
}

func codes() *CodeRegistry {
	r := NewCodeRegistry()
	r.Register("seed_tags", noopCode, noopCode)
	return r
}

func TestWriter_WriteThenLoad(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())
	m := richMigration()

	path, err := w.Write(m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shop", "0004_catalog.yaml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), fileHeader)
	assert.Contains(t, string(data), "kind: create_model")

	// a second write never clobbers the first
	_, err = w.Write(m)
	assert.True(t, IsInvalidMigrationError(err))

	l := NewLoader(dir, codes(), zerolog.Nop())
	l.Register(shopHistory()...)
	loaded, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	assert.Equal(t, k("shop", "0004_catalog"), loaded[4].Key())

	got := loaded[4]
	assert.False(t, got.Atomic)
	assert.Equal(t, m.Dependencies, got.Dependencies)
	assert.Equal(t, describe(m.Operations), describe(got.Operations))

	want, err := m.Checksum()
	require.NoError(t, err)
	have, err := got.Checksum()
	require.NoError(t, err)
	assert.Equal(t, want, have)

	// the loaded history replays like the in-memory one
	c1, err := NewCatalog(append(shopHistory(), m), nil)
	require.NoError(t, err)
	c2, err := NewCatalog(loaded, nil)
	require.NoError(t, err)
	s1, err := c1.State()
	require.NoError(t, err)
	s2, err := c2.State()
	require.NoError(t, err)
	assert.True(t, s1.Equal(s2))
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown key",
			doc:  "app: shop\nname: \"0001\"\noperations:\n  - kind: delete_model\n    name: A\n    colour: red\n",
		},
		{
			name: "unknown kind",
			doc:  "app: shop\nname: \"0001\"\noperations:\n  - kind: truncate\n",
		},
		{
			name: "missing field",
			doc:  "app: shop\nname: \"0001\"\noperations:\n  - kind: add_field\n    model: Product\n",
		},
		{
			name: "unregistered code",
			doc:  "app: shop\nname: \"0001\"\noperations:\n  - kind: run_code\n    name: missing\n",
		},
		{
			name: "bad dependency",
			doc:  "app: shop\nname: \"0002\"\ndependencies: [shop]\noperations: []\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.doc), codes())
			require.Error(t, err)
			assert.True(t, IsInvalidMigrationError(err), err.Error())
		})
	}
}

func TestLoader_FileMustMatchDeclaredKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shop"), 0o755))

	data, err := NewWriter(dir, zerolog.Nop()).Render(mig("shop", "0001_initial", nil))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop", "0001_renamed.yaml"), data, 0o644))

	_, err = NewLoader(dir, nil, zerolog.Nop()).LoadAll()
	require.Error(t, err)
	assert.True(t, IsInvalidMigrationError(err))
}

func TestLoader_MissingDirectory(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent"), nil, zerolog.Nop())
	migs, err := l.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, migs)
}
