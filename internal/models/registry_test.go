package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/schemaflow/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type Account struct {
	ID        uint           `gorm:"primaryKey"`
	Email     string         `gorm:"size:255;uniqueIndex;not null"`
	Nickname  *string        `gorm:"size:40"`
	Active    bool           `gorm:"default:true;not null"`
	Status    string         `gorm:"size:20;default:'pending';not null"`
	CreatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
	Keys      []APIKey       `gorm:"foreignKey:AccountID"`
}

type APIKey struct {
	ID        uint    `gorm:"primaryKey"`
	AccountID uint    `gorm:"not null;index"`
	Account   Account `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Label     string  `gorm:"type:text"`
	Quota     float64 `gorm:"precision:10;scale:2;check:quota_positive,quota >= 0"`
}

type Session struct {
	ID      uint `gorm:"primaryKey"`
	OwnerID uint
	Owner   Account
}

func strPtr(s string) *string { return &s }

func TestRegistry_ParsesStructs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("accounts", &Account{}, &APIKey{}))

	s, err := r.DeclaredModels()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	account, ok := s.Model("accounts", "Account")
	require.True(t, ok)
	assert.Equal(t, "accounts_account", account.Table)
	assert.Equal(t, []state.FieldState{
		{Name: "id", Type: "bigint", PrimaryKey: true},
		{Name: "email", Type: "varchar(255)"},
		{Name: "nickname", Type: "varchar(40)", Nullable: true},
		{Name: "active", Type: "boolean", Default: strPtr("true")},
		{Name: "status", Type: "varchar(20)", Default: strPtr("'pending'")},
		{Name: "created_at", Type: "timestamp"},
		{Name: "deleted_at", Type: "timestamp", Nullable: true},
	}, account.Fields)
	assert.Equal(t, []state.IndexDefinition{
		{Name: "idx_accounts_account_deleted_at", Fields: []string{"deleted_at"}},
		{Name: "idx_accounts_account_email", Fields: []string{"email"}, Unique: true},
	}, account.Indexes)

	key, ok := s.Model("accounts", "APIKey")
	require.True(t, ok)
	assert.Equal(t, "accounts_apikey", key.Table)

	fk, ok := key.Field("account_id")
	require.True(t, ok)
	assert.Equal(t, &state.ForeignKeyRef{App: "accounts", Model: "Account", Field: "id", OnDelete: "cascade"}, fk.ForeignKey)
	assert.False(t, fk.Nullable)

	label, _ := key.Field("label")
	assert.Equal(t, "text", label.Type)
	quota, _ := key.Field("quota")
	assert.Equal(t, "decimal(10,2)", quota.Type)

	assert.Equal(t, []state.ConstraintDefinition{
		{Name: "quota_positive", Kind: state.ConstraintCheck, Check: "quota >= 0"},
	}, key.Constraints)
}

func TestRegistry_Errors(t *testing.T) {
	t.Run("unregistered reference", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("auth", &Session{}))
		_, err := r.DeclaredModels()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unregistered model Account")
	})

	t.Run("registered twice", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("accounts", Account{}))
		err := r.Register("billing", &Account{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered under accounts")
	})

	t.Run("not a struct", func(t *testing.T) {
		assert.Error(t, NewRegistry().Register("accounts", 42))
	})

	t.Run("missing app", func(t *testing.T) {
		assert.Error(t, NewRegistry().Register("", &Account{}))
	})

	t.Run("duplicate table", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("accounts", &Account{}))
		m := state.NewModelState("billing", "Invoice", state.FieldState{Name: "id", Type: "integer", PrimaryKey: true})
		m.Table = "accounts_account"
		r.Declare(m)
		_, err := r.DeclaredModels()
		require.Error(t, err)
	})
}

func TestRegistry_CrossAppReference(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("accounts", &Account{}, &APIKey{}))
	require.NoError(t, r.Register("auth", &Session{}))

	s, err := r.DeclaredModels()
	require.NoError(t, err)

	session, ok := s.Model("auth", "Session")
	require.True(t, ok)
	owner, ok := session.Field("owner_id")
	require.True(t, ok)
	assert.Equal(t, &state.ForeignKeyRef{App: "accounts", Model: "Account", Field: "id"}, owner.ForeignKey)
	assert.Len(t, s.ReferencesTo("accounts", "Account"), 2)
}

func TestRegistry_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	doc := `models:
  - app: shop
    name: Product
    fields:
      - {name: id, type: integer, primary_key: true}
      - {name: title, type: varchar(200)}
      - {name: price, type: decimal(10,2), default: "0"}
    indexes:
      - {name: product_title_idx, fields: [title]}
  - app: shop
    name: Order
    table: orders
    fields:
      - {name: id, type: integer, primary_key: true}
      - name: product_id
        type: integer
        foreign_key: {app: shop, model: Product, on_delete: cascade}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))
	s, err := r.DeclaredModels()
	require.NoError(t, err)

	product, ok := s.Model("shop", "Product")
	require.True(t, ok)
	assert.Equal(t, "shop_product", product.Table)
	price, _ := product.Field("price")
	assert.Equal(t, "0", *price.Default)

	order, ok := s.Model("shop", "Order")
	require.True(t, ok)
	assert.Equal(t, "orders", order.Table)
	assert.Len(t, s.ReferencesTo("shop", "Product"), 1)
}

func TestRegistry_LoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown key":  "models:\n  - app: shop\n    name: A\n    colour: red\n",
		"missing name": "models:\n  - app: shop\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
			assert.Error(t, NewRegistry().LoadFile(path))
		})
	}

	assert.Error(t, NewRegistry().LoadFile(filepath.Join(dir, "absent.yaml")))
}
