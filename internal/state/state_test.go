package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func userModel() *ModelState {
	return NewModelState("accounts", "User",
		FieldState{Name: "id", Type: "bigint", PrimaryKey: true},
		FieldState{Name: "email", Type: "varchar(255)", Unique: true},
		FieldState{Name: "active", Type: "boolean", Default: strPtr("true")},
	)
}

func postModel() *ModelState {
	return NewModelState("blog", "Post",
		FieldState{Name: "id", Type: "bigint", PrimaryKey: true},
		FieldState{Name: "author_id", Type: "bigint", ForeignKey: &ForeignKeyRef{App: "accounts", Model: "User", Field: "id"}},
	)
}

func TestDefaultTable(t *testing.T) {
	assert.Equal(t, "accounts_user", DefaultTable("Accounts", "User"))
	assert.Equal(t, "accounts_user", userModel().Table)
}

func TestModelState_Clone(t *testing.T) {
	m := userModel()
	m.Options = map[string]string{"comment": "people"}
	require.NoError(t, m.AddIndex(IndexDefinition{Name: "idx_email", Fields: []string{"email"}}))

	c := m.Clone()
	require.True(t, m.Equal(c))

	*c.Fields[2].Default = "false"
	c.Indexes[0].Fields[0] = "id"
	c.Options["comment"] = "changed"

	assert.Equal(t, "true", *m.Fields[2].Default)
	assert.Equal(t, "email", m.Indexes[0].Fields[0])
	assert.Equal(t, "people", m.Options["comment"])
	assert.False(t, m.Equal(c))
}

func TestModelState_EqualIgnoresFieldOrder(t *testing.T) {
	a := userModel()
	b := userModel()
	b.Fields[0], b.Fields[2] = b.Fields[2], b.Fields[0]
	assert.True(t, a.Equal(b))

	b.Fields[1].Nullable = true
	assert.False(t, a.Equal(b))
}

func TestModelState_Fields(t *testing.T) {
	t.Run("add duplicate", func(t *testing.T) {
		m := userModel()
		err := m.AddField(FieldState{Name: "email", Type: "text"})
		assert.True(t, errors.Is(err, ErrDuplicate))
	})

	t.Run("remove returns position", func(t *testing.T) {
		m := userModel()
		f, pos, err := m.RemoveField("email")
		require.NoError(t, err)
		assert.Equal(t, "email", f.Name)
		assert.Equal(t, 1, pos)
		assert.Len(t, m.Fields, 2)
	})

	t.Run("remove missing", func(t *testing.T) {
		m := userModel()
		_, _, err := m.RemoveField("nope")
		assert.True(t, errors.Is(err, ErrFieldNotFound))
	})

	t.Run("rename patches indexes and constraints", func(t *testing.T) {
		m := userModel()
		require.NoError(t, m.AddIndex(IndexDefinition{Name: "idx_email", Fields: []string{"email"}}))
		require.NoError(t, m.AddConstraint(ConstraintDefinition{Name: "uq_email", Kind: ConstraintUnique, Fields: []string{"email", "id"}}))

		require.NoError(t, m.RenameField("email", "mail"))

		idx, _ := m.Index("idx_email")
		con, _ := m.Constraint("uq_email")
		assert.Equal(t, []string{"mail"}, idx.Fields)
		assert.Equal(t, []string{"mail", "id"}, con.Fields)
		_, ok := m.Field("email")
		assert.False(t, ok)
	})

	t.Run("rename onto existing", func(t *testing.T) {
		m := userModel()
		err := m.RenameField("email", "active")
		assert.True(t, errors.Is(err, ErrDuplicate))
	})
}

func TestModelState_IndexesAndConstraints(t *testing.T) {
	m := userModel()

	err := m.AddIndex(IndexDefinition{Name: "idx_missing", Fields: []string{"missing"}})
	assert.True(t, errors.Is(err, ErrFieldNotFound))

	require.NoError(t, m.AddIndex(IndexDefinition{Name: "idx_active", Fields: []string{"active"}}))
	assert.True(t, errors.Is(m.AddIndex(IndexDefinition{Name: "idx_active", Fields: []string{"active"}}), ErrDuplicate))

	removed, err := m.RemoveIndex("idx_active")
	require.NoError(t, err)
	assert.Equal(t, "idx_active", removed.Name)
	_, err = m.RemoveIndex("idx_active")
	assert.True(t, errors.Is(err, ErrIndexNotFound))

	_, err = m.RemoveConstraint("nope")
	assert.True(t, errors.Is(err, ErrConstraintNotFound))
}

func TestProjectState_AddRemove(t *testing.T) {
	s := New()
	require.NoError(t, s.AddModel(userModel()))
	assert.True(t, errors.Is(s.AddModel(userModel()), ErrDuplicate))
	assert.Equal(t, 1, s.Len())

	m, ok := s.Model("accounts", "User")
	require.True(t, ok)
	assert.Equal(t, "accounts_user", m.Table)

	_, err := s.RemoveModel("accounts", "User")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Apps())

	_, err = s.RemoveModel("accounts", "User")
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestProjectState_AddModelStoresCopy(t *testing.T) {
	s := New()
	m := userModel()
	require.NoError(t, s.AddModel(m))
	m.Fields[0].Type = "integer"

	stored, _ := s.Model("accounts", "User")
	assert.Equal(t, "bigint", stored.Fields[0].Type)
}

func TestProjectState_CloneIsIndependent(t *testing.T) {
	s, err := FromModels(userModel(), postModel())
	require.NoError(t, err)

	c := s.Clone()
	require.True(t, s.Equal(c))

	m, _ := c.Model("blog", "Post")
	m.Fields[1].ForeignKey.Model = "Other"
	assert.False(t, s.Equal(c))

	orig, _ := s.Model("blog", "Post")
	assert.Equal(t, "User", orig.Fields[1].ForeignKey.Model)
}

func TestProjectState_RenameModel(t *testing.T) {
	s, err := FromModels(userModel(), postModel())
	require.NoError(t, err)

	require.NoError(t, s.RenameModel("accounts", "User", "Member"))

	_, ok := s.Model("accounts", "User")
	assert.False(t, ok)
	member, ok := s.Model("accounts", "Member")
	require.True(t, ok)
	assert.Equal(t, "Member", member.Name)
	assert.Equal(t, "accounts_member", member.Table)

	post, _ := s.Model("blog", "Post")
	assert.Equal(t, "Member", post.Fields[1].ForeignKey.Model)
}

func TestProjectState_RenameModelKeepsCustomTable(t *testing.T) {
	u := userModel()
	u.Table = "users"
	s, err := FromModels(u)
	require.NoError(t, err)

	require.NoError(t, s.RenameModel("accounts", "User", "Member"))
	m, _ := s.Model("accounts", "Member")
	assert.Equal(t, "users", m.Table)
}

func TestProjectState_RenameFieldReferences(t *testing.T) {
	s, err := FromModels(userModel(), postModel())
	require.NoError(t, err)

	s.RenameFieldReferences("accounts", "User", "id", "user_id")
	post, _ := s.Model("blog", "Post")
	assert.Equal(t, "user_id", post.Fields[1].ForeignKey.Field)
}

func TestProjectState_Ordering(t *testing.T) {
	s, err := FromModels(postModel(), userModel(), NewModelState("accounts", "Group"))
	require.NoError(t, err)

	assert.Equal(t, []string{"accounts", "blog"}, s.Apps())
	assert.Equal(t, []string{"accounts.Group", "accounts.User", "blog.Post"}, s.ModelKeys())
	assert.Equal(t, []string{"accounts_group", "accounts_user", "blog_post"}, s.Tables())

	refs := s.ReferencesTo("accounts", "User")
	require.Len(t, refs, 1)
	assert.Equal(t, "Post", refs[0].Name)
}

func TestProjectState_ValidateTables(t *testing.T) {
	a := NewModelState("a", "Thing")
	a.Table = "things"
	b := NewModelState("b", "Thing")
	b.Table = "things"

	s, err := FromModels(a, b)
	require.NoError(t, err)

	err = s.ValidateTables()
	var dup *DuplicateTableError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "things", dup.Table)
	assert.Equal(t, []string{"a.Thing", "b.Thing"}, dup.Models)
}
