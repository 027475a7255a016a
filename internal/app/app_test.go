package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelsDoc = `models:
  - app: blog
    name: Post
    fields:
      - {name: id, type: serial, primary_key: true}
      - {name: title, type: varchar(120)}
`

func testConfig(t *testing.T, withModels bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Database.Dialect = string(state.DialectSQLite)
	cfg.Database.Path = filepath.Join(dir, "app.db")
	cfg.Migrations.Dir = filepath.Join(dir, "migrations")
	cfg.Migrations.ModelsFile = filepath.Join(dir, "models.yaml")
	if withModels {
		require.NoError(t, os.WriteFile(cfg.Migrations.ModelsFile, []byte(modelsDoc), 0o644))
	}
	return cfg
}

func TestNew_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)

	a, err := New(ctx, cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.DB)
	assert.True(t, a.ModelsLoaded)

	paths, _, err := a.Service.WriteMigration(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, filepath.Join(cfg.Migrations.Dir, "blog", "0001_initial.yaml"), paths[0])

	result, err := a.Service.Execute(ctx, "", migrations.Options{})
	require.NoError(t, err)
	assert.Len(t, result.Applied, 1)
	assert.True(t, a.DB.DB().Migrator().HasTable("blog_post"))

	status, err := a.Service.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount())
}

func TestNew_Offline(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, false), zerolog.Nop(), Options{Offline: true})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.False(t, a.ModelsLoaded)

	status, err := a.Service.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Empty(t, status.Apps)
}

func TestNew_Errors(t *testing.T) {
	t.Run("bad models file", func(t *testing.T) {
		cfg := testConfig(t, false)
		require.NoError(t, os.WriteFile(cfg.Migrations.ModelsFile, []byte("models: [oops"), 0o644))
		_, err := New(context.Background(), cfg, zerolog.Nop(), Options{Offline: true})
		assert.Error(t, err)
	})

	t.Run("unknown dialect", func(t *testing.T) {
		cfg := testConfig(t, false)
		cfg.Database.Dialect = "oracle"
		_, err := New(context.Background(), cfg, zerolog.Nop(), Options{Offline: true})
		assert.Error(t, err)
	})
}
