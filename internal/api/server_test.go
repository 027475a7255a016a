package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/database"
	"github.com/ksred/schemaflow/internal/dialect"
	"github.com/ksred/schemaflow/internal/mcp"
	"github.com/ksred/schemaflow/internal/metrics"
	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/models"
	"github.com/ksred/schemaflow/internal/services"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testAPIKey = "test-api-key"

type testServer struct {
	server *Server
	token  string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zerolog.Nop()

	cfg := config.NewDefault()
	cfg.Database.Dialect = string(state.DialectSQLite)
	cfg.Database.Path = filepath.Join(t.TempDir(), "api.db")
	cfg.JWT.Secret = "test-secret"
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Auth.APIKeyHash = string(hash)

	db := database.NewDatabase(cfg.Database, log)
	require.NoError(t, db.Connect(t.Context()))
	t.Cleanup(func() { db.Close() })

	registry := models.NewRegistry()
	registry.Declare(state.NewModelState("shop", "Product",
		state.FieldState{Name: "id", Type: "serial", PrimaryKey: true},
		state.FieldState{Name: "title", Type: "varchar(200)", Nullable: true},
	))

	loader := migrations.NewLoader("", nil, log)
	initial := migrations.New("shop", "0001_initial")
	initial.Operations = []migrations.Operation{
		&migrations.CreateModel{Name: "Product", Fields: []state.FieldState{
			{Name: "id", Type: "serial", PrimaryKey: true},
		}},
	}
	loader.Register(initial)

	collector := metrics.NewCollector("schemaflow")
	svc := services.NewMigrationService(db.DB(), loader, registry, dialect.NewSQLite(),
		dialect.NewSQLiteLock("test"), migrations.NewWriter(t.TempDir(), log), log,
		services.WithObserver(collector))
	mcpServer, err := mcp.NewServer(svc, log)
	require.NoError(t, err)

	server, err := NewServer(cfg, db, svc, log, WithMCP(mcpServer), WithMetrics(collector.Handler()))
	require.NoError(t, err)

	token, err := server.auth.IssueToken("ci", time.Hour)
	require.NoError(t, err)
	return &testServer{server: server, token: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) services.Response {
	t.Helper()
	var resp services.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "sqlite", body["dialect"])
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestServer(t)
	expired, err := ts.server.auth.IssueToken("ci", -time.Minute)
	require.NoError(t, err)
	other := NewAuthenticator(config.Auth{}, config.JWT{Secret: "other-secret"})
	forged, err := other.IssueToken("ci", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"valid api key", map[string]string{"X-API-Key": testAPIKey}, http.StatusOK},
		{"wrong api key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"valid token", map[string]string{"Authorization": "Bearer " + ts.token}, http.StatusOK},
		{"expired token", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized},
		{"foreign signature", map[string]string{"Authorization": "Bearer " + forged}, http.StatusUnauthorized},
		{"bad scheme", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/v1/migrations/status", nil, tt.headers)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				resp := decode(t, rec)
				assert.False(t, resp.Success)
				assert.Equal(t, "unauthorized", resp.Code)
			}
		})
	}
}

func TestMigrationEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	auth := map[string]string{"X-API-Key": testAPIKey}

	t.Run("status", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/migrations/status", nil, auth)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode(t, rec)
		assert.True(t, resp.Success)

		data := resp.Data.(map[string]interface{})
		apps := data["apps"].([]interface{})
		require.Len(t, apps, 1)
		assert.Equal(t, []interface{}{"0001_initial"}, apps[0].(map[string]interface{})["pending"])
	})

	t.Run("plan", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/migrations/plan?app=shop", nil, auth)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec).Data.(map[string]interface{})
		assert.Equal(t, "forward", data["direction"])
		assert.Len(t, data["steps"], 1)
	})

	t.Run("plan errors", func(t *testing.T) {
		tests := []struct {
			query string
			want  int
			code  string
		}{
			{"target=shop.", http.StatusBadRequest, "validation_error"},
			{"app=shop&target=0009_missing", http.StatusNotFound, "migration_not_found"},
		}
		for _, tt := range tests {
			rec := ts.do(t, http.MethodGet, "/api/v1/migrations/plan?"+tt.query, nil, auth)
			assert.Equal(t, tt.want, rec.Code, tt.query)
			assert.Equal(t, tt.code, decode(t, rec).Code, tt.query)
		}
	})

	t.Run("changes", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/migrations/changes", nil, auth)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec).Data.(map[string]interface{})
		proposed := data["migrations"].([]interface{})
		require.Len(t, proposed, 1)
		assert.Equal(t, "shop.0002_product_title", proposed[0].(map[string]interface{})["migration"])
	})

	t.Run("metrics", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `schemaflow_migrations_pending{app="shop"} 1`)
	})
}

func TestHandleMCP(t *testing.T) {
	ts := setupTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + ts.token}

	t.Run("tool call", func(t *testing.T) {
		body := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"migration_status","arguments":{}}}`)
		rec := ts.do(t, http.MethodPost, "/api/v1/mcp", body, auth)
		require.Equal(t, http.StatusOK, rec.Code)

		var rpc struct {
			ID     int `json:"id"`
			Result struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rpc))
		assert.Equal(t, 7, rpc.ID)
		require.Len(t, rpc.Result.Content, 1)
		assert.Contains(t, rpc.Result.Content[0].Text, "1 migration(s) pending")
	})

	t.Run("notification", func(t *testing.T) {
		body := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		rec := ts.do(t, http.MethodPost, "/api/v1/mcp", body, auth)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("parse error", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/mcp", []byte(`{not json`), auth)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Parse error")
	})

	t.Run("requires auth", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/mcp", []byte(`{}`), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSwaggerDoc(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/swagger/doc.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc["paths"], "/migrations/plan")
}

func TestGenerateAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 64)

	a := NewAuthenticator(config.Auth{APIKeyHash: hash}, config.JWT{})
	assert.NoError(t, a.ValidateAPIKey(key))
	assert.Error(t, a.ValidateAPIKey(key+"x"))

	_, err = a.ValidateToken("anything")
	assert.Error(t, err)
}
