package database

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func sqliteConfig(t *testing.T) config.Database {
	cfg := config.NewDefault().Database
	cfg.Dialect = string(state.DialectSQLite)
	cfg.Path = filepath.Join(t.TempDir(), "schemaflow.db")
	return cfg
}

func TestDatabase_ConnectSQLite(t *testing.T) {
	ctx := context.Background()
	d := NewDatabase(sqliteConfig(t), zerolog.Nop())
	assert.Equal(t, state.DialectSQLite, d.Dialect())

	require.Error(t, d.Health(ctx))
	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Health(ctx))

	require.NoError(t, d.DB().Exec("CREATE TABLE probe (id INTEGER PRIMARY KEY)").Error)
	sqlDB, err := d.DB().DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)

	require.NoError(t, d.Close())
	assert.Nil(t, d.DB())
	require.NoError(t, d.Close())
	assert.Error(t, d.Health(ctx))
}

func TestDatabase_UnsupportedDialect(t *testing.T) {
	cfg := config.NewDefault().Database
	cfg.Dialect = "oracle"
	err := NewDatabase(cfg, zerolog.Nop()).Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database dialect")
}

func TestDatabase_OpenPostgresMock(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	d := NewDatabase(config.NewDefault().Database, zerolog.Nop())
	dial := func() (gorm.Dialector, error) { return postgres.New(postgres.Config{Conn: mockDB}), nil }
	require.NoError(t, d.open(context.Background(), dial))
	require.NotNil(t, d.DB())

	mock.ExpectExec("SELECT pg_advisory_unlock_all()").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, d.DB().Exec("SELECT pg_advisory_unlock_all()").Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// mysqlDialer hands out one sqlmock-backed dialector per attempt, the n-th
// failing its version probe with errs[n] (nil succeeds)
func mysqlDialer(t *testing.T, errs ...error) (func() (gorm.Dialector, error), func() int) {
	var mocks []sqlmock.Sqlmock
	dial := func() (gorm.Dialector, error) {
		require.Less(t, len(mocks), len(errs), "unexpected connection attempt")
		mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		require.NoError(t, err)
		t.Cleanup(func() { mockDB.Close() })

		q := mock.ExpectQuery("SELECT VERSION()")
		if e := errs[len(mocks)]; e != nil {
			q.WillReturnError(e)
		} else {
			q.WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36"))
		}
		mocks = append(mocks, mock)
		return mysql.New(mysql.Config{Conn: mockDB}), nil
	}
	attempts := func() int {
		for _, m := range mocks {
			assert.NoError(t, m.ExpectationsWereMet())
		}
		return len(mocks)
	}
	return dial, attempts
}

func mysqlDatabase() *Database {
	cfg := config.NewDefault().Database
	cfg.Dialect = string(state.DialectMySQL)
	d := NewDatabase(cfg, zerolog.Nop())
	d.maxRetries = 3
	d.retryDelay = time.Millisecond
	return d
}

func TestDatabase_OpenRetries(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		wantErr  bool
		attempts int
	}{
		{
			name:     "retryable then success",
			errs:     []error{errors.New("dial tcp: connection refused"), nil},
			attempts: 2,
		},
		{
			name:     "not retryable",
			errs:     []error{errors.New("Error 1045: Access denied")},
			wantErr:  true,
			attempts: 1,
		},
		{
			name: "gives up",
			errs: []error{
				errors.New("connection refused"),
				errors.New("connection refused"),
				errors.New("connection refused"),
			},
			wantErr:  true,
			attempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dial, attempts := mysqlDialer(t, tt.errs...)
			d := mysqlDatabase()

			err := d.open(context.Background(), dial)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "after")
				assert.Nil(t, d.DB())
			} else {
				require.NoError(t, err)
				assert.NotNil(t, d.DB())
			}
			assert.Equal(t, tt.attempts, attempts())
		})
	}
}

func TestDatabase_OpenStopsOnCancel(t *testing.T) {
	dial, attempts := mysqlDialer(t, errors.New("connection refused"))
	d := mysqlDatabase()
	d.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.open(ctx, dial)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true},
		{errors.New("FATAL: the database system is starting up"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("password authentication failed"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableError(tt.err), "%v", tt.err)
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, ParseLogLevel("silent"))
	assert.Equal(t, logger.Error, ParseLogLevel("error"))
	assert.Equal(t, logger.Warn, ParseLogLevel("warn"))
	assert.Equal(t, logger.Info, ParseLogLevel("info"))
	assert.Equal(t, logger.Error, ParseLogLevel("verbose"))
}

func TestGormLogger_Trace(t *testing.T) {
	statement := func() (string, int64) { return "SELECT 1", 1 }
	recent := time.Now()
	slow := time.Now().Add(-2 * SlowQueryThreshold)

	tests := []struct {
		name  string
		level logger.LogLevel
		begin time.Time
		err   error
		want  string
	}{
		{"silent drops everything", logger.Silent, recent, errors.New("boom"), ""},
		{"failure at error level", logger.Error, recent, errors.New("boom"), "Query failed"},
		{"record not found is quiet", logger.Error, recent, gorm.ErrRecordNotFound, ""},
		{"slow query at warn level", logger.Warn, slow, nil, "Slow query"},
		{"fast query below info", logger.Warn, recent, nil, ""},
		{"every query at info", logger.Info, recent, nil, "\"message\":\"Query\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			l := NewGormLogger(zerolog.New(buf), logger.Silent).LogMode(tt.level)
			l.Trace(context.Background(), tt.begin, statement, tt.err)
			if tt.want == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.want)
			assert.Contains(t, buf.String(), "SELECT 1")
		})
	}
}

func TestGormLogger_Messages(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewGormLogger(zerolog.New(buf), logger.Warn)
	ctx := context.Background()

	l.Info(ctx, "hidden %d", 1)
	l.Warn(ctx, "warned %d", 2)
	l.Error(ctx, "failed %d", 3)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "warned 2")
	assert.Contains(t, buf.String(), "failed 3")
}
