package db

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOpenGormSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facilitator.db")
	gormDB, err := OpenGorm("sqlite", path)
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestOpenGormInvalidDriver(t *testing.T) {
	_, err := OpenGorm("invalid", "x")
	require.Error(t, err)
}

func TestOpenGormPostgresRequiresDSN(t *testing.T) {
	_, err := OpenGorm("postgres", " ")
	require.ErrorContains(t, err, "dsn is required")
}

func TestOpenGormSQLiteCreatesParentDirectory(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "path", "facilitator.db")

	var buf bytes.Buffer
	gormDB, err := OpenGorm("sqlite", dbPath, WithLogger(zerolog.New(&buf)))
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_, err = os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "expected parent dir to be created")
}

func TestSQLiteFilePath(t *testing.T) {
	cases := map[string]struct {
		path string
		ok   bool
	}{
		":memory:":                       {"", false},
		"file::memory:?cache=shared":     {"", false},
		"file:data/app.db?mode=memory":   {"", false},
		"data/app.db?_pragma=busy(5000)": {"data/app.db", true},
		"file:/var/lib/app.db":           {"/var/lib/app.db", true},
	}
	for dsn, want := range cases {
		got, ok := sqliteFilePath(dsn)
		require.Equal(t, want.ok, ok, dsn)
		require.Equal(t, want.path, got, dsn)
	}
}
