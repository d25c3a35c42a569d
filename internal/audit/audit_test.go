package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAssignsUniqueIDsAndKeepsRecent(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "access.log"), 2)
	require.NoError(t, err)
	defer l.Close()

	a := l.Record("POST", "/v1/downloads", "127.0.0.1", 201)
	b := l.Record("GET", "/v1/status", "127.0.0.1", 200)
	c := l.Record("GET", "/v1/downloads", "127.0.0.1", 200)

	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, b.ID, c.ID)

	recent := l.GetRecentLogs(10)
	require.Len(t, recent, 2)
	require.Equal(t, b.ID, recent[0].ID)
	require.Equal(t, c.ID, recent[1].ID)
}

func TestLoadReplaysPersistedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	l, err := Open(path, 100)
	require.NoError(t, err)
	l.Record("POST", "/v1/downloads", "127.0.0.1", 201)
	l.Record("POST", "/v1/downloads/x/control", "127.0.0.1", 200)
	require.NoError(t, l.Close())

	entries, err := Load(path, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "/v1/downloads", entries[0].Path)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	entries, err := Load(filepath.Join(t.TempDir(), "absent.log"), 100)
	require.NoError(t, err)
	require.Empty(t, entries)
}
