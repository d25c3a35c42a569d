package diskspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateCreatesFileOfExactSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.part")

	f, err := Allocate(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(4096), info.Size())
}

func TestCheckFreeSpaceRejectsUnreasonableSize(t *testing.T) {
	dir := t.TempDir()
	err := CheckFreeSpace(dir, 1<<62)
	require.Error(t, err)
}
