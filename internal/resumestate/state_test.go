package resumestate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitfieldRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		completed map[int]bool
		numParts  int
	}{
		{"empty", map[int]bool{}, 10},
		{"all", map[int]bool{0: true, 1: true, 2: true}, 3},
		{"sparse", map[int]bool{0: true, 5: true, 63: true}, 64},
		{"single", map[int]bool{0: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bits := CompletedPartsToBitfield(tt.completed, tt.numParts)
			got := BitfieldToCompletedParts(bits, tt.numParts)
			require.Equal(t, len(tt.completed), len(got))
			for idx := range tt.completed {
				require.True(t, got[idx])
			}
		})
	}
}

func TestCountCompletedParts(t *testing.T) {
	bits := CompletedPartsToBitfield(map[int]bool{0: true, 2: true, 9: true}, 16)
	require.Equal(t, 3, CountCompletedParts(bits))
}

func TestMatchesRejectsSizeMismatch(t *testing.T) {
	s := New("https://x/y", "etag1", "", 100, 4)
	require.False(t, s.Matches("https://x/y", "etag1", "", 200))
}

func TestMatchesRejectsETagMismatch(t *testing.T) {
	s := New("https://x/y", "etag1", "", 100, 4)
	require.False(t, s.Matches("https://x/y", "etag2", "", 100))
}

func TestMatchesAcceptsSameIdentity(t *testing.T) {
	s := New("https://x/y", "etag1", "", 100, 4)
	require.True(t, s.Matches("https://x/y", "etag1", "", 100))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.part.resume")
	s := New("https://x/y", "etag1", "", 100, 4).MarkComplete(1).MarkComplete(3)

	require.NoError(t, Save(path, s))
	loaded, ok := Load(path)
	require.True(t, ok)
	require.Equal(t, s.URL, loaded.URL)
	set := loaded.CompletedSet()
	require.True(t, set[1])
	require.True(t, set[3])
	require.False(t, set[0])
}

func TestLoadAbsentFileNotOk(t *testing.T) {
	_, ok := Load(filepath.Join(t.TempDir(), "missing.resume"))
	require.False(t, ok)
}
