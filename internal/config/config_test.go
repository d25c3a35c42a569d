package config

import (
	"path/filepath"
	"testing"

	"github.com/lkaranl/keeper/internal/opstore"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := opstore.Open(filepath.Join(t.TempDir(), "operational.db"))
	require.NoError(t, err)
	return New(store)
}

func TestNewGeneratesControlToken(t *testing.T) {
	m := newTestManager(t)
	require.NotEmpty(t, m.GetControlToken())
}

func TestControlEnabledDefaultsTrue(t *testing.T) {
	m := newTestManager(t)
	require.True(t, m.GetControlEnabled())

	require.NoError(t, m.SetControlEnabled(false))
	require.False(t, m.GetControlEnabled())
}

func TestBandwidthCapRoundTrip(t *testing.T) {
	m := newTestManager(t)
	require.Equal(t, 0, m.GetBandwidthCapBps())

	require.NoError(t, m.SetBandwidthCapBps(1<<20))
	require.Equal(t, 1<<20, m.GetBandwidthCapBps())
}

func TestFactoryResetRegeneratesToken(t *testing.T) {
	m := newTestManager(t)
	before := m.GetControlToken()

	require.NoError(t, m.SetBandwidthCapBps(500))
	m.FactoryReset()

	require.NotEqual(t, before, m.GetControlToken())
	require.Equal(t, 0, m.GetBandwidthCapBps())
	require.Equal(t, 4, m.GetMaxConcurrentRequests())
	require.Equal(t, 4, m.GetMaxConcurrentDownloads())
	require.True(t, m.GetAIMDEnabled())
}

func TestMaxConcurrentDownloadsRoundTrip(t *testing.T) {
	m := newTestManager(t)
	require.Equal(t, 4, m.GetMaxConcurrentDownloads())

	require.NoError(t, m.SetMaxConcurrentDownloads(2))
	require.Equal(t, 2, m.GetMaxConcurrentDownloads())
}

func TestAIMDEnabledRoundTrip(t *testing.T) {
	m := newTestManager(t)
	require.True(t, m.GetAIMDEnabled())

	require.NoError(t, m.SetAIMDEnabled(false))
	require.False(t, m.GetAIMDEnabled())
}
