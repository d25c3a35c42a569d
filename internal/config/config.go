// Package config wraps the operational store with typed getters/setters
// for the ambient settings every build of the engine carries: control
// server toggle and token, bandwidth cap, max concurrent control-server
// requests, max concurrent downloads, and the AIMD congestion toggle.
package config

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/lkaranl/keeper/internal/opstore"
)

const (
	keyControlEnabled         = "control_enabled"
	keyControlToken           = "control_token"
	keyBandwidthCapBps        = "bandwidth_cap_bps"
	keyMaxConcurrentReqs      = "max_concurrent_requests"
	keyMaxConcurrentDownloads = "max_concurrent_downloads"
	keyAIMDEnabled            = "aimd_enabled"
)

const (
	defaultMaxConcurrentDownloads = 4
	defaultAIMDEnabled            = 1
)

// Manager is the typed settings facade over the operational store.
type Manager struct {
	store *opstore.Store
}

// New wraps store, generating a random control-server token on first run.
func New(store *opstore.Store) *Manager {
	m := &Manager{store: store}
	if m.GetControlToken() == "" {
		m.regenerateToken()
	}
	return m
}

func (m *Manager) GetControlEnabled() bool {
	return m.store.GetInt(keyControlEnabled, 1) == 1
}

func (m *Manager) SetControlEnabled(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return m.store.SetInt(keyControlEnabled, v)
}

func (m *Manager) GetControlToken() string {
	return m.store.GetString(keyControlToken, "")
}

func (m *Manager) regenerateToken() {
	buf := make([]byte, 16)
	rand.Read(buf)
	m.store.SetString(keyControlToken, hex.EncodeToString(buf))
}

// FactoryReset clears every known setting back to its default, regenerating
// the control token.
func (m *Manager) FactoryReset() {
	m.store.SetInt(keyControlEnabled, 1)
	m.store.SetInt(keyBandwidthCapBps, 0)
	m.store.SetInt(keyMaxConcurrentReqs, 4)
	m.store.SetInt(keyMaxConcurrentDownloads, defaultMaxConcurrentDownloads)
	m.store.SetInt(keyAIMDEnabled, defaultAIMDEnabled)
	m.regenerateToken()
}

func (m *Manager) GetBandwidthCapBps() int {
	return m.store.GetInt(keyBandwidthCapBps, 0)
}

func (m *Manager) SetBandwidthCapBps(bps int) error {
	return m.store.SetInt(keyBandwidthCapBps, bps)
}

func (m *Manager) GetMaxConcurrentRequests() int {
	return m.store.GetInt(keyMaxConcurrentReqs, 4)
}

func (m *Manager) SetMaxConcurrentRequests(n int) error {
	return m.store.SetInt(keyMaxConcurrentReqs, n)
}

// GetMaxConcurrentDownloads caps how many downloads the manager runs at
// once across all hosts, independent of the per-host AIMD window.
func (m *Manager) GetMaxConcurrentDownloads() int {
	return m.store.GetInt(keyMaxConcurrentDownloads, defaultMaxConcurrentDownloads)
}

func (m *Manager) SetMaxConcurrentDownloads(n int) error {
	return m.store.SetInt(keyMaxConcurrentDownloads, n)
}

// GetAIMDEnabled reports whether the manager grows/shrinks its per-host
// congestion window adaptively. When disabled, admission falls back to a
// fixed concurrency gate (GetMaxConcurrentDownloads alone).
func (m *Manager) GetAIMDEnabled() bool {
	return m.store.GetInt(keyAIMDEnabled, defaultAIMDEnabled) == 1
}

func (m *Manager) SetAIMDEnabled(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return m.store.SetInt(keyAIMDEnabled, v)
}
