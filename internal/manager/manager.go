// Package manager implements the DownloadManager: the task table, the
// command surface (enqueue/pause/resume/cancel/restart/delete), and
// startup reconciliation between the durable journal and live downloads.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lkaranl/keeper/internal/config"
	"github.com/lkaranl/keeper/internal/congestion"
	"github.com/lkaranl/keeper/internal/engine"
	"github.com/lkaranl/keeper/internal/events"
	"github.com/lkaranl/keeper/internal/journal"
	"github.com/lkaranl/keeper/internal/opstore"
	"github.com/lkaranl/keeper/internal/organizer"
	"github.com/lkaranl/keeper/internal/pathstore"
)

// wasPausedSnapshotInterval is the cadence at which a running download's
// was_paused flag is flushed to the journal even without a user toggle, so
// a crash mid-download still leaves an accurate sticky flag for the next
// restart's reconciliation.
const wasPausedSnapshotInterval = 5 * time.Second

// DuplicateError reports that enqueue was called for a URL already present
// in the journal, in any status.
type DuplicateError struct {
	Status    journal.Status
	Filename  string
	DateAdded time.Time
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate: %s already %s", e.Filename, e.Status)
}

// Manager owns the task table and the journal.
type Manager struct {
	mu         sync.Mutex
	journal    *journal.Journal
	bus        *events.Bus
	eng        *engine.Engine
	tasks      map[string]*engine.Task
	hostBusy   map[string]int
	globalBusy int
	congest    *congestion.Controller
	cfg        *config.Manager
	opstore    *opstore.Store
	logger     *slog.Logger
	downDir    string
}

// New builds a Manager. downloadDir is the default directory for new
// downloads absent an explicit per-call override. cfg supplies the max
// concurrent downloads and AIMD toggle settings (nil falls back to the
// package defaults); store records per-day byte/file totals on completion
// (nil disables stat recording, e.g. in tests that don't need it).
func New(j *journal.Journal, bus *events.Bus, eng *engine.Engine, logger *slog.Logger, downloadDir string, cfg *config.Manager, store *opstore.Store) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		journal:  j,
		bus:      bus,
		eng:      eng,
		tasks:    make(map[string]*engine.Task),
		hostBusy: make(map[string]int),
		congest:  congestion.New(),
		cfg:      cfg,
		opstore:  store,
		logger:   logger,
		downDir:  downloadDir,
	}
}

const defaultMaxConcurrentDownloads = 4

func (m *Manager) maxConcurrentDownloads() int {
	if m.cfg == nil {
		return defaultMaxConcurrentDownloads
	}
	return m.cfg.GetMaxConcurrentDownloads()
}

func (m *Manager) aimdEnabled() bool {
	return m.cfg == nil || m.cfg.GetAIMDEnabled()
}

// Enqueue starts a new download for rawURL into destDir (or the Manager's
// default directory if empty), rejecting duplicates.
func (m *Manager) Enqueue(rawURL, destDir, filename string) (journal.Record, error) {
	if rec, ok := m.journal.Find(rawURL); ok {
		return journal.Record{}, &DuplicateError{Status: rec.Status, Filename: rec.Filename, DateAdded: rec.DateAdded}
	}
	if destDir == "" {
		destDir = m.downloadDir()
	}
	if filename == "" {
		filename = filenameFromURL(rawURL)
	}

	rec := journal.Record{
		URL:       rawURL,
		Filename:  filename,
		Status:    journal.StatusInProgress,
		DateAdded: time.Now().UTC(),
		WasPaused: false,
	}
	if err := m.journal.Upsert(rec); err != nil {
		return journal.Record{}, err
	}

	m.startTask(rawURL, destDir, filename)
	return rec, nil
}

func (m *Manager) downloadDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downDir
}

// SetDownloadDirectory persists the default directory for future enqueues.
func (m *Manager) SetDownloadDirectory(path string) error {
	m.mu.Lock()
	m.downDir = path
	m.mu.Unlock()
	cfg := m.journal.Config()
	cfg.DownloadDirectory = path
	return m.journal.SetConfig(cfg)
}

func (m *Manager) startTask(rawURL, destDir, filename string) {
	task := engine.NewTask(rawURL)
	m.mu.Lock()
	m.tasks[rawURL] = task
	m.mu.Unlock()

	host := hostOf(rawURL)
	ctx, cancel := context.WithCancel(context.Background())

	sub := m.bus.Subscribe(rawURL)
	go m.trackProgress(rawURL, sub)
	go m.snapshotWasPaused(rawURL, task, ctx.Done())

	go func() {
		defer cancel()
		if m.awaitAdmission(host, task) {
			defer m.releaseHostSlot(host)
		}

		result := m.eng.Run(ctx, task, rawURL, destDir, filename)

		m.mu.Lock()
		delete(m.tasks, rawURL)
		m.mu.Unlock()
		m.bus.Unsubscribe(rawURL)

		switch result.Status {
		case engine.StatusCompleted:
			m.congest.OnSuccess(host)
		default:
			m.congest.OnFailure(host)
		}
		m.finish(rawURL, result)
	}()
}

// awaitAdmission blocks a newly enqueued task until both the global
// max-concurrent-downloads gate and the per-host AIMD window (when AIMD is
// enabled) have spare capacity, or the task is cancelled while waiting (a
// user can cancel a download that never got to start running). It reports
// whether a slot was taken, so only an admitted task releases one.
func (m *Manager) awaitAdmission(host string, task *engine.Task) bool {
	const pollInterval = 50 * time.Millisecond
	for {
		m.mu.Lock()
		m.congest.SetEnabled(m.aimdEnabled())
		globalOK := m.globalBusy < m.maxConcurrentDownloads()
		inFlight := m.hostBusy[host]
		admitted := globalOK && m.congest.Admit(host, inFlight)
		if admitted {
			m.hostBusy[host] = inFlight + 1
			m.globalBusy++
		}
		m.mu.Unlock()
		if admitted || task.Cancelled() {
			return admitted
		}
		time.Sleep(pollInterval)
	}
}

func (m *Manager) releaseHostSlot(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hostBusy[host] > 0 {
		m.hostBusy[host]--
	}
	if m.globalBusy > 0 {
		m.globalBusy--
	}
}

func (m *Manager) finish(rawURL string, result engine.Result) {
	rec, ok := m.journal.Find(rawURL)
	if !ok {
		return
	}
	now := time.Now().UTC()
	rec.DownloadedBytes = result.Downloaded
	if result.TotalBytes > 0 {
		rec.TotalBytes = result.TotalBytes
	}
	switch result.Status {
	case engine.StatusCompleted:
		rec.Status = journal.StatusCompleted
		rec.FilePath = result.FilePath
		rec.DownloadedBytes = rec.TotalBytes
		rec.Category = organizer.Category(rec.Filename)
		if m.opstore != nil {
			if err := m.opstore.IncrementDailyStat(now.Format("2006-01-02"), rec.DownloadedBytes, 1); err != nil {
				m.logger.Warn("daily stat update failed", "url", rawURL, "error", err)
			}
		}
	case engine.StatusCancelled:
		rec.Status = journal.StatusCancelled
	default:
		rec.Status = journal.StatusFailed
		if result.Err != nil {
			m.logger.Warn("download failed", "url", rawURL, "error", result.Err)
		}
	}
	rec.DateCompleted = &now
	if err := m.journal.Upsert(rec); err != nil {
		m.logger.Warn("journal write failed on finalize", "url", rawURL, "error", err)
	}
}

// trackProgress mirrors Progress events into the journal's downloaded/total
// byte fields; it exits once the per-URL subscription is closed (the
// download's goroutine unsubscribes on exit).
func (m *Manager) trackProgress(rawURL string, sub *events.Subscription) {
	for {
		e, ok := sub.Next()
		if !ok {
			return
		}
		if e.Kind != events.KindProgress {
			continue
		}
		rec, ok := m.journal.Find(rawURL)
		if !ok {
			continue
		}
		rec.DownloadedBytes = e.BytesStatus
		if e.TotalBytes > 0 {
			rec.TotalBytes = e.TotalBytes
		}
		m.journal.Upsert(rec)
	}
}

func (m *Manager) snapshotWasPaused(rawURL string, task *engine.Task, done <-chan struct{}) {
	ticker := time.NewTicker(wasPausedSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.persistWasPaused(rawURL, task.Paused())
		}
	}
}

func (m *Manager) persistWasPaused(rawURL string, paused bool) {
	rec, ok := m.journal.Find(rawURL)
	if !ok || rec.WasPaused == paused {
		return
	}
	rec.WasPaused = paused
	m.journal.Upsert(rec)
}

// Pause toggles a live task's paused flag on and snapshots it immediately.
func (m *Manager) Pause(rawURL string) error {
	task := m.liveTask(rawURL)
	if task == nil {
		return fmt.Errorf("manager: %s is not running", rawURL)
	}
	task.SetPaused(true)
	m.persistWasPaused(rawURL, true)
	return nil
}

// Resume toggles a live task's paused flag off and snapshots it
// immediately.
func (m *Manager) Resume(rawURL string) error {
	task := m.liveTask(rawURL)
	if task == nil {
		return fmt.Errorf("manager: %s is not running", rawURL)
	}
	task.SetPaused(false)
	m.persistWasPaused(rawURL, false)
	return nil
}

// Cancel stops a live task; its goroutine will mark the record Cancelled.
func (m *Manager) Cancel(rawURL string) error {
	task := m.liveTask(rawURL)
	if task == nil {
		return fmt.Errorf("manager: %s is not running", rawURL)
	}
	task.Cancel()
	return nil
}

// Restart re-enqueues a Cancelled or Failed download from scratch.
func (m *Manager) Restart(rawURL string) error {
	rec, ok := m.journal.Find(rawURL)
	if !ok {
		return fmt.Errorf("manager: %s not found", rawURL)
	}
	if rec.Status != journal.StatusCancelled && rec.Status != journal.StatusFailed {
		return fmt.Errorf("manager: %s is not restartable from %s", rawURL, rec.Status)
	}
	destDir := filepath.Dir(rec.FilePath)
	if destDir == "" || destDir == "." {
		destDir = m.downloadDir()
	}
	partPath := pathstore.PartPath(filepath.Join(destDir, rec.Filename))
	os.Remove(partPath)
	os.Remove(pathstore.ResumeStatePath(partPath))
	if err := m.journal.Delete(rawURL); err != nil {
		return err
	}
	_, err := m.Enqueue(rawURL, destDir, rec.Filename)
	return err
}

// Delete removes the journal record, implicitly cancelling a still-live
// task; any already-completed file on disk is left untouched.
func (m *Manager) Delete(rawURL string) error {
	if task := m.liveTask(rawURL); task != nil {
		task.Cancel()
	}
	return m.journal.Delete(rawURL)
}

func (m *Manager) liveTask(rawURL string) *engine.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[rawURL]
}

// Records returns a snapshot of every journal record, for listing.
func (m *Manager) Records() []journal.Record { return m.journal.Records() }

// Reconcile runs the startup reconciliation pass: records that were
// InProgress and not user-paused are auto-resumed (the record is dropped
// and re-enqueued, which rediscovers any .part on disk and resumes it,
// sequentially or in parallel depending on whether a matching resume-state
// sidecar is found); everything else is left as a passive row for the
// caller to display.
func (m *Manager) Reconcile() {
	for _, rec := range m.journal.Records() {
		if rec.Status == journal.StatusInProgress && !rec.WasPaused {
			destDir := filepath.Dir(rec.FilePath)
			if destDir == "" || destDir == "." {
				destDir = m.downloadDir()
			}
			m.journal.Delete(rec.URL)
			if _, err := m.Enqueue(rec.URL, destDir, rec.Filename); err != nil {
				m.logger.Warn("auto-resume failed", "url", rec.URL, "error", err)
			}
		}
	}
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := filepath.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
