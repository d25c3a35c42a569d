// Package engine implements the DownloadEngine: probing a resource,
// choosing a fetch mode, partitioning ranges, spawning SegmentWorkers (or
// running a single sequential stream), and finalizing the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lkaranl/keeper/internal/bandwidth"
	"github.com/lkaranl/keeper/internal/diskspace"
	"github.com/lkaranl/keeper/internal/events"
	"github.com/lkaranl/keeper/internal/fetch"
	"github.com/lkaranl/keeper/internal/pathstore"
	"github.com/lkaranl/keeper/internal/progress"
	"github.com/lkaranl/keeper/internal/reaper"
	"github.com/lkaranl/keeper/internal/resumestate"
	"github.com/lkaranl/keeper/internal/segment"
)

// ErrCancelled mirrors segment.ErrCancelled at the engine boundary.
var ErrCancelled = segment.ErrCancelled

// Task is the in-memory control block for one live download: the
// cooperative pause/cancel flags every SegmentWorker polls, plus the
// eventual finalized path. It is owned by the Engine while a download runs
// and referenced (by URL) by the Manager; there is no back-reference from
// Task to the Manager, so the engine never needs to know about its caller.
type Task struct {
	url       string
	cancelled atomic.Bool
	paused    atomic.Bool
	filePath  atomic.Value // string
}

// NewTask creates a fresh, running task for url.
func NewTask(url string) *Task {
	t := &Task{url: url}
	t.filePath.Store("")
	return t
}

func (t *Task) Cancelled() bool   { return t.cancelled.Load() }
func (t *Task) Paused() bool      { return t.paused.Load() }
func (t *Task) Cancel()           { t.cancelled.Store(true) }
func (t *Task) SetPaused(p bool)  { t.paused.Store(p) }
func (t *Task) FilePath() string  { return t.filePath.Load().(string) }

// Result is what a completed (successfully or not) Run leaves behind.
type Result struct {
	Status     Status
	FilePath   string
	TotalBytes int64
	Downloaded int64
	Err        error
}

// Status is the terminal outcome of one engine run.
type Status string

const (
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Engine drives one download end to end.
type Engine struct {
	Client    *http.Client
	Bus       *events.Bus
	Bandwidth *bandwidth.Manager
}

// New builds an Engine with a freshly tuned transport and an unlimited
// bandwidth manager.
func New(bus *events.Bus) *Engine {
	return &Engine{
		Client:    fetch.NewClient(fetch.NewTransport()),
		Bus:       bus,
		Bandwidth: bandwidth.Unlimited(),
	}
}

// Run executes the full probe -> mode-select -> fetch -> finalize sequence
// for task against rawURL, writing into destDir under a filename derived
// from the URL (or explicitFilename, if given). Resume information is taken
// from disk: an existing .part file and, for a parallel-origin .part, its
// resume-state sidecar.
func (e *Engine) Run(ctx context.Context, task *Task, rawURL, destDir, explicitFilename string) Result {
	filename := explicitFilename
	if filename == "" {
		filename = filenameFromURL(rawURL)
	}
	finalPath := filepath.Join(destDir, filename)
	partPath := pathstore.PartPath(finalPath)

	probeResult, err := fetch.Probe(ctx, e.Client, rawURL)
	if err != nil {
		return e.fail(task, rawURL, err)
	}

	_, statErr := os.Stat(partPath)
	partExists := statErr == nil

	sidecarPath := pathstore.ResumeStatePath(partPath)
	if partExists {
		if _, err := os.Stat(sidecarPath); err == nil {
			// A sidecar next to the .part means it was pre-allocated by a
			// parallel attempt: its raw file length is the allocated total,
			// not the bytes actually written, so only the bitfield it
			// carries can be trusted to resume correctly. Re-enter parallel
			// mode when the sidecar still matches this resource; otherwise
			// both files are stale leftovers and the download starts over.
			if state, ok := resumestate.Load(sidecarPath); ok &&
				probeResult.SupportsRange &&
				state.Matches(rawURL, probeResult.ETag, probeResult.LastModified, probeResult.TotalBytes) {
				return e.runParallel(ctx, task, rawURL, partPath, finalPath, probeResult)
			}
			os.Remove(partPath)
			os.Remove(sidecarPath)
			partExists = false
		}
	}

	mode := SelectMode(probeResult.SupportsRange, probeResult.TotalBytes, partExists)
	if mode == ModeSequential {
		return e.runSequential(ctx, task, rawURL, partPath, finalPath, probeResult)
	}
	return e.runParallel(ctx, task, rawURL, partPath, finalPath, probeResult)
}

// runSequential streams the whole range in one request starting at the
// .part file's current length. That length is only a trustworthy resume
// offset because Run only reaches this path for a fresh destination or a
// .part with no resume-state sidecar next to it (i.e. one that was itself
// written sequentially, never pre-allocated ahead of its real progress).
func (e *Engine) runSequential(ctx context.Context, task *Task, rawURL, partPath, finalPath string, probe fetch.ProbeResult) Result {
	var downloaded int64
	if info, err := os.Stat(partPath); err == nil {
		downloaded = info.Size()
	}

	// WriteAt is incompatible with O_APPEND (Go returns an error from
	// WriteAt on an append-mode file), so resuming relies on the absolute
	// offset passed to WriteAt rather than the append flag: the file is
	// opened plain read/write and the worker starts writing at
	// downloaded's absolute offset.
	flags := os.O_CREATE | os.O_RDWR
	if downloaded == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return e.fail(task, rawURL, err)
	}
	defer f.Close()

	agg := progress.New(probe.TotalBytes, false)
	if downloaded > 0 {
		agg.AddBytes(0, downloaded)
		e.emitProgress(rawURL, agg, false)
	}

	var fileMu sync.Mutex
	worker := &segment.Worker{
		URL:       rawURL,
		Range:     fetch.Range{Start: downloaded, End: -1},
		Client:    e.Client,
		File:      f,
		FileMu:    &fileMu,
		Gate:      task,
		Agg:       agg,
		Bandwidth: e.Bandwidth,
		OnTick:    func(snap progress.Snapshot) { e.publishSnapshot(rawURL, snap) },
	}

	runErr := worker.Run(ctx)
	if errors.Is(runErr, segment.ErrCancelled) {
		f.Close()
		reaper.Discard(partPath)
		return e.cancelResult(rawURL)
	}
	if runErr != nil {
		return e.fail(task, rawURL, runErr)
	}

	return e.finalize(task, rawURL, partPath, finalPath, agg.Total(), probe.TotalBytes)
}

func (e *Engine) runParallel(ctx context.Context, task *Task, rawURL, partPath, finalPath string, probe fetch.ProbeResult) Result {
	numSegments := CalculateChunks(probe.TotalBytes)
	ranges := PartitionRanges(probe.TotalBytes, numSegments)

	sidecarPath := pathstore.ResumeStatePath(partPath)
	state, ok := resumestate.Load(sidecarPath)
	if !ok || !state.Matches(rawURL, probe.ETag, probe.LastModified, probe.TotalBytes) {
		state = resumestate.New(rawURL, probe.ETag, probe.LastModified, probe.TotalBytes, numSegments)
	}

	f, err := diskspace.Allocate(partPath, probe.TotalBytes)
	if err != nil {
		return e.fail(task, rawURL, err)
	}
	defer f.Close()

	// Persisted before any segment starts, so a .part pre-allocated by this
	// call always has a matching sidecar on disk even if the process is
	// killed before a single segment finishes; that invariant is what lets
	// Run tell a parallel-origin .part apart from a sequential one on the
	// next resume.
	if err := resumestate.Save(sidecarPath, state); err != nil {
		f.Close()
		reaper.Discard(partPath)
		return e.fail(task, rawURL, err)
	}

	agg := progress.New(probe.TotalBytes, true)
	var fileMu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, numSegments)
	completed := state.CompletedSet()
	var stateMu sync.Mutex

	for i, r := range ranges {
		if completed[i] {
			agg.AddBytes(i, r.End-r.Start+1)
			continue
		}
		wg.Add(1)
		go func(idx int, rng Range) {
			defer wg.Done()
			w := &segment.Worker{
				Index:     idx,
				URL:       rawURL,
				Range:     fetch.Range{Start: rng.Start, End: rng.End},
				Client:    e.Client,
				File:      f,
				FileMu:    &fileMu,
				Gate:      task,
				Agg:       agg,
				Bandwidth: e.Bandwidth,
				OnTick:    func(snap progress.Snapshot) { e.publishSnapshot(rawURL, snap) },
			}
			if err := w.Run(ctx); err != nil {
				errCh <- err
				return
			}
			stateMu.Lock()
			state = state.MarkComplete(idx)
			resumestate.Save(sidecarPath, state)
			stateMu.Unlock()
		}(i, r)
	}
	wg.Wait()
	close(errCh)

	if task.Cancelled() {
		f.Close()
		reaper.Discard(partPath)
		return e.cancelResult(rawURL)
	}

	for workerErr := range errCh {
		if workerErr != nil {
			// A failed segment leaves the .part and its sidecar in place;
			// Run will find the sidecar on the next resume and pick up the
			// completed segments instead of re-fetching the whole file.
			return e.fail(task, rawURL, fmt.Errorf("failed segments: %w", workerErr))
		}
	}

	return e.finalize(task, rawURL, partPath, finalPath, agg.Total(), probe.TotalBytes)
}

func (e *Engine) finalize(task *Task, rawURL, partPath, finalPath string, downloaded, total int64) Result {
	if err := reaper.Finalize(partPath, finalPath); err != nil {
		return e.fail(task, rawURL, err)
	}
	task.filePath.Store(finalPath)
	e.Bus.Publish(rawURL, events.Event{Kind: events.KindComplete})
	return Result{Status: StatusCompleted, FilePath: finalPath, TotalBytes: total, Downloaded: downloaded}
}

func (e *Engine) fail(task *Task, rawURL string, err error) Result {
	e.Bus.Publish(rawURL, events.Event{Kind: events.KindError, Reason: err.Error()})
	return Result{Status: StatusFailed, Err: err}
}

func (e *Engine) cancelResult(rawURL string) Result {
	e.Bus.Publish(rawURL, events.Event{Kind: events.KindError, Reason: "Cancelled"})
	return Result{Status: StatusCancelled, Err: ErrCancelled}
}

func (e *Engine) publishSnapshot(rawURL string, snap progress.Snapshot) {
	e.Bus.Publish(rawURL, events.Event{
		Kind:        events.KindProgress,
		Fraction:    snap.Fraction,
		BytesStatus: snap.BytesStatus,
		TotalBytes:  snap.TotalBytes,
		SpeedBps:    snap.SpeedBps,
		ETA:         snap.ETA,
		Parallel:    snap.Parallel,
	})
}

func (e *Engine) emitProgress(rawURL string, agg *progress.Aggregator, parallel bool) {
	total := agg.Total()
	e.Bus.Publish(rawURL, events.Event{
		Kind:        events.KindProgress,
		BytesStatus: total,
		Parallel:    parallel,
	})
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

// RetryEstablishTimeout is the per-request timeout used while probing or
// opening a segment, surfaced here so callers can reason about worst-case
// latency for a HEAD flap scenario (2 backoffs plus 3 request timeouts).
const RetryEstablishTimeout = 30 * time.Second
