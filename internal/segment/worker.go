// Package segment implements the SegmentWorker: drives one RangeFetcher
// over a byte range, seeking and writing into a file shared with sibling
// workers under a lock held only across the seek+write pair.
package segment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lkaranl/keeper/internal/bandwidth"
	"github.com/lkaranl/keeper/internal/fetch"
	"github.com/lkaranl/keeper/internal/progress"
)

// ErrCancelled is returned when the worker observes the shared task's
// cancelled flag.
var ErrCancelled = errors.New("segment: cancelled")

const pauseTick = 100 * time.Millisecond
const chunkSize = 32 * 1024

// Gate exposes the live, shared pause/cancel flags a worker must poll on
// every chunk; implemented by the engine's DownloadTask.
type Gate interface {
	Cancelled() bool
	Paused() bool
}

// Worker fetches Range into file at Start, under fileMu, reporting bytes to
// agg and calling onTick whenever the aggregator allows a new sample.
type Worker struct {
	Index     int
	URL       string
	Range     fetch.Range
	Client    *http.Client
	File      io.WriterAt
	FileMu    *sync.Mutex
	Gate      Gate
	Agg       *progress.Aggregator
	Bandwidth *bandwidth.Manager
	OnTick    func(progress.Snapshot)
}

// Run streams the range into the shared file. It returns ErrCancelled if
// the gate's cancelled flag trips mid-stream, and any fetch/IO error
// otherwise. A nil return means the full range was written successfully.
func (w *Worker) Run(ctx context.Context) error {
	resp, err := fetch.Open(ctx, w.Client, w.URL, &w.Range)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var written int64
	buf := make([]byte, chunkSize)
	for {
		if w.Gate.Cancelled() {
			return ErrCancelled
		}
		for w.Gate.Paused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseTick):
			}
			if w.Gate.Cancelled() {
				return ErrCancelled
			}
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if w.Bandwidth != nil {
				if err := w.Bandwidth.WaitN(ctx, n); err != nil {
					return err
				}
			}
			if err := w.writeChunk(buf[:n], written); err != nil {
				return err
			}
			written += int64(n)
			w.Agg.AddBytes(w.Index, int64(n))
			if w.OnTick != nil {
				if snap, ok := w.Agg.Tick(); ok {
					w.OnTick(snap)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	want := w.Range.End - w.Range.Start + 1
	if w.Range.End >= 0 && written != want {
		return errors.New("segment: short read, stream ended before full range was written")
	}
	return nil
}

func (w *Worker) writeChunk(chunk []byte, offsetInRange int64) error {
	w.FileMu.Lock()
	defer w.FileMu.Unlock()
	_, err := w.File.WriteAt(chunk, w.Range.Start+offsetInRange)
	return err
}
