package segment

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/lkaranl/keeper/internal/fetch"
	"github.com/lkaranl/keeper/internal/progress"
	"github.com/stretchr/testify/require"
)

// memFile is a fixed-size in-memory io.WriterAt standing in for a
// pre-allocated .part file in tests.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemFile(size int) *memFile { return &memFile{data: make([]byte, size)} }

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[off:], p)
	return len(p), nil
}

type alwaysOpenGate struct{}

func (alwaysOpenGate) Cancelled() bool { return false }
func (alwaysOpenGate) Paused() bool    { return false }

func TestWorkerWritesExactRangeAtOffset(t *testing.T) {
	payload := bytes.Repeat([]byte("A"), 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	file := newMemFile(200)
	var mu sync.Mutex
	worker := &Worker{
		Index:  0,
		URL:    srv.URL,
		Range:  fetch.Range{Start: 50, End: 149},
		Client: fetch.NewClient(fetch.NewTransport()),
		File:   file,
		FileMu: &mu,
		Gate:   alwaysOpenGate{},
		Agg:    progress.New(100, false),
	}

	require.NoError(t, worker.Run(context.Background()))
	require.Equal(t, payload, file.data[50:150])
	require.Equal(t, int64(100), worker.Agg.Total())
}

type cancelledGate struct{}

func (cancelledGate) Cancelled() bool { return true }
func (cancelledGate) Paused() bool    { return false }

func TestWorkerStopsImmediatelyWhenCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write(bytes.Repeat([]byte("B"), 10))
	}))
	defer srv.Close()

	file := newMemFile(10)
	var mu sync.Mutex
	worker := &Worker{
		URL:    srv.URL,
		Range:  fetch.Range{Start: 0, End: 9},
		Client: fetch.NewClient(fetch.NewTransport()),
		File:   file,
		FileMu: &mu,
		Gate:   cancelledGate{},
		Agg:    progress.New(10, false),
	}

	err := worker.Run(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
}
