// Package audit implements the access log for the loopback control
// server: every request it receives, including refused ones, is appended
// as a JSON line with its response status, keyed by a
// random UUID, so a user inspecting keeper's behavior can see what the
// control surface was asked to do and when.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one access-log line.
type Entry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	RemoteIP string    `json:"remote_ip"`
	Status   int       `json:"status"`
}

// Logger appends Entry rows to a JSON-lines file and keeps the most recent
// ones in memory for fast retrieval without a re-read of the file.
type Logger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	recent  []Entry
	maxKept int
}

// Open appends to (creating if absent) the access log at path.
func Open(path string, maxKept int) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if maxKept <= 0 {
		maxKept = 200
	}
	return &Logger{path: path, file: f, maxKept: maxKept}, nil
}

// Record appends a new entry, assigning it a fresh UUID and timestamp.
func (l *Logger) Record(method, path, remoteIP string, status int) Entry {
	e := Entry{
		ID:       uuid.NewString(),
		At:       time.Now().UTC(),
		Method:   method,
		Path:     path,
		RemoteIP: remoteIP,
		Status:   status,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.recent = append(l.recent, e)
	if len(l.recent) > l.maxKept {
		l.recent = l.recent[len(l.recent)-l.maxKept:]
	}
	if data, err := json.Marshal(e); err == nil {
		l.file.Write(append(data, '\n'))
	}
	return e
}

// GetRecentLogs returns up to n of the most recently recorded entries,
// newest last.
func (l *Logger) GetRecentLogs(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]Entry, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

// Close flushes and closes the backing file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Load reads an existing access log file back into a slice of entries,
// keeping the last maxKept when maxKept > 0. It does not fill a Logger's
// in-memory list: GetRecentLogs only returns entries recorded since Open.
// Corrupt or truncated lines are ignored.
func Load(path string, maxKept int) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			entries = append(entries, e)
		}
	}
	if maxKept > 0 && len(entries) > maxKept {
		entries = entries[len(entries)-maxKept:]
	}
	return entries, nil
}
