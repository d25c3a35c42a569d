// Package journal implements the durable, atomically-written record of
// download state described by the on-disk layout: a JSON list written to a
// temp file and renamed over the committed file, never left half-written.
package journal

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Status is the terminal/non-terminal state of a DownloadRecord.
type Status string

const (
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// Record is the durable per-URL state persisted across restarts.
type Record struct {
	URL              string     `json:"url"`
	Filename         string     `json:"filename"`
	FilePath         string     `json:"file_path,omitempty"`
	Status           Status     `json:"status"`
	DateAdded        time.Time  `json:"date_added"`
	DateCompleted    *time.Time `json:"date_completed,omitempty"`
	DownloadedBytes  int64      `json:"downloaded_bytes"`
	TotalBytes       int64      `json:"total_bytes"`
	WasPaused        bool       `json:"was_paused"`
	Category         string     `json:"category,omitempty"`
}

// Config is the durable, minimal user preference file.
type Config struct {
	DownloadDirectory string `json:"download_directory,omitempty"`
	WindowWidth       int    `json:"window_width,omitempty"`
	WindowHeight      int    `json:"window_height,omitempty"`
}

// Journal owns the in-memory record list and flushes it to disk under a
// single mutex. It is not a transactional store: callers must call Save
// after any mutation that has to survive a restart.
type Journal struct {
	mu           sync.Mutex
	recordPath   string
	recordTmp    string
	configPath   string
	configTmp    string
	records      []Record
	config       Config
}

// New loads the journal and config from the given paths, tolerating an
// absent or corrupt file by starting empty.
func New(recordPath, recordTmp, configPath, configTmp string) (*Journal, error) {
	j := &Journal{
		recordPath: recordPath,
		recordTmp:  recordTmp,
		configPath: configPath,
		configTmp:  configTmp,
	}
	j.records = loadList(recordPath)
	j.config = loadConfig(configPath)
	return j, nil
}

func loadList(path string) []Record {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil
	}
	return records
}

func loadConfig(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// Records returns a copy of the current record list.
func (j *Journal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.records))
	copy(out, j.records)
	return out
}

// Find returns the record for url, if present.
func (j *Journal) Find(url string) (Record, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.records {
		if r.URL == url {
			return r, true
		}
	}
	return Record{}, false
}

// Upsert inserts or replaces the record with the same URL and flushes.
func (j *Journal) Upsert(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.records {
		if j.records[i].URL == r.URL {
			j.records[i] = r
			return j.flushRecordsLocked()
		}
	}
	j.records = append(j.records, r)
	return j.flushRecordsLocked()
}

// Delete removes the record for url, if present, and flushes.
func (j *Journal) Delete(url string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.records {
		if j.records[i].URL == url {
			j.records = append(j.records[:i], j.records[i+1:]...)
			return j.flushRecordsLocked()
		}
	}
	return nil
}

func (j *Journal) flushRecordsLocked() error {
	return atomicWriteJSON(j.recordTmp, j.recordPath, j.records)
}

// Config returns a copy of the current config.
func (j *Journal) Config() Config {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.config
}

// SetConfig replaces the config and flushes it.
func (j *Journal) SetConfig(cfg Config) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.config = cfg
	return atomicWriteJSON(j.configTmp, j.configPath, j.config)
}

// atomicWriteJSON serializes v as pretty JSON to tmpPath then renames it
// over finalPath. On rename failure the temp file is removed so a crash
// between the two steps never leaves a half-written file observable at
// finalPath: only the previous commit or the new one is ever visible.
func atomicWriteJSON(tmpPath, finalPath string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
