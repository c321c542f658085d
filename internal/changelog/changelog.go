// Package changelog keeps a bounded, append-only record of local page edits
// and pushes. It exists for observability; sync decisions never read it.
package changelog

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const maxRecords = 100

type Record struct {
	PageID      int    `json:"pageId"`
	Timestamp   string `json:"timestamp"`
	Path        string `json:"path"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Pushed      bool   `json:"pushed"`
}

type persistedLog struct {
	Records []Record `json:"records"`
}

// Log holds at most 100 records; appending past that drops the oldest first.
// State survives restarts through the configured backend; a nil backend keeps
// the log purely in-process.
type Log struct {
	mu      sync.Mutex
	records []Record
	backend StateBackend
	loaded  bool
}

func NewLog(backend StateBackend) *Log {
	return &Log{backend: backend}
}

func (l *Log) Append(record Record) error {
	if strings.TrimSpace(record.Action) == "" {
		return ErrInvalidInput
	}
	if record.Timestamp == "" {
		record.Timestamp = time.Now().Format(time.RFC3339)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(); err != nil {
		return err
	}
	l.records = append(l.records, record)
	if len(l.records) > maxRecords {
		l.records = l.records[len(l.records)-maxRecords:]
	}
	return l.persist()
}

// Recent returns up to n records, newest first. n <= 0 means all.
func (l *Log) Recent(n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]Record, 0, n)
	for i := len(l.records) - 1; i >= len(l.records)-n; i-- {
		out = append(out, l.records[i])
	}
	return out, nil
}

// MarkPushed flags every record for the page as pushed.
func (l *Log) MarkPushed(pageID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(); err != nil {
		return err
	}
	changed := false
	for i := range l.records {
		if l.records[i].PageID == pageID && !l.records[i].Pushed {
			l.records[i].Pushed = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.persist()
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(); err != nil {
		return 0
	}
	return len(l.records)
}

func (l *Log) ensureLoaded() error {
	if l.loaded {
		return nil
	}
	l.loaded = true
	if l.backend == nil {
		return nil
	}
	state, err := l.backend.Load()
	if err != nil {
		return err
	}
	if state != nil {
		records := state.Records
		if len(records) > maxRecords {
			records = records[len(records)-maxRecords:]
		}
		l.records = records
	}
	return nil
}

func (l *Log) persist() error {
	if l.backend == nil {
		return nil
	}
	return l.backend.Save(&persistedLog{Records: l.records})
}
