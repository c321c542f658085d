package pagesync

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

type HistoryEntry struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Path      string `json:"path"`
}

// History lists the archived snapshots of a page, newest first. Ordering is
// by the timestamp parsed from the filename, never by directory iteration
// order; entries with an unparseable timestamp sort last.
func (s *Syncer) History(id int) ([]HistoryEntry, error) {
	dirEntries, err := os.ReadDir(s.historyDir(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type datedEntry struct {
		entry HistoryEntry
		at    time.Time
	}
	var dated []datedEntry
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasPrefix(name, "clone_") || !strings.HasSuffix(name, ".html") {
			continue
		}
		timestamp := strings.TrimSuffix(strings.TrimPrefix(name, "clone_"), ".html")
		// Colliding archives carry a numeric suffix after the timestamp
		// (clone_<ts>_1.html); only the leading layout-length run is a time.
		base := timestamp
		if len(base) > len(timestampLayout) {
			base = base[:len(timestampLayout)]
		}
		at, parseErr := time.Parse(timestampLayout, base)
		if parseErr != nil {
			at = time.Time{}
		}
		path := s.historyPath(id, timestamp)
		operation := "unknown"
		if data, readErr := os.ReadFile(path); readErr == nil {
			if _, op, ok := parseSnapshotMarker(string(data)); ok {
				operation = op
			}
		}
		dated = append(dated, datedEntry{
			entry: HistoryEntry{Timestamp: timestamp, Operation: operation, Path: path},
			at:    at,
		})
	}

	sort.Slice(dated, func(i, j int) bool {
		if !dated[i].at.Equal(dated[j].at) {
			return dated[i].at.After(dated[j].at)
		}
		return dated[i].entry.Timestamp > dated[j].entry.Timestamp
	})

	entries := make([]HistoryEntry, 0, len(dated))
	for _, d := range dated {
		entries = append(entries, d.entry)
	}
	return entries, nil
}

// Restore resets a page to an archived snapshot: the chosen history entry is
// copied over both the working copy and the current snapshot. Whatever the
// working copy held is first archived as a backup entry, so unpushed edits
// are discarded from the working copy but never lost from history.
func (s *Syncer) Restore(id int, timestamp string) error {
	archived, err := os.ReadFile(s.historyPath(id, timestamp))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("page %d @ %s: %w", id, timestamp, ErrHistoryEntryNotFound)
		}
		return fmt.Errorf("page %d: read history entry: %w", id, err)
	}

	if working, readErr := os.ReadFile(s.workingPath(id)); readErr == nil {
		backupTimestamp := s.now().Format(timestampLayout)
		backup := injectSnapshotMarker(string(working), backupTimestamp, "backup")
		if err := os.WriteFile(s.freeHistoryPath(id, backupTimestamp), []byte(backup), 0o644); err != nil {
			return fmt.Errorf("page %d: archive working copy: %w", id, err)
		}
	}

	if err := os.MkdirAll(s.pageDir(id), 0o755); err != nil {
		return fmt.Errorf("page %d: %w", id, err)
	}
	if err := os.WriteFile(s.workingPath(id), archived, 0o644); err != nil {
		return fmt.Errorf("page %d: write working copy: %w", id, err)
	}
	if err := os.WriteFile(s.snapshotPath(id), archived, 0o644); err != nil {
		return fmt.Errorf("page %d: write snapshot: %w", id, err)
	}
	return nil
}
