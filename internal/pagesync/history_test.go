package pagesync

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/pagemirror/internal/wordpress"
)

func TestHistoryNeverShrinksAcrossCloneAndPush(t *testing.T) {
	client := &fakeClient{pages: map[int]wordpress.Page{
		42: {ID: 42, Title: "About", Content: "<p>v1</p>"},
	}}
	syncer, _ := newTestSyncer(t, client)

	previous := 0
	record := func(step string) {
		t.Helper()
		entries, err := syncer.History(42)
		if err != nil {
			t.Fatalf("history after %s failed: %v", step, err)
		}
		if len(entries) < previous {
			t.Fatalf("history shrank after %s: %d -> %d", step, previous, len(entries))
		}
		previous = len(entries)
	}

	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	record("first clone")

	client.pages[42] = wordpress.Page{ID: 42, Title: "About", Content: "<p>v2</p>"}
	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("second clone failed: %v", err)
	}
	record("second clone")

	edited := strings.Replace(renderDocument("About", "<p>v2</p>", "", ""), "v2", "v3", 1)
	if err := os.WriteFile(syncer.workingPath(42), []byte(edited), 0o644); err != nil {
		t.Fatalf("write edit failed: %v", err)
	}
	if err := syncer.PushPage(context.Background(), 42, false); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	record("push")

	if previous < 3 {
		t.Fatalf("expected at least 3 history entries, got %d", previous)
	}
}

func TestHistorySortedNewestFirstRegardlessOfDirectoryOrder(t *testing.T) {
	client := &fakeClient{pages: map[int]wordpress.Page{}}
	syncer, _ := newTestSyncer(t, client)

	if err := os.MkdirAll(syncer.historyDir(7), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	// Written out of chronological order on purpose.
	for _, ts := range []string{"20250102_000000", "20250301_120000", "20250101_235959"} {
		doc := renderDocument("P", "<p>x</p>", ts, "clone")
		if err := os.WriteFile(syncer.historyPath(7, ts), []byte(doc), 0o644); err != nil {
			t.Fatalf("seed history entry failed: %v", err)
		}
	}

	entries, err := syncer.History(7)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	want := []string{"20250301_120000", "20250102_000000", "20250101_235959"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), entries)
	}
	for i, ts := range want {
		if entries[i].Timestamp != ts {
			t.Fatalf("entry %d: expected %s, got %s", i, ts, entries[i].Timestamp)
		}
		if entries[i].Operation != "clone" {
			t.Fatalf("entry %d: expected clone operation, got %s", i, entries[i].Operation)
		}
	}
}

func TestHistoryMissingDirectoryIsEmpty(t *testing.T) {
	client := &fakeClient{pages: map[int]wordpress.Page{}}
	syncer, _ := newTestSyncer(t, client)
	entries, err := syncer.History(404)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history, got %+v", entries)
	}
}

func TestRestoreBacksUpWorkingCopyAndMatchesTarget(t *testing.T) {
	client := &fakeClient{pages: map[int]wordpress.Page{
		42: {ID: 42, Title: "About", Content: "<p>v1</p>"},
	}}
	syncer, _ := newTestSyncer(t, client)
	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("first clone failed: %v", err)
	}
	client.pages[42] = wordpress.Page{ID: 42, Title: "About", Content: "<p>v2</p>"}
	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("second clone failed: %v", err)
	}

	entries, err := syncer.History(42)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("need at least two history entries, got %+v", entries)
	}
	target := entries[len(entries)-1]
	countBefore := len(entries)

	edited := strings.Replace(renderDocument("About", "<p>v2</p>", "", ""), "v2", "unpushed edit", 1)
	if err := os.WriteFile(syncer.workingPath(42), []byte(edited), 0o644); err != nil {
		t.Fatalf("write edit failed: %v", err)
	}

	if err := syncer.Restore(42, target.Timestamp); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	entries, err = syncer.History(42)
	if err != nil {
		t.Fatalf("history after restore failed: %v", err)
	}
	if len(entries) != countBefore+1 {
		t.Fatalf("expected a backup entry to appear: %d -> %d", countBefore, len(entries))
	}
	foundBackup := false
	for _, entry := range entries {
		if entry.Operation == "backup" {
			data, readErr := os.ReadFile(entry.Path)
			if readErr != nil {
				t.Fatalf("read backup entry failed: %v", readErr)
			}
			if !strings.Contains(string(data), "unpushed edit") {
				t.Fatalf("backup entry does not hold the replaced working copy:\n%s", data)
			}
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Fatalf("no backup-labeled history entry after restore: %+v", entries)
	}

	working, err := os.ReadFile(syncer.workingPath(42))
	if err != nil {
		t.Fatalf("read working copy failed: %v", err)
	}
	archived, err := os.ReadFile(target.Path)
	if err != nil {
		t.Fatalf("read target entry failed: %v", err)
	}
	if string(working) != string(archived) {
		t.Fatalf("working copy does not match restored snapshot exactly")
	}
	snapshot, err := os.ReadFile(syncer.snapshotPath(42))
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if string(snapshot) != string(archived) {
		t.Fatalf("snapshot does not match restored snapshot exactly")
	}
}

// newFixedClockSyncer pins the clock so every snapshot in the test lands in
// the same second, forcing history filename collisions.
func newFixedClockSyncer(t *testing.T, client wordpress.Client) (*Syncer, string) {
	t.Helper()
	dir := t.TempDir()
	fixed := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	syncer, err := NewSyncer(client, Options{
		CloneDir: dir,
		SiteURL:  "https://example.test",
		Now:      func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	return syncer, dir
}

func TestRestoreInSameSecondKeepsRestoredArchiveIntact(t *testing.T) {
	client := &fakeClient{pages: map[int]wordpress.Page{
		42: {ID: 42, Title: "About", Content: "<p>v1</p>"},
	}}
	syncer, _ := newFixedClockSyncer(t, client)
	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("clone failed: %v", err)
	}

	entries, err := syncer.History(42)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one history entry, got %+v", entries)
	}
	target := entries[0]

	edited := strings.Replace(renderDocument("About", "<p>v1</p>", "", ""), "v1", "unpushed edit", 1)
	if err := os.WriteFile(syncer.workingPath(42), []byte(edited), 0o644); err != nil {
		t.Fatalf("write edit failed: %v", err)
	}

	// Restoring in the same second the archive was written must not write
	// the working-copy backup over the entry being restored.
	if err := syncer.Restore(42, target.Timestamp); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	archived, err := os.ReadFile(target.Path)
	if err != nil {
		t.Fatalf("read restored entry failed: %v", err)
	}
	if strings.Contains(string(archived), "unpushed edit") {
		t.Fatalf("restored archive was overwritten by the restore backup:\n%s", archived)
	}
	if !strings.Contains(string(archived), "v1") {
		t.Fatalf("restored archive no longer holds the archived state:\n%s", archived)
	}

	entries, err = syncer.History(42)
	if err != nil {
		t.Fatalf("history after restore failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected archive plus backup entry, got %+v", entries)
	}
	foundBackup := false
	for _, entry := range entries {
		if entry.Operation != "backup" {
			continue
		}
		foundBackup = true
		data, readErr := os.ReadFile(entry.Path)
		if readErr != nil {
			t.Fatalf("read backup entry failed: %v", readErr)
		}
		if !strings.Contains(string(data), "unpushed edit") {
			t.Fatalf("backup entry does not hold the replaced working copy:\n%s", data)
		}
	}
	if !foundBackup {
		t.Fatalf("no backup entry survived the same-second restore: %+v", entries)
	}
}

func TestSameSecondClonesPreserveBothRemoteStates(t *testing.T) {
	client := &fakeClient{pages: map[int]wordpress.Page{
		42: {ID: 42, Title: "About", Content: "<p>v1</p>"},
	}}
	syncer, _ := newFixedClockSyncer(t, client)
	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("first clone failed: %v", err)
	}
	client.pages[42] = wordpress.Page{ID: 42, Title: "About", Content: "<p>v2</p>"}
	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("second clone failed: %v", err)
	}

	entries, err := syncer.History(42)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("two observed remote states must yield two entries, got %+v", entries)
	}
	// Suffixed collision entries sort as newer than their base timestamp.
	newest, err := os.ReadFile(entries[0].Path)
	if err != nil {
		t.Fatalf("read newest entry failed: %v", err)
	}
	oldest, err := os.ReadFile(entries[1].Path)
	if err != nil {
		t.Fatalf("read oldest entry failed: %v", err)
	}
	if !strings.Contains(string(newest), "v2") || !strings.Contains(string(oldest), "v1") {
		t.Fatalf("same-second clones collapsed remote states:\nnewest:\n%s\noldest:\n%s", newest, oldest)
	}
}

func TestRestoreUnknownTimestampFails(t *testing.T) {
	client := &fakeClient{pages: map[int]wordpress.Page{
		42: {ID: 42, Title: "About", Content: "<p>v1</p>"},
	}}
	syncer, _ := newTestSyncer(t, client)
	if _, err := syncer.CloneAll(context.Background(), false); err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	err := syncer.Restore(42, "19990101_000000")
	if !errors.Is(err, ErrHistoryEntryNotFound) {
		t.Fatalf("expected ErrHistoryEntryNotFound, got %v", err)
	}
}
