package pagesync

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified diff from a page's snapshot to its working copy.
// Unlike DetectChanges this compares literal bytes with no normalization, so
// whitespace-only edits that detection tolerates still show up here.
func (s *Syncer) Diff(id int) (string, error) {
	manifest, err := loadManifest(s.manifestPath())
	if err != nil {
		if errors.Is(err, ErrNoManifest) {
			return "", ErrNotCloned
		}
		return "", err
	}
	if _, ok := manifest.Pages[strconv.Itoa(id)]; !ok {
		return "", fmt.Errorf("page %d: %w", id, ErrNotCloned)
	}

	working, err := os.ReadFile(s.workingPath(id))
	if err != nil {
		return "", fmt.Errorf("page %d: read working copy: %w", id, err)
	}
	snapshot, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("page %d: %w", id, ErrNoSnapshot)
		}
		return "", fmt.Errorf("page %d: read snapshot: %w", id, err)
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(snapshot)),
		B:        difflib.SplitLines(string(working)),
		FromFile: "clone.html (wordpress)",
		ToFile:   "index.html (working copy)",
		Context:  3,
	})
}
