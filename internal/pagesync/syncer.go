package pagesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/agentworkforce/pagemirror/internal/wordpress"
)

const (
	ConflictLocalOnly   = "local_only"
	ConflictBothChanged = "both_changed"

	StatusModified = "modified"
	StatusNoClone  = "no_clone"

	StateNoManifest     = "no_manifest"
	StateSynced         = "synced"
	StateLocalOnlyPages = "local_only_pages"
	StateNeedsSync      = "needs_sync"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	CloneDir string
	SiteURL  string
	Logger   Logger
	Now      func() time.Time
}

// Syncer keeps a conflict-aware local mirror of remote pages: a freely
// editable working copy plus a last-known-remote snapshot per page, with a
// timestamped snapshot archive. All operations are synchronous; the manifest
// is the only file written atomically (accepted single-user model).
type Syncer struct {
	client   wordpress.Client
	cloneDir string
	siteURL  string
	logger   Logger
	now      func() time.Time
}

type PageRef struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

type Conflict struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

type PageFailure struct {
	ID    int    `json:"id"`
	Phase string `json:"phase"`
	Err   string `json:"error"`
}

type CloneReport struct {
	Cloned    []PageRef     `json:"cloned"`
	Updated   []PageRef     `json:"updated"`
	Untouched []PageRef     `json:"untouched"`
	Conflicts []Conflict    `json:"conflicts"`
	Failed    []PageFailure `json:"failed"`
}

type Difference struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type LocalOnlyPage struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

type SyncStatus struct {
	State       string          `json:"state"`
	Differences []Difference    `json:"differences"`
	LocalOnly   []LocalOnlyPage `json:"localOnly"`
}

func NewSyncer(client wordpress.Client, opts Options) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.CloneDir == "" {
		return nil, fmt.Errorf("clone dir is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		client:   client,
		cloneDir: filepath.Clean(opts.CloneDir),
		siteURL:  opts.SiteURL,
		logger:   opts.Logger,
		now:      now,
	}, nil
}

func (s *Syncer) manifestPath() string {
	return filepath.Join(s.cloneDir, "manifest.json")
}

func (s *Syncer) pageDir(id int) string {
	return filepath.Join(s.cloneDir, "pages", fmt.Sprintf("page_%d", id))
}

func (s *Syncer) workingPath(id int) string {
	return filepath.Join(s.pageDir(id), "index.html")
}

func (s *Syncer) snapshotPath(id int) string {
	return filepath.Join(s.pageDir(id), "clone.html")
}

func (s *Syncer) metadataPath(id int) string {
	return filepath.Join(s.pageDir(id), "metadata.json")
}

func (s *Syncer) historyDir(id int) string {
	return filepath.Join(s.cloneDir, "clones", fmt.Sprintf("page_%d", id))
}

func (s *Syncer) historyPath(id int, timestamp string) string {
	return filepath.Join(s.historyDir(id), "clone_"+timestamp+".html")
}

// freeHistoryPath returns a history path under timestamp that does not
// clobber an existing entry. Two archives landing in the same second get
// numeric suffixes (clone_<ts>_1.html, _2, ...) so history is never lost.
func (s *Syncer) freeHistoryPath(id int, timestamp string) string {
	path := s.historyPath(id, timestamp)
	for n := 1; fileExists(path); n++ {
		path = s.historyPath(id, fmt.Sprintf("%s_%d", timestamp, n))
	}
	return path
}

// CloneAll fetches every remote page and refreshes its snapshot, archiving the
// prior snapshot first so history never loses an observed remote state. The
// working copy is only replaced when nothing local would be lost; preserved
// edits are reported as conflicts. A remote list failure aborts the whole run
// with no manifest commit; per-page failures are logged and skipped.
func (s *Syncer) CloneAll(ctx context.Context, overwriteLocal bool) (CloneReport, error) {
	report := CloneReport{}

	manifest, err := s.loadOrInitManifest()
	if err != nil {
		return report, err
	}

	// The pre-existing-edit scan must run before any snapshot is replaced;
	// replacing first would destroy the comparison basis.
	locallyEdited := map[int]bool{}
	if !overwriteLocal {
		locallyEdited = s.scanLocalEdits(manifest)
	}

	pages, err := s.client.ListPages(ctx)
	if err != nil {
		return report, fmt.Errorf("list pages: %w", err)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID < pages[j].ID })

	for _, page := range pages {
		outcome, err := s.clonePage(page, overwriteLocal, locallyEdited[page.ID])
		if err != nil {
			s.logf("clone page %d failed: %v", page.ID, err)
			report.Failed = append(report.Failed, PageFailure{ID: page.ID, Phase: "clone", Err: err.Error()})
			continue
		}
		ref := PageRef{ID: page.ID, Title: page.Title}
		switch outcome {
		case outcomeFirstClone:
			report.Cloned = append(report.Cloned, ref)
		case outcomeUpdated:
			report.Updated = append(report.Updated, ref)
		case outcomeConflictBoth:
			report.Conflicts = append(report.Conflicts, Conflict{ID: page.ID, Title: page.Title, Kind: ConflictBothChanged})
		case outcomeConflictLocal:
			report.Conflicts = append(report.Conflicts, Conflict{ID: page.ID, Title: page.Title, Kind: ConflictLocalOnly})
		case outcomeUntouched:
			report.Untouched = append(report.Untouched, ref)
		}
		manifest.Pages[strconv.Itoa(page.ID)] = ManifestEntry{
			Title:     page.Title,
			Path:      s.workingPath(page.ID),
			ClonePath: s.snapshotPath(page.ID),
			Metadata:  s.metadataPath(page.ID),
		}
	}

	manifest.SiteURL = s.siteURL
	manifest.ClonedAt = s.now().Format(time.RFC3339)
	manifest.Version = "2.0"
	if err := saveManifest(s.manifestPath(), manifest); err != nil {
		return report, fmt.Errorf("save manifest: %w", err)
	}
	return report, nil
}

type cloneOutcome int

const (
	outcomeFirstClone cloneOutcome = iota
	outcomeUpdated
	outcomeConflictBoth
	outcomeConflictLocal
	outcomeUntouched
)

func (s *Syncer) clonePage(page wordpress.Page, overwriteLocal, locallyEdited bool) (cloneOutcome, error) {
	timestamp := s.now().Format(timestampLayout)
	snapshot := renderDocument(page.Title, page.Content, timestamp, "clone")

	existing, err := os.ReadFile(s.snapshotPath(page.ID))
	hadSnapshot := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	// Content equality, not timestamp equality: the marker is stripped before
	// comparing so an unchanged remote page reads as unchanged.
	wordpressChanged := !hadSnapshot || normalizeDocument(string(existing)) != normalizeDocument(snapshot)

	if err := os.MkdirAll(s.pageDir(page.ID), 0o755); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(s.historyDir(page.ID), 0o755); err != nil {
		return 0, err
	}
	if hadSnapshot {
		if err := s.archiveSnapshot(page.ID, string(existing)); err != nil {
			return 0, err
		}
	}
	if err := os.WriteFile(s.freeHistoryPath(page.ID, timestamp), []byte(snapshot), 0o644); err != nil {
		return 0, fmt.Errorf("write history entry: %w", err)
	}
	if err := os.WriteFile(s.snapshotPath(page.ID), []byte(snapshot), 0o644); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}

	working := renderDocument(page.Title, page.Content, "", "")
	workingExists := fileExists(s.workingPath(page.ID))

	outcome := outcomeUntouched
	switch {
	case !workingExists:
		if err := os.WriteFile(s.workingPath(page.ID), []byte(working), 0o644); err != nil {
			return 0, fmt.Errorf("write working copy: %w", err)
		}
		outcome = outcomeFirstClone
	case overwriteLocal:
		if err := os.WriteFile(s.workingPath(page.ID), []byte(working), 0o644); err != nil {
			return 0, fmt.Errorf("write working copy: %w", err)
		}
		outcome = outcomeUpdated
	case locallyEdited:
		if wordpressChanged {
			outcome = outcomeConflictBoth
		} else {
			outcome = outcomeConflictLocal
		}
	case wordpressChanged:
		if err := os.WriteFile(s.workingPath(page.ID), []byte(working), 0o644); err != nil {
			return 0, fmt.Errorf("write working copy: %w", err)
		}
		outcome = outcomeUpdated
	}

	metadata := PageMetadata{
		ID:       page.ID,
		Title:    page.Title,
		Slug:     page.Slug,
		Status:   page.Status,
		Date:     page.Date,
		Modified: page.Modified,
		ClonedAt: s.now().Format(time.RFC3339),
	}
	if err := savePageMetadata(s.metadataPath(page.ID), metadata); err != nil {
		return 0, fmt.Errorf("write metadata: %w", err)
	}
	return outcome, nil
}

// archiveSnapshot files the outgoing snapshot into history under the
// timestamp it has carried since it was written; the embedded marker is the
// authoritative record of when that remote state was observed.
func (s *Syncer) archiveSnapshot(id int, snapshot string) error {
	priorTimestamp, _, ok := parseSnapshotMarker(snapshot)
	if !ok {
		priorTimestamp = "unknown"
	}
	archivePath := s.historyPath(id, priorTimestamp)
	if existing, err := os.ReadFile(archivePath); err == nil {
		if string(existing) == snapshot {
			// Already archived under its own timestamp when it was written.
			return nil
		}
		archivePath = s.freeHistoryPath(id, priorTimestamp)
	}
	if err := os.WriteFile(archivePath, []byte(snapshot), 0o644); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	return nil
}

func (s *Syncer) scanLocalEdits(manifest Manifest) map[int]bool {
	edited := map[int]bool{}
	for rawID := range manifest.Pages {
		id, err := strconv.Atoi(rawID)
		if err != nil {
			continue
		}
		working, err := os.ReadFile(s.workingPath(id))
		if err != nil {
			continue
		}
		snapshot, err := os.ReadFile(s.snapshotPath(id))
		if err != nil {
			// Working copy with no baseline: preserve it rather than guess.
			edited[id] = true
			continue
		}
		if normalizeDocument(string(working)) != normalizeDocument(string(snapshot)) {
			edited[id] = true
		}
	}
	return edited
}

// DetectChanges compares every cloned page's working copy against its
// snapshot under whitespace- and marker-insensitive normalization. It reads
// only; calling it twice without intervening writes yields identical results.
func (s *Syncer) DetectChanges() ([]Difference, []LocalOnlyPage, error) {
	manifest, err := loadManifest(s.manifestPath())
	if err != nil {
		if errors.Is(err, ErrNoManifest) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var differences []Difference
	var localOnly []LocalOnlyPage
	for _, id := range sortedPageIDs(manifest) {
		entry := manifest.Pages[strconv.Itoa(id)]
		metadata := loadPageMetadata(s.metadataPath(id))
		if metadata.LocalOnly {
			localOnly = append(localOnly, LocalOnlyPage{ID: id, Title: entry.Title})
			continue
		}
		working, err := os.ReadFile(s.workingPath(id))
		if err != nil {
			continue
		}
		snapshot, err := os.ReadFile(s.snapshotPath(id))
		if err != nil {
			differences = append(differences, Difference{ID: id, Title: entry.Title, Status: StatusNoClone})
			continue
		}
		if normalizeDocument(string(working)) != normalizeDocument(string(snapshot)) {
			differences = append(differences, Difference{ID: id, Title: entry.Title, Status: StatusModified})
		}
	}
	return differences, localOnly, nil
}

// PushPage publishes the working copy's content to the remote page, then
// re-fetches it and resets both snapshot and working copy from the verified
// remote rendering, closing the loop so no diff remains. Any failure leaves
// all local files untouched. dryRun stops just before the remote write.
func (s *Syncer) PushPage(ctx context.Context, id int, dryRun bool) error {
	manifest, err := loadManifest(s.manifestPath())
	if err != nil {
		if errors.Is(err, ErrNoManifest) {
			return ErrNotCloned
		}
		return err
	}
	entry, ok := manifest.Pages[strconv.Itoa(id)]
	if !ok {
		return fmt.Errorf("page %d: %w", id, ErrNotCloned)
	}

	working, err := os.ReadFile(s.workingPath(id))
	if err != nil {
		return fmt.Errorf("page %d: read working copy: %w", id, err)
	}
	content, err := extractPushContent(string(working))
	if err != nil {
		return fmt.Errorf("page %d: extract content: %w", id, err)
	}

	if dryRun {
		s.logf("dry run: would push %d bytes to page %d (%s)", len(content), id, entry.Title)
		return nil
	}

	if _, err := s.client.UpdatePageContent(ctx, id, content); err != nil {
		return fmt.Errorf("page %d: write: %w", id, err)
	}

	// Never trust the write echo: the verified re-fetch is what both local
	// files are rebuilt from.
	verified, err := s.client.GetPage(ctx, id)
	if err != nil {
		return fmt.Errorf("page %d: verify: %w", id, err)
	}

	timestamp := s.now().Format(timestampLayout)
	snapshot := renderDocument(verified.Title, verified.Content, timestamp, "push")

	if err := os.MkdirAll(s.historyDir(id), 0o755); err != nil {
		return fmt.Errorf("page %d: %w", id, err)
	}
	if existing, readErr := os.ReadFile(s.snapshotPath(id)); readErr == nil {
		if err := s.archiveSnapshot(id, string(existing)); err != nil {
			return fmt.Errorf("page %d: %w", id, err)
		}
	}
	if err := os.WriteFile(s.freeHistoryPath(id, timestamp), []byte(snapshot), 0o644); err != nil {
		return fmt.Errorf("page %d: write history entry: %w", id, err)
	}
	if err := os.WriteFile(s.snapshotPath(id), []byte(snapshot), 0o644); err != nil {
		return fmt.Errorf("page %d: write snapshot: %w", id, err)
	}
	refreshed := renderDocument(verified.Title, verified.Content, "", "")
	if err := os.WriteFile(s.workingPath(id), []byte(refreshed), 0o644); err != nil {
		return fmt.Errorf("page %d: write working copy: %w", id, err)
	}

	metadata := loadPageMetadata(s.metadataPath(id))
	metadata.ID = id
	metadata.Title = verified.Title
	metadata.Modified = verified.Modified
	metadata.LocalOnly = false
	if err := savePageMetadata(s.metadataPath(id), metadata); err != nil {
		return fmt.Errorf("page %d: write metadata: %w", id, err)
	}

	entry.Title = verified.Title
	manifest.Pages[strconv.Itoa(id)] = entry
	if err := saveManifest(s.manifestPath(), manifest); err != nil {
		return fmt.Errorf("page %d: save manifest: %w", id, err)
	}
	return nil
}

// Status aggregates DetectChanges with the per-page local-only flags into a
// single poll-safe state. It never writes.
func (s *Syncer) Status() (SyncStatus, error) {
	if !fileExists(s.manifestPath()) {
		return SyncStatus{State: StateNoManifest}, nil
	}
	differences, localOnly, err := s.DetectChanges()
	if err != nil {
		return SyncStatus{}, err
	}
	status := SyncStatus{Differences: differences, LocalOnly: localOnly}
	switch {
	case len(differences) > 0:
		status.State = StateNeedsSync
	case len(localOnly) > 0:
		status.State = StateLocalOnlyPages
	default:
		status.State = StateSynced
	}
	return status, nil
}

func (s *Syncer) loadOrInitManifest() (Manifest, error) {
	manifest, err := loadManifest(s.manifestPath())
	if err != nil {
		if errors.Is(err, ErrNoManifest) {
			if mkErr := os.MkdirAll(s.cloneDir, 0o755); mkErr != nil {
				return Manifest{}, mkErr
			}
			return Manifest{Pages: map[string]ManifestEntry{}}, nil
		}
		return Manifest{}, err
	}
	return manifest, nil
}

func sortedPageIDs(manifest Manifest) []int {
	ids := make([]int, 0, len(manifest.Pages))
	for rawID := range manifest.Pages {
		if id, err := strconv.Atoi(rawID); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
