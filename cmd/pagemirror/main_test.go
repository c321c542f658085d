package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/pagemirror/internal/pagesync"
)

func TestParsePageID(t *testing.T) {
	if id, err := parsePageID(" 42 "); err != nil || id != 42 {
		t.Fatalf("expected 42, got %d (%v)", id, err)
	}
	for _, raw := range []string{"", "abc", "0", "-3"} {
		if _, err := parsePageID(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestEnvOrDefault(t *testing.T) {
	if got := envOrDefault("PAGEMIRROR_CLI_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("PAGEMIRROR_CLI_TEST_SET", " value ")
	if got := envOrDefault("PAGEMIRROR_CLI_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
}

func TestNewSyncerRequiresBaseURLForRemoteCommands(t *testing.T) {
	oldBaseURL, oldCloneDir := flagBaseURL, flagCloneDir
	defer func() { flagBaseURL, flagCloneDir = oldBaseURL, oldCloneDir }()
	flagBaseURL = ""
	flagCloneDir = t.TempDir()

	if _, err := newSyncer(true); err == nil {
		t.Fatal("expected error for remote command without base URL")
	}
	if _, err := newSyncer(false); err != nil {
		t.Fatalf("local command should not need a base URL: %v", err)
	}
}

func TestPrintCloneReportSummarizesConflicts(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	printCloneReport(cmd, pagesync.CloneReport{
		Cloned:  []pagesync.PageRef{{ID: 1, Title: "Home"}},
		Updated: []pagesync.PageRef{{ID: 2, Title: "About"}},
		Conflicts: []pagesync.Conflict{
			{ID: 3, Title: "Contact", Kind: pagesync.ConflictBothChanged},
		},
	})

	got := out.String()
	if !strings.Contains(got, "cloned 1, updated 1, untouched 0") {
		t.Fatalf("missing summary line: %q", got)
	}
	if !strings.Contains(got, "conflict (both_changed): #3 Contact") {
		t.Fatalf("missing conflict line: %q", got)
	}
	if !strings.Contains(got, "--overwrite-local") {
		t.Fatalf("missing overwrite hint: %q", got)
	}
}
