package pagesync

import (
	"strings"
	"testing"
)

func TestRenderDocumentMarkerPlacement(t *testing.T) {
	withMarker := renderDocument("About", "<p>Hi</p>", "20250314_092653", "clone")
	ts, op, ok := parseSnapshotMarker(withMarker)
	if !ok || ts != "20250314_092653" || op != "clone" {
		t.Fatalf("marker not embedded: ts=%q op=%q ok=%v", ts, op, ok)
	}
	headEnd := strings.Index(withMarker, "</head>")
	markerAt := strings.Index(withMarker, "Clone timestamp:")
	if markerAt < 0 || markerAt > headEnd {
		t.Fatalf("marker must live in the head:\n%s", withMarker)
	}

	without := renderDocument("About", "<p>Hi</p>", "", "")
	if _, _, ok := parseSnapshotMarker(without); ok {
		t.Fatalf("working-copy rendering must not carry a marker:\n%s", without)
	}
	if !strings.Contains(without, `<div class="page-content">`) {
		t.Fatalf("content wrapper missing:\n%s", without)
	}
}

func TestStripAndInjectSnapshotMarker(t *testing.T) {
	doc := renderDocument("About", "<p>Hi</p>", "20250314_092653", "clone")
	stripped := stripSnapshotMarker(doc)
	if strings.Contains(stripped, "Clone timestamp:") {
		t.Fatalf("marker survived strip:\n%s", stripped)
	}

	injected := injectSnapshotMarker(stripped, "20250315_000000", "backup")
	ts, op, ok := parseSnapshotMarker(injected)
	if !ok || ts != "20250315_000000" || op != "backup" {
		t.Fatalf("inject failed: ts=%q op=%q ok=%v", ts, op, ok)
	}

	// Re-injecting replaces rather than stacking markers.
	again := injectSnapshotMarker(injected, "20250316_000000", "push")
	if count := strings.Count(again, "Clone timestamp:"); count != 1 {
		t.Fatalf("expected exactly one marker, got %d", count)
	}

	headless := injectSnapshotMarker("<p>bare fragment</p>", "20250316_000000", "backup")
	if _, _, ok := parseSnapshotMarker(headless); !ok {
		t.Fatalf("inject must handle documents without a head:\n%s", headless)
	}
}

func TestNormalizeDocumentTolerancesAndLimits(t *testing.T) {
	a := renderDocument("About", "<p>Hi</p>", "20250314_092653", "clone")
	b := renderDocument("About", "<p>Hi</p>", "20250399_999999", "push")
	if normalizeDocument(a) != normalizeDocument(b) {
		t.Fatalf("normalization must ignore the marker")
	}

	spaced := strings.Replace(a, "<p>Hi</p>", "  <p>Hi</p>\n\n", 1)
	if normalizeDocument(spaced) != normalizeDocument(a) {
		t.Fatalf("normalization must ignore inter-tag whitespace")
	}

	edited := strings.Replace(a, "Hi", "Bye", 1)
	if normalizeDocument(edited) == normalizeDocument(a) {
		t.Fatalf("normalization must not erase real content changes")
	}
}

func TestExtractPushContentTakesBodyAndFoldsStyles(t *testing.T) {
	doc := `<!DOCTYPE html>
<html>
<head>
    <title>About</title>
    <style>.hero { color: red; }</style>
</head>
<body>
    <h1>About us</h1>
    <p>Welcome</p>
</body>
</html>`
	content, err := extractPushContent(doc)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !strings.Contains(content, "<h1>About us</h1>") || !strings.Contains(content, "<p>Welcome</p>") {
		t.Fatalf("body content missing:\n%s", content)
	}
	if !strings.Contains(content, ".hero { color: red; }") {
		t.Fatalf("head styles must be folded into the payload:\n%s", content)
	}
	if idx := strings.Index(content, "<style>"); idx < 0 || idx > strings.Index(content, "<h1>") {
		t.Fatalf("styles should precede body content:\n%s", content)
	}
	if strings.Contains(content, "<title>") {
		t.Fatalf("head chrome leaked into payload:\n%s", content)
	}
}

func TestExtractPushContentFallsBackToWholeDocument(t *testing.T) {
	fragment := "<p>just a fragment</p>"
	content, err := extractPushContent(fragment)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !strings.Contains(content, "just a fragment") {
		t.Fatalf("fragment content lost:\n%s", content)
	}
}
