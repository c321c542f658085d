package pagesync

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// timestampLayout is the format used both in snapshot filenames and in the
// snapshot marker comment.
const timestampLayout = "20060102_150405"

// markerPattern matches the snapshot marker comment. The embedded timestamp is
// the authoritative record of when the snapshot was taken; the parenthesized
// label records which operation wrote it.
var markerPattern = regexp.MustCompile(`<!-- Clone timestamp: (\d{8}_\d{6}) \(([^)]+)\) -->`)

var markerLinePattern = regexp.MustCompile(`\n?[ \t]*<!-- Clone timestamp: [^\n]*-->`)

var whitespaceRuns = regexp.MustCompile(`\s+`)

var interTagGaps = regexp.MustCompile(`>\s+<`)

func snapshotMarker(timestamp, operation string) string {
	return fmt.Sprintf("<!-- Clone timestamp: %s (%s) -->", timestamp, operation)
}

// renderDocument builds the canonical page document from remote fields. When
// timestamp is non-empty a snapshot marker is embedded in the head; working
// copies are rendered without one.
func renderDocument(title, content, timestamp, operation string) string {
	markerLine := ""
	if timestamp != "" {
		markerLine = "\n    " + snapshotMarker(timestamp, operation)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>%s</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">%s
</head>
<body>
    <div class="page-content">
        %s
    </div>
</body>
</html>`, title, markerLine, content)
}

// parseSnapshotMarker extracts the timestamp and operation label from a
// snapshot document. ok is false when no marker is present.
func parseSnapshotMarker(doc string) (timestamp, operation string, ok bool) {
	match := markerPattern.FindStringSubmatch(doc)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

func stripSnapshotMarker(doc string) string {
	return markerLinePattern.ReplaceAllString(doc, "")
}

// injectSnapshotMarker ensures doc carries exactly one marker for the given
// timestamp and operation, replacing an existing one when present.
func injectSnapshotMarker(doc, timestamp, operation string) string {
	marker := snapshotMarker(timestamp, operation)
	if markerPattern.MatchString(doc) {
		return markerPattern.ReplaceAllString(doc, marker)
	}
	if idx := strings.Index(doc, "<head>"); idx >= 0 {
		insertAt := idx + len("<head>")
		return doc[:insertAt] + "\n    " + marker + doc[insertAt:]
	}
	return marker + "\n" + doc
}

// normalizeDocument reduces a document to a form stable under insignificant
// whitespace and snapshot-marker differences. Change detection compares
// normalized documents; Diff deliberately does not.
func normalizeDocument(doc string) string {
	doc = stripSnapshotMarker(doc)
	doc = whitespaceRuns.ReplaceAllString(doc, " ")
	doc = interTagGaps.ReplaceAllString(doc, "><")
	return strings.TrimSpace(doc)
}

// extractPushContent pulls the publishable portion out of a working copy: the
// body's inner HTML, with any head styling folded back in above it. Documents
// with no body element are pushed whole.
func extractPushContent(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse working copy: %w", err)
	}
	body := findElement(root, "body")
	if body == nil || body.FirstChild == nil {
		return doc, nil
	}

	var css strings.Builder
	if head := findElement(root, "head"); head != nil {
		for _, styleNode := range findElements(head, "style") {
			css.WriteString(textContent(styleNode))
			css.WriteString("\n")
		}
	}

	var inner strings.Builder
	for child := body.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&inner, child); err != nil {
			return "", fmt.Errorf("render working copy body: %w", err)
		}
	}
	bodyContent := inner.String()

	if strings.TrimSpace(css.String()) == "" {
		return bodyContent, nil
	}
	return "<style>\n" + css.String() + "</style>\n" + bodyContent, nil
}

func findElement(node *html.Node, name string) *html.Node {
	if node.Type == html.ElementNode && node.Data == name {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, name); found != nil {
			return found
		}
	}
	return nil
}

func findElements(node *html.Node, name string) []*html.Node {
	var out []*html.Node
	if node.Type == html.ElementNode && node.Data == name {
		out = append(out, node)
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		out = append(out, findElements(child, name)...)
	}
	return out
}

func textContent(node *html.Node) string {
	var out strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.TextNode {
			out.WriteString(child.Data)
		} else {
			out.WriteString(textContent(child))
		}
	}
	return out.String()
}
