package pagesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrNoManifest           = errors.New("no manifest")
	ErrManifestCorrupt      = errors.New("manifest corrupt")
	ErrNotCloned            = errors.New("page not cloned")
	ErrNoSnapshot           = errors.New("no snapshot")
	ErrHistoryEntryNotFound = errors.New("history entry not found")
)

// Manifest is the index of everything that has been cloned. It is the source
// of truth for which pages exist locally; corruption is surfaced, never
// silently reset.
type Manifest struct {
	SiteURL  string                   `json:"site_url"`
	ClonedAt string                   `json:"cloned_at"`
	Version  string                   `json:"version"`
	Pages    map[string]ManifestEntry `json:"pages"`
}

type ManifestEntry struct {
	Title     string `json:"title"`
	Path      string `json:"path"`
	ClonePath string `json:"clone_path"`
	Metadata  string `json:"metadata"`
}

// PageMetadata is the per-page sidecar written next to each working copy.
type PageMetadata struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Status    string `json:"status"`
	Date      string `json:"date"`
	Modified  string `json:"modified"`
	ClonedAt  string `json:"cloned_at"`
	LocalOnly bool   `json:"local_only,omitempty"`
}

const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["pages"],
  "properties": {
    "site_url": {"type": "string"},
    "cloned_at": {"type": "string"},
    "version": {"type": "string"},
    "pages": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["title", "path", "clone_path"],
        "properties": {
          "title": {"type": "string"},
          "path": {"type": "string"},
          "clone_path": {"type": "string"},
          "metadata": {"type": "string"}
        }
      }
    }
  }
}`

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchemaJSON))
		if err != nil {
			manifestSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.schema.json", doc); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = compiler.Compile("manifest.schema.json")
	})
	return manifestSchema, manifestSchemaErr
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, ErrNoManifest
		}
		return Manifest{}, err
	}

	schema, err := compiledManifestSchema()
	if err != nil {
		return Manifest{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	if manifest.Pages == nil {
		manifest.Pages = map[string]ManifestEntry{}
	}
	return manifest, nil
}

func saveManifest(path string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// loadPageMetadata degrades to zero-value metadata when the sidecar is
// missing or malformed; only the manifest itself is treated as unrecoverable.
func loadPageMetadata(path string) PageMetadata {
	data, err := os.ReadFile(path)
	if err != nil {
		return PageMetadata{}
	}
	var metadata PageMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return PageMetadata{}
	}
	return metadata
}

func savePageMetadata(path string, metadata PageMetadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// renameFile is swappable so tests can fail the promote step of an atomic
// write without touching the temp-file phase.
var renameFile = os.Rename

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := renameFile(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
