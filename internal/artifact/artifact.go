// Package artifact persists raw fetch payloads and screenshots for
// audit. Artifacts are written once and never mutated; newer artifacts
// supersede older ones on read, but nothing is deleted.
package artifact

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quantfeed/marketfeed/internal/model"
)

// Store writes artifacts under a root directory, keyed by
// (adapter id, timestamp), with a per-adapter JSONL index for listing.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create root %s", root)
	}
	return &Store{root: root}, nil
}

// Save persists the artifact's payload and screenshot (when present)
// and appends an index entry. Failed attempts are saved too; an empty
// payload with outcome=failure keeps the audit trail complete. The
// artifact's path fields are filled in.
func (s *Store) Save(ctx context.Context, art *model.RawArtifact) error {
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "artifact: save cancelled")
	}

	dir := filepath.Join(s.root, art.AdapterID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "artifact: create dir %s", dir)
	}

	stamp := art.RetrievedAt.UTC().Format("20060102T150405.000000000")

	if len(art.Payload) > 0 {
		path := filepath.Join(dir, stamp+payloadExt(art.ContentType))
		if err := os.WriteFile(path, art.Payload, 0o644); err != nil {
			return eris.Wrapf(err, "artifact: write payload %s", path)
		}
		art.PayloadPath = path
	}

	if len(art.XHR) > 0 {
		xhrJSON, err := json.Marshal(art.XHR)
		if err != nil {
			return eris.Wrap(err, "artifact: marshal xhr bundle")
		}
		path := filepath.Join(dir, stamp+"_xhr.json")
		if err := os.WriteFile(path, xhrJSON, 0o644); err != nil {
			return eris.Wrapf(err, "artifact: write xhr bundle %s", path)
		}
	}

	if err := s.appendIndex(dir, art); err != nil {
		return err
	}

	zap.L().Debug("artifact saved",
		zap.String("adapter", art.AdapterID),
		zap.String("outcome", string(art.Outcome)),
		zap.Int("payload_bytes", len(art.Payload)),
	)
	return nil
}

// SaveScreenshot writes a screenshot alongside an artifact's payload.
func (s *Store) SaveScreenshot(art *model.RawArtifact, png []byte) error {
	dir := filepath.Join(s.root, art.AdapterID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "artifact: create dir %s", dir)
	}
	stamp := art.RetrievedAt.UTC().Format("20060102T150405.000000000")
	path := filepath.Join(dir, stamp+"_full.png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return eris.Wrapf(err, "artifact: write screenshot %s", path)
	}
	art.ScreenshotPath = path
	return nil
}

// Latest returns the most recent index entry for the adapter, or nil
// when none exist.
func (s *Store) Latest(adapterID string) (*model.RawArtifact, error) {
	entries, err := s.List(adapterID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[len(entries)-1], nil
}

// List returns all index entries for the adapter in retrieval order.
// Payloads are not loaded; use Payload for that.
func (s *Store) List(adapterID string) ([]model.RawArtifact, error) {
	path := filepath.Join(s.root, adapterID, "index.jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: open index %s", path)
	}
	defer f.Close() //nolint:errcheck

	var entries []model.RawArtifact
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var art model.RawArtifact
		if err := json.Unmarshal([]byte(line), &art); err != nil {
			return nil, eris.Wrapf(err, "artifact: corrupt index line in %s", path)
		}
		entries = append(entries, art)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "artifact: read index %s", path)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RetrievedAt.Before(entries[j].RetrievedAt)
	})
	return entries, nil
}

// Payload loads the stored payload bytes for an index entry.
func (s *Store) Payload(art *model.RawArtifact) ([]byte, error) {
	if art.PayloadPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(art.PayloadPath)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: read payload %s", art.PayloadPath)
	}
	return data, nil
}

func (s *Store) appendIndex(dir string, art *model.RawArtifact) error {
	path := filepath.Join(dir, "index.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "artifact: open index %s", path)
	}
	defer f.Close() //nolint:errcheck

	line, err := json.Marshal(art)
	if err != nil {
		return eris.Wrap(err, "artifact: marshal index entry")
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return eris.Wrapf(err, "artifact: append index %s", path)
	}
	return nil
}

func payloadExt(contentType string) string {
	switch {
	case strings.Contains(contentType, "json"):
		return ".json"
	case strings.Contains(contentType, "html"):
		return ".html"
	case strings.Contains(contentType, "spreadsheet"), strings.Contains(contentType, "xlsx"):
		return ".xlsx"
	default:
		return ".txt"
	}
}
