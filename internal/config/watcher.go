package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MetadataWatcher watches skills_metadata.json for edits and re-derives
// skills_metadata_brief.json on change, per spec.md §6's persisted state
// layout ("brief, derived, auto-refreshed from the full file"). The
// watch/debounce shape is grounded on C360Studio-semspec's fsnotify-based
// source watcher.
type MetadataWatcher struct {
	watcher  *fsnotify.Watcher
	fullPath string
	brief    func(full []byte) ([]byte, error)
	logger   *slog.Logger
}

// NewMetadataWatcher builds a watcher over the directory containing
// fullPath. brief derives the brief-file bytes from the full file's bytes.
func NewMetadataWatcher(fullPath string, brief func(full []byte) ([]byte, error), logger *slog.Logger) (*MetadataWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(fullPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &MetadataWatcher{watcher: fsw, fullPath: fullPath, brief: brief, logger: logger}, nil
}

// Run refreshes the brief file once at startup and then on every change to
// fullPath, until ctx is canceled.
func (w *MetadataWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.refresh(); err != nil {
		w.logger.Warn("metadata watcher: initial refresh failed", "error", err)
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.fullPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("metadata watcher: fsnotify error", "error", err)
		case <-debounce.C:
			if err := w.refresh(); err != nil {
				w.logger.Warn("metadata watcher: refresh failed", "error", err)
			}
		}
	}
}

func (w *MetadataWatcher) refresh() error {
	full, err := os.ReadFile(w.fullPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	briefBytes, err := w.brief(full)
	if err != nil {
		return err
	}
	briefPath := briefPathFor(w.fullPath)
	tmpPath := briefPath + ".tmp"
	if err := os.WriteFile(tmpPath, briefBytes, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, briefPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func briefPathFor(fullPath string) string {
	ext := filepath.Ext(fullPath)
	base := fullPath[:len(fullPath)-len(ext)]
	return base + "_brief" + ext
}

// SkillBrief is the condensed per-skill metadata the brief file carries:
// name, description, and permission, with schemas and normalizer details
// omitted.
type SkillBrief struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Permission  string `json:"permission"`
}

// DeriveBrief implements the default full→brief projection: decode the full
// metadata array and keep only name/description/permission per entry.
func DeriveBrief(full []byte) ([]byte, error) {
	var entries []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Permission  string `json:"permission"`
	}
	if err := json.Unmarshal(full, &entries); err != nil {
		return nil, err
	}
	briefs := make([]SkillBrief, 0, len(entries))
	for _, e := range entries {
		briefs = append(briefs, SkillBrief{Name: e.Name, Description: e.Description, Permission: e.Permission})
	}
	return json.MarshalIndent(briefs, "", "  ")
}
