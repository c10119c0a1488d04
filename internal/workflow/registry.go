package workflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	ometrics "github.com/meridianhq/meridian/internal/metrics"
)

// Registry maintains an in-memory catalogue of workflow definitions loaded
// from disk.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]Entry
	logger *zap.Logger
}

// Entry captures a loaded definition alongside bookkeeping data.
type Entry struct {
	Key         string
	Definition  *Definition
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// Summary exposes lightweight information about a registered workflow.
type Summary struct {
	Name        string
	Version     string
	Intent      string
	Key         string
	ContentHash string
	SourcePath  string
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{defs: make(map[string]Entry), logger: logger}
}

// LoadDirectory loads every YAML workflow under the provided directory.
// Per-file failures are collected into a LoadError so one bad file does not
// hide the rest.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat workflow directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workflow path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		if err := r.loadFile(path, false); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk workflow directory %s: %w", root, err)
	}

	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

// Watch hot-reloads workflow files under root until ctx is cancelled.
// Reload failures are logged and the previous definition stays registered.
func (r *Registry) Watch(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create workflow watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch workflow directory %s: %w", root, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isYAML(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadFile(event.Name, true); err != nil {
					r.logger.Warn("Workflow reload failed",
						zap.String("path", event.Name),
						zap.Error(err),
					)
					continue
				}
				r.logger.Info("Workflow reloaded", zap.String("path", event.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Workflow watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Get returns the entry that matches the supplied key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.defs[key]
	return entry, ok
}

// Find locates an entry by name and optional version. When version is empty
// the highest registered version wins.
func (r *Registry) Find(name, version string) (Entry, bool) {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return Entry{}, false
	}

	if entry, ok := r.Get(MakeKey(name, version)); ok {
		return entry, true
	}
	if version != "" {
		return Entry{}, false
	}

	summaries := r.List()
	for i := len(summaries) - 1; i >= 0; i-- {
		if summaries[i].Name == name {
			if entry, ok := r.Get(summaries[i].Key); ok {
				return entry, true
			}
		}
	}
	return Entry{}, false
}

// SelectForIntent returns the workflow registered for the given intent,
// preferring the highest version when several match.
func (r *Registry) SelectForIntent(intent string) (Entry, bool) {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return Entry{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Entry
	var found bool
	for _, entry := range r.defs {
		if entry.Definition.Intent != intent {
			continue
		}
		if !found || entry.Definition.Version > best.Definition.Version {
			best = entry
			found = true
		}
	}
	return best, found
}

// List summaries of all currently loaded workflows, sorted by name/version.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.defs))
	for _, entry := range r.defs {
		summaries = append(summaries, Summary{
			Name:        entry.Definition.Name,
			Version:     entry.Definition.Version,
			Intent:      entry.Definition.Intent,
			Key:         entry.Key,
			ContentHash: entry.ContentHash,
			SourcePath:  entry.SourcePath,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Name == summaries[j].Name {
			return summaries[i].Version < summaries[j].Version
		}
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}

func (r *Registry) loadFile(path string, replace bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	def, err := LoadDefinition(bytes.NewReader(data))
	if err != nil {
		ometrics.WorkflowValidationErrors.WithLabelValues("decode").Inc()
		return err
	}

	if err := ValidateDefinition(def); err != nil {
		if vErr, ok := err.(*ValidationError); ok {
			for _, issue := range vErr.Issues {
				ometrics.WorkflowValidationErrors.WithLabelValues(issue.Code).Inc()
			}
		} else {
			ometrics.WorkflowValidationErrors.WithLabelValues("validate").Inc()
		}
		return err
	}

	key := MakeKey(def.Name, def.Version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[key]; exists && !replace {
		ometrics.WorkflowValidationErrors.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("duplicate workflow key '%s'", key)
	}

	hash := sha256.Sum256(data)
	r.defs[key] = Entry{
		Key:         key,
		Definition:  def,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
	}
	ometrics.WorkflowsLoaded.Set(float64(len(r.defs)))
	return nil
}

// MakeKey produces the canonical map key for a name/version pair.
func MakeKey(name, version string) string {
	n := strings.TrimSpace(name)
	v := strings.TrimSpace(version)
	if v == "" {
		return n
	}
	return fmt.Sprintf("%s@%s", n, v)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadError aggregates workflow loading failures.
type LoadError struct {
	Failures []string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Failures) == 0 {
		return "workflow load failed"
	}
	return fmt.Sprintf("%d workflow(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// IsLoadError returns true when err represents aggregated load failures.
func IsLoadError(err error) bool {
	_, ok := err.(*LoadError)
	return ok
}
