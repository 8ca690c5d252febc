package workflow

import (
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

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
)

// Entry is a compiled workflow plus load bookkeeping.
type Entry struct {
	Key         string
	Program     *Program
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// LoadError lists the files that failed to load.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%d workflow file(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// Registry holds compiled workflows keyed by id@version.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	root    string
	logger  *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{entries: make(map[string]*Entry), logger: logger}
}

// MakeKey produces the canonical map key for an id/version pair.
func MakeKey(id, version string) string {
	return strings.TrimSpace(id) + "@" + strings.TrimSpace(version)
}

// LoadDirectory replaces the registry contents with every definition under
// root. On failure nothing is replaced.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat workflow directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workflow path %s is not a directory", root)
	}

	next := make(map[string]*Entry)
	var failures []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if d.IsDir() || !isDefinitionFile(path) {
			return nil
		}
		entry, err := loadEntry(path)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if prev, dup := next[entry.Key]; dup {
			metrics.WorkflowValidationErrors.WithLabelValues("duplicate").Inc()
			failures = append(failures, fmt.Sprintf("%s: duplicate workflow key %s (also in %s)", path, entry.Key, prev.SourcePath))
			return nil
		}
		next[entry.Key] = entry
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk workflow directory %s: %w", root, walkErr)
	}
	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}

	r.mu.Lock()
	r.entries = next
	r.root = root
	r.mu.Unlock()

	for _, e := range next {
		metrics.WorkflowsLoaded.WithLabelValues(e.Program.Def.ID).Inc()
	}
	r.logger.Info("Workflow definitions loaded", zap.String("dir", root), zap.Int("count", len(next)))
	return nil
}

func loadEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	def, err := decode(data, isJSON(path))
	if err != nil {
		metrics.WorkflowValidationErrors.WithLabelValues("decode").Inc()
		return nil, err
	}
	prog, err := Compile(def)
	if err != nil {
		if vErr, ok := err.(*ValidationError); ok {
			for _, code := range vErr.Codes() {
				metrics.WorkflowValidationErrors.WithLabelValues(code).Inc()
			}
		} else {
			metrics.WorkflowValidationErrors.WithLabelValues("compile").Inc()
		}
		return nil, err
	}
	sum := sha256.Sum256(data)
	return &Entry{
		Key:         MakeKey(def.ID, def.Version),
		Program:     prog,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(sum[:]),
		LoadedAt:    time.Now().UTC(),
	}, nil
}

// Register compiles def and adds it. Registering an existing id@version fails.
func (r *Registry) Register(def *Definition) (*Program, error) {
	prog, err := Compile(def)
	if err != nil {
		return nil, err
	}
	key := MakeKey(def.ID, def.Version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return nil, fmt.Errorf("duplicate workflow key %s", key)
	}
	r.entries[key] = &Entry{Key: key, Program: prog, ContentHash: prog.Checksum, LoadedAt: time.Now().UTC()}
	return prog, nil
}

// Get returns the program for an exact id and version.
func (r *Registry) Get(id, version string) (*Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[MakeKey(id, version)]
	if !ok {
		return nil, false
	}
	return e.Program, true
}

// Latest returns the highest semver version of id whose status is active.
func (r *Registry) Latest(id string) (*Program, bool) {
	var best *Program
	var bestV *semver.Version
	for _, p := range r.snapshot() {
		if p.Def.ID != id || !p.Def.Active() {
			continue
		}
		v, err := semver.NewVersion(p.Def.Version)
		if err != nil {
			continue
		}
		if bestV == nil || v.GreaterThan(bestV) {
			best, bestV = p, v
		}
	}
	return best, best != nil
}

// ByResource resolves a WORKFLOW candidate's resource id for a tenant.
// A resource id of the form id@version names an exact version.
func (r *Registry) ByResource(tenantID, resourceID string) (*Program, bool) {
	if id, version, ok := strings.Cut(resourceID, "@"); ok {
		p, found := r.Get(id, version)
		if !found || p.Def.TenantID != tenantID {
			return nil, false
		}
		return p, true
	}
	var best *Program
	var bestV *semver.Version
	for _, p := range r.snapshot() {
		if p.Def.Resource() != resourceID || p.Def.TenantID != tenantID || !p.Def.Active() {
			continue
		}
		v, err := semver.NewVersion(p.Def.Version)
		if err != nil {
			continue
		}
		if bestV == nil || v.GreaterThan(bestV) {
			best, bestV = p, v
		}
	}
	return best, best != nil
}

// List returns the latest version of every workflow owned by tenantID,
// sorted by id. Inactive workflows are included so callers can report them.
// An empty tenantID lists every tenant.
func (r *Registry) List(tenantID string) []*Program {
	latest := map[string]*Program{}
	versions := map[string]*semver.Version{}
	for _, p := range r.snapshot() {
		if tenantID != "" && p.Def.TenantID != tenantID {
			continue
		}
		k := p.Def.TenantID + "/" + p.Def.ID
		v, err := semver.NewVersion(p.Def.Version)
		if err != nil {
			continue
		}
		if cur, ok := versions[k]; !ok || v.GreaterThan(cur) {
			latest[k], versions[k] = p, v
		}
	}
	out := make([]*Program, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Def.ID != out[j].Def.ID {
			return out[i].Def.ID < out[j].Def.ID
		}
		return out[i].Def.TenantID < out[j].Def.TenantID
	})
	return out
}

// Len returns the number of loaded id@version entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshot() []*Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Program, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Program)
	}
	return out
}

// Watch reloads the directory passed to LoadDirectory whenever a definition
// file changes, until ctx is done. A failed reload keeps the current set.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()
	if root == "" {
		return fmt.Errorf("watch: no workflow directory loaded")
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", root, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isDefinitionFile(ev.Name) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Workflow watcher error", zap.Error(err))
			case <-fire:
				fire = nil
				if err := r.LoadDirectory(root); err != nil {
					r.logger.Error("Workflow reload failed, keeping previous definitions", zap.Error(err))
				}
			}
		}
	}()
	return nil
}
