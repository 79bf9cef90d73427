package sites

import (
	"context"
	"embed"
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
	"gopkg.in/yaml.v3"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/logging"
)

//go:embed defaults/*.yaml
var defaults embed.FS

// Registry holds the loaded scripts keyed by site id.
type Registry struct {
	mu       sync.RWMutex
	builtin  map[string]*Script
	scripts  map[string]*Script
	log      *zap.Logger
	debounce time.Duration
}

// NewRegistry loads the embedded definitions.
func NewRegistry() (*Registry, error) {
	builtin, err := loadFS(defaults, "defaults")
	if err != nil {
		return nil, fmt.Errorf("load builtin sites: %w", err)
	}
	r := &Registry{
		builtin:  builtin,
		scripts:  make(map[string]*Script, len(builtin)),
		log:      logging.Named("sites"),
		debounce: 250 * time.Millisecond,
	}
	for k, v := range builtin {
		r.scripts[k] = v
	}
	return r, nil
}

// Parse decodes and validates one YAML document.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, apperr.Validation("parse site definition: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Add registers or replaces a script.
func (r *Registry) Add(s *Script) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.scripts[s.Site] = s
	r.mu.Unlock()
	return nil
}

// Get returns the script for site.
func (r *Registry) Get(site string) (*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[site]
	if !ok {
		return nil, apperr.Validation("unsupported site %q", site)
	}
	return s, nil
}

// Supported reports whether a script exists for site.
func (r *Registry) Supported(site string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scripts[site]
	return ok
}

// Sites lists the known site ids.
func (r *Registry) Sites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scripts))
	for k := range r.scripts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadDir replaces the non-builtin scripts with the *.yaml files in dir.
// A file that fails to parse aborts the load and keeps the previous set.
func (r *Registry) LoadDir(dir string) error {
	loaded, err := loadFS(os.DirFS(dir), ".")
	if err != nil {
		return err
	}
	next := make(map[string]*Script, len(r.builtin)+len(loaded))
	for k, v := range r.builtin {
		next[k] = v
	}
	for k, v := range loaded {
		next[k] = v
	}
	r.mu.Lock()
	r.scripts = next
	r.mu.Unlock()
	r.log.Info("site definitions loaded", zap.String("dir", dir), zap.Int("count", len(next)))
	return nil
}

// Watch reloads dir whenever a definition changes. Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch sites dir: %w", err)
	}
	r.log.Info("watching site definitions", zap.String("dir", dir))

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinition(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if timer == nil {
					timer = time.NewTimer(r.debounce)
				} else {
					timer.Reset(r.debounce)
				}
				reload = timer.C
			}

		case <-reload:
			reload = nil
			if err := r.LoadDir(dir); err != nil {
				r.log.Warn("site reload failed, keeping previous definitions", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func isDefinition(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func loadFS(fsys fs.FS, root string) (map[string]*Script, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Script)
	for _, e := range entries {
		if e.IsDir() || !isDefinition(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return nil, err
		}
		s, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out[s.Site] = s
	}
	return out, nil
}
