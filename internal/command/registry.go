// Package command implements the command registry and the inbound message
// dispatcher.
package command

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"korabot/internal/domain"
	"korabot/internal/metrics"
)

// ManifestSuffix is the file suffix for installable command manifests.
const ManifestSuffix = ".yaml"

// protectedNames are the registry's own management commands. They can never
// be deleted; removing them would disable the bot's administration surface.
var protectedNames = map[string]bool{
	"delete":  true,
	"install": true,
	"help":    true,
	"load":    true,
	"restart": true,
}

// Registry maps lowercased command names to commands. Built-in commands are
// a fixed compiled-in table; manifest commands are loaded from the managed
// directory. Load replaces the whole mapping in one swap.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]domain.Command
	// paths maps manifest-command names to their backing files, rebuilt on
	// every load. Built-ins have no entry.
	paths map[string]string

	dir      string
	builtins []domain.Command
	logger   *slog.Logger
}

func NewRegistry(dir string, logger *slog.Logger) *Registry {
	return &Registry{
		commands: make(map[string]domain.Command),
		paths:    make(map[string]string),
		dir:      dir,
		logger:   logger,
	}
}

// Dir returns the managed manifest directory.
func (r *Registry) Dir() string { return r.dir }

// RegisterBuiltin adds a compiled-in command to the fixed table. Call before
// the first Load; built-ins survive every reload.
func (r *Registry) RegisterBuiltin(cmd domain.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins = append(r.builtins, cmd)
}

// Load rebuilds the registry: the fixed built-in table plus every valid
// manifest under the managed directory. The new mapping is built completely
// off to the side and swapped in under the lock, so a concurrent Lookup
// never observes a partially-cleared registry. Malformed manifests are
// skipped with a warning, never fatal.
func (r *Registry) Load() error {
	r.mu.RLock()
	builtins := r.builtins
	r.mu.RUnlock()

	next := make(map[string]domain.Command, len(builtins))
	nextPaths := make(map[string]string)

	for _, cmd := range builtins {
		next[strings.ToLower(cmd.Name())] = cmd
	}

	loaded, skipped := 0, 0
	err := filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ManifestSuffix) {
			return nil
		}

		cmd, err := loadManifest(path)
		if err != nil {
			r.logger.Warn("skipping invalid command manifest", "path", path, "err", err)
			skipped++
			return nil
		}

		name := strings.ToLower(cmd.Name())
		if _, exists := next[name]; exists {
			r.logger.Warn("duplicate command name, keeping existing", "name", name, "path", path)
			skipped++
			return nil
		}
		next[name] = cmd
		nextPaths[name] = path
		loaded++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scan command directory %s: %w", r.dir, err)
	}

	r.mu.Lock()
	r.commands = next
	r.paths = nextPaths
	r.mu.Unlock()

	metrics.CommandsLoaded.Set(int64(len(next)))
	r.logger.Info("commands reloaded",
		"builtin", len(builtins), "manifests", loaded, "skipped", skipped)
	return nil
}

// Lookup finds a command by name, case-insensitively.
func (r *Registry) Lookup(name string) (domain.Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []domain.Command {
	r.mu.RLock()
	cmds := make([]domain.Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()

	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name() < cmds[j].Name() })
	return cmds
}

// Delete removes a manifest command's backing file and resyncs memory with
// disk. Protected management commands and built-ins cannot be deleted.
func (r *Registry) Delete(name string) error {
	name = strings.ToLower(strings.TrimSuffix(name, ManifestSuffix))

	if protectedNames[name] {
		return fmt.Errorf("cannot delete essential command %q", name)
	}

	r.mu.RLock()
	path, onDisk := r.paths[name]
	_, exists := r.commands[name]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("command %q not found", name)
	}
	if !onDisk {
		return fmt.Errorf("command %q is built in and cannot be deleted", name)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove command file: %w", err)
	}
	return r.Load()
}

// Install writes manifest source into the managed directory and reloads.
// The name must carry the manifest suffix; the source must parse as a valid
// manifest (the caller is responsible for only fetching source from
// allow-listed origins).
func (r *Registry) Install(name string, source []byte) error {
	if !strings.HasSuffix(name, ManifestSuffix) {
		return fmt.Errorf("command file name must end with %s", ManifestSuffix)
	}
	// filepath.Base strips any path traversal in the supplied name.
	name = filepath.Base(name)

	if _, err := parseManifest(source); err != nil {
		return fmt.Errorf("invalid command manifest: %w", err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create command directory: %w", err)
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, source, 0o644); err != nil {
		return fmt.Errorf("write command file: %w", err)
	}
	return r.Load()
}
