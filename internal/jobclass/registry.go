// -----------------------------------------------------------------------
// Job-class registry - string->factory lookup replacing the original
// protocol's reflective class loading
// -----------------------------------------------------------------------

package jobclass

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loadforge/loadsched/internal/model"
)

// JobClass describes one runnable job class: the stable identifier clients
// use to locate its code, the parameter stubs the composer clones when
// building a concrete job, and the class bytes served over the wire when a
// client requests a transfer.
type JobClass interface {
	Name() string
	ParameterStubs() model.ParameterList
	Bytes() []byte
	// Runnable reports whether the class can actually be dispatched.
	Runnable() bool
}

// Registry maps job-class identifiers to their definitions. It is
// populated once at startup; lookups of unknown identifiers return an
// UnknownJobClass placeholder that preserves the identifier for round-trip
// but refuses to run.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]JobClass
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]JobClass)}
}

// Register adds or replaces a job class.
func (r *Registry) Register(c JobClass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.Name()] = c
}

// Lookup returns the class for name. Unknown names yield an
// UnknownJobClass, never nil.
func (r *Registry) Lookup(name string) JobClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.classes[name]; ok {
		return c
	}
	return &UnknownJobClass{ClassName: name}
}

// Known reports whether name resolves to a registered class.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.classes[name]
	return ok
}

// LoadDirectory registers one StaticClass per regular file in dir: the
// class identifier is the file name without its extension, the class body
// is the file's bytes. A missing directory is not an error - the server
// just serves no classes. Returns the number of classes loaded.
func (r *Registry) LoadDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read class directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, fmt.Errorf("read class file %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		r.Register(&StaticClass{ClassName: name, Body: data})
		loaded++
	}
	return loaded, nil
}

// StaticClass is the ordinary JobClass implementation: a name, parameter
// stubs, and the class body bytes loaded at startup.
type StaticClass struct {
	ClassName string
	Stubs     model.ParameterList
	Body      []byte
}

func (c *StaticClass) Name() string                        { return c.ClassName }
func (c *StaticClass) ParameterStubs() model.ParameterList { return c.Stubs }
func (c *StaticClass) Bytes() []byte                       { return c.Body }
func (c *StaticClass) Runnable() bool                      { return true }

// UnknownJobClass stands in for an identifier no registered class matches.
// It preserves the encoded identifier so messages naming it still
// round-trip, but it cannot be dispatched.
type UnknownJobClass struct {
	ClassName string
}

func (c *UnknownJobClass) Name() string                        { return c.ClassName }
func (c *UnknownJobClass) ParameterStubs() model.ParameterList { return nil }
func (c *UnknownJobClass) Bytes() []byte                       { return nil }
func (c *UnknownJobClass) Runnable() bool                      { return false }
