// Package router is the thin glue (spec.md component C8) that wires
// the scheduler, the proxy frontend, the retrieval orchestrator, and
// the tool-call agent loop into one process: it owns the model
// catalog, builds the retrieval pipeline and MCP tool registry from
// configuration, and attaches both to the proxy's optional hooks.
// Nothing here implements domain logic of its own; every interesting
// decision lives in the component packages it imports.
package router

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"llamarun/internal/config"
	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/proxy"
	"llamarun/internal/inference/scheduler"
)

// modelFileExt is the weight file extension the catalog scans for.
// Parsing the file itself (GGUF metadata) is out of scope per spec.md
// §1 — the catalog only needs a path and a context-length default.
const modelFileExt = ".gguf"

// FileCatalog resolves model ids to scheduler sources by scanning a
// directory of GGUF files. The model id is the file's base name
// without extension; every model gets the same configured default
// context length since per-model GGUF metadata parsing is out of
// scope (spec.md §1's "GGUF metadata parsing utilities" boundary).
type FileCatalog struct {
	dir               string
	defaultContextLen int

	mu     sync.RWMutex
	models map[string]string // model_id -> absolute path
}

// NewFileCatalog scans dir once at startup. A missing or unreadable
// directory yields an empty catalog rather than an error — a freshly
// installed workbench with no downloaded models yet is a valid state.
func NewFileCatalog(dir string, defaultContextLen int) *FileCatalog {
	c := &FileCatalog{dir: dir, defaultContextLen: defaultContextLen, models: map[string]string{}}
	c.Rescan()
	return c
}

// Rescan re-reads the directory, replacing the catalog's contents.
// Safe to call periodically (e.g. after the downloader finishes a new
// model) without restarting the process.
func (c *FileCatalog) Rescan() {
	models := map[string]string{}
	entries, err := os.ReadDir(c.dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), modelFileExt) {
				continue
			}
			id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			abs, err := filepath.Abs(filepath.Join(c.dir, e.Name()))
			if err != nil {
				continue
			}
			models[id] = abs
		}
	}
	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
}

// List implements proxy.ModelCatalog.
func (c *FileCatalog) List() []proxy.ModelMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]proxy.ModelMeta, 0, len(c.models))
	for id := range c.models {
		out = append(out, proxy.ModelMeta{ID: id, ContextLength: c.defaultContextLen, OwnedBy: "local"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve implements proxy.ModelCatalog.
func (c *FileCatalog) Resolve(modelID string) (scheduler.Source, llamacpp.RuntimeConfig, bool) {
	c.mu.RLock()
	path, ok := c.models[modelID]
	c.mu.RUnlock()
	if !ok {
		return scheduler.Source{}, llamacpp.RuntimeConfig{}, false
	}
	source := scheduler.Source{ModelID: modelID, ModelPath: path, ContextLength: c.defaultContextLen}
	return source, llamacpp.RuntimeConfig{}, true
}

// RuntimeConfigFor fills in a concrete llamacpp.RuntimeConfig for a
// resolved source using the process's performance configuration. The
// proxy's ModelCatalog.Resolve signature (shared with tests that don't
// carry a *config.Config) intentionally returns a zero-value
// RuntimeConfig; callers that want the full per-model config call this
// instead before handing it to the scheduler. The Router does this
// internally when it builds the catalog's Resolve closure — see
// NewRouter.
func RuntimeConfigFor(cfg *config.Config, source scheduler.Source) llamacpp.RuntimeConfig {
	return cfg.RuntimeConfig(source.ContextLength)
}
