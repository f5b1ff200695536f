package router

import (
	"context"
	"net/http"
	"time"

	"llamarun/internal/config"
	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/proxy"
	"llamarun/internal/inference/scheduler"
	"llamarun/internal/logging"
	"llamarun/internal/rag"
	"llamarun/internal/retrieval"
	"llamarun/internal/toolagent"
	"llamarun/internal/toolagent/mcp"
)

// Router owns the process-lifetime pieces the proxy needs but cannot
// construct itself: the model catalog, the MCP tool registry, and the
// glue types that let the proxy call into retrieval and toolagent
// without importing either directly.
type Router struct {
	Catalog  *FileCatalog
	Enricher *Enricher
	ToolLoop *ToolLoop
	mcpReg   *mcp.Registry
}

// engineAdapter satisfies scheduler.EngineManager by wrapping the
// llamacpp package's process-level Start/Stop.
type engineAdapter struct {
	logger    logging.Logger
	processes map[string]*llamacpp.Process
}

func newEngineAdapter(logger logging.Logger) *engineAdapter {
	return &engineAdapter{logger: logger, processes: make(map[string]*llamacpp.Process)}
}

func (e *engineAdapter) Start(ctx context.Context, kind llamacpp.SessionKind, source scheduler.Source, cfg llamacpp.RuntimeConfig) (llamacpp.SessionInfo, error) {
	proc, err := llamacpp.Start(ctx, e.logger, llamacpp.Source(source), kind, cfg)
	if err != nil {
		return llamacpp.SessionInfo{}, err
	}
	e.processes[engineKey(source.ModelID, kind)] = proc
	return proc.Info(), nil
}

func (e *engineAdapter) Stop(ctx context.Context, modelID string, kind llamacpp.SessionKind) error {
	key := engineKey(modelID, kind)
	proc, ok := e.processes[key]
	if !ok {
		return nil
	}
	delete(e.processes, key)
	return proc.Stop(ctx)
}

func engineKey(modelID string, kind llamacpp.SessionKind) string {
	return string(kind) + ":" + modelID
}

// NewScheduler builds the production scheduler wired over real
// llama-server subprocesses and the host's nvidia-smi telemetry (or a
// no-op reader when unavailable).
func NewScheduler(logger logging.Logger, cfg *config.Config) *scheduler.Scheduler {
	engine := newEngineAdapter(logger)
	var telemetry scheduler.TelemetryReader = scheduler.NvidiaSMIReader{}
	return scheduler.New(logger, engine, telemetry, cfg.SchedulerConfig())
}

// New builds the router's glue components: the model catalog, the
// retrieval pipeline (if web_rag settings call for one), and the MCP
// tool registry plus tool-loop agent wiring (if any servers are
// configured). MCP discovery runs once here, synchronously, since it
// only needs to happen at process start.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Router, error) {
	catalog := NewFileCatalog(cfg.ModelsStorage.Dir, cfg.Performance.ContextSize)

	r := &Router{Catalog: catalog}

	r.Enricher = buildEnricher(cfg, logger)

	if len(cfg.Tooling.MCPServers) > 0 {
		registry := mcp.NewRegistry(5 * time.Second)
		discovered := registry.StartAll(ctx, cfg.Tooling.MCPServers)
		tools, routes := toolagent.BuildAliasTable(discovered)
		r.mcpReg = registry
		r.ToolLoop = NewToolLoop(registry, tools, routes, nil, cfg.Tooling.MaxToolRounds, logger)
	}

	return r, nil
}

// buildEnricher assembles the retrieval pipeline from configuration.
// Any stage that's missing its prerequisite (an embeddings provider
// for Web Pro / local RAG, an index path for local RAG) is simply left
// nil; Pipeline.Run treats a nil stage as "not configured" and records
// a warning rather than failing the request.
func buildEnricher(cfg *config.Config, logger logging.Logger) *Enricher {
	logger = logging.OrNop(logger)
	settings := cfg.RetrievalSettings()

	var webLite *retrieval.WebLiteSearcher
	if settings.Web.Mode != retrieval.ModeOff {
		webLite = retrieval.NewWebLiteSearcher(8 * time.Second)
	}

	var embedder *rag.Embedder
	needsEmbeddings := settings.Web.Mode == retrieval.ModePro || settings.Local.Enabled
	if needsEmbeddings && cfg.WebRAG.EmbeddingsAPIKey != "" {
		var err error
		embedder, err = rag.NewEmbedder(rag.EmbedderConfig{
			Provider:  cfg.WebRAG.EmbeddingsProvider,
			Model:     cfg.WebRAG.EmbeddingsModel,
			APIKey:    cfg.WebRAG.EmbeddingsAPIKey,
			BaseURL:   cfg.WebRAG.EmbeddingsBaseURL,
			CacheSize: 4096,
		})
		if err != nil {
			logger.Warn("router: embeddings provider unavailable, Web Pro / local RAG disabled: %v", err)
			embedder = nil
		}
	}

	var webPro *retrieval.WebProFetcher
	if settings.Web.Mode == retrieval.ModePro && embedder != nil {
		chunker, err := rag.NewChunker(rag.ChunkerConfig{})
		if err == nil {
			webPro = retrieval.NewWebProFetcher(&http.Client{Timeout: 10 * time.Second}, embedder, chunker)
		}
	}

	var local *rag.VectorStore
	if settings.Local.Enabled && embedder != nil && cfg.WebRAG.LocalIndexPath != "" {
		store, err := rag.NewVectorStore(rag.StoreConfig{PersistPath: cfg.WebRAG.LocalIndexPath}, embedder)
		if err == nil {
			local = store
		} else {
			logger.Warn("router: local vector index unavailable: %v", err)
		}
	}

	var localSearcher retrieval.LocalSearcher
	if local != nil {
		localSearcher = local
	}

	pipeline := retrieval.NewPipeline(webLite, webPro, localSearcher, nil, nil, logger)
	return NewEnricher(pipeline, settings)
}

// Shutdown releases process-lifetime resources (MCP server
// subprocesses).
func (r *Router) Shutdown() {
	if r.mcpReg != nil {
		r.mcpReg.Shutdown()
	}
}

// Attach wires the router's glue components onto a proxy server.
func (r *Router) Attach(s *proxy.Server) *proxy.Server {
	s = s.WithRetrieval(r.Enricher)
	if r.ToolLoop != nil {
		s = s.WithToolLoop(r.ToolLoop)
	}
	return s
}
