package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llamarun/internal/async"
	orcherr "llamarun/internal/errors"
	"llamarun/internal/external/subprocess"
	"llamarun/internal/logging"
)

// ServerConfig is one entry of the developer's MCP server configuration
// (stdio command + args + env; llamarun does not speak MCP over HTTP/SSE).
type ServerConfig struct {
	Command  string
	Args     []string
	Env      map[string]string
	Disabled bool
}

// ServerStatus is a server's current lifecycle state.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusStopped  ServerStatus = "stopped"
	StatusError    ServerStatus = "error"
)

// ServerInstance is a running (or failed) MCP server.
type ServerInstance struct {
	Name      string
	Config    ServerConfig
	Client    *Client
	Status    ServerStatus
	LastError error
	StartedAt time.Time
}

// Registry starts, discovers tools from, and tears down the set of
// MCP servers a developer configured. Discovery is best-effort: a
// server that fails to start or times out is recorded with
// StatusError and simply contributes no tools, rather than aborting
// discovery for the rest of the fleet.
type Registry struct {
	mu               sync.RWMutex
	servers          map[string]*ServerInstance
	tools            map[string]ToolSchema // keyed by server-qualified alias, filled by caller
	logger           logging.Logger
	discoveryTimeout time.Duration
}

// NewRegistry builds a Registry. discoveryTimeout bounds how long each
// server's initialize + tools/list handshake may take before it's
// abandoned; zero uses the 3s default.
func NewRegistry(discoveryTimeout time.Duration) *Registry {
	if discoveryTimeout <= 0 {
		discoveryTimeout = 3 * time.Second
	}
	return &Registry{
		servers:          make(map[string]*ServerInstance),
		logger:           logging.NewComponentLogger("mcp.registry"),
		discoveryTimeout: discoveryTimeout,
	}
}

// DiscoveredTool pairs a server name with the schema it exposed, the
// shape the alias layer above needs to build routable tool names.
type DiscoveredTool struct {
	ServerName string
	Schema     ToolSchema
}

// StartAll launches every enabled server in parallel and returns the
// combined tool catalog. A server's failure is logged and excluded;
// it never prevents other servers from starting.
func (r *Registry) StartAll(ctx context.Context, configs map[string]ServerConfig) []DiscoveredTool {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []DiscoveredTool
	)

	for name, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		name, cfg := name, cfg
		wg.Add(1)
		async.Go(r.logger, "mcp.start."+name, func() {
			defer wg.Done()
			tools, err := r.startServer(ctx, name, cfg)
			if err != nil {
				r.logger.Warn("mcp server %s failed to start: %v", name, err)
				return
			}
			mu.Lock()
			for _, t := range tools {
				results = append(results, DiscoveredTool{ServerName: name, Schema: t})
			}
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

func (r *Registry) startServer(ctx context.Context, name string, cfg ServerConfig) ([]ToolSchema, error) {
	proc := subprocess.New(subprocess.Config{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
	})
	client := NewClient(name, proc)

	instance := &ServerInstance{Name: name, Config: cfg, Client: client, Status: StatusStarting, StartedAt: time.Now()}
	r.mu.Lock()
	r.servers[name] = instance
	r.mu.Unlock()

	if err := client.Start(ctx, r.discoveryTimeout); err != nil {
		instance.Status = StatusError
		instance.LastError = err
		return nil, err
	}
	instance.Status = StatusRunning

	listCtx, cancel := context.WithTimeout(ctx, r.discoveryTimeout)
	defer cancel()
	tools, err := r.listToolsWithRetry(listCtx, client.ListTools)
	if err != nil {
		return nil, fmt.Errorf("list tools for %s: %w", name, err)
	}
	return tools, nil
}

// toolsListRetryConfig is intentionally short: the call already runs
// under the bounded discoveryTimeout, so this only rides out a server
// that reports itself initialized a beat before its tool registry is
// actually populated.
var toolsListRetryConfig = orcherr.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    100 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	JitterFactor: 0.25,
}

func (r *Registry) listToolsWithRetry(ctx context.Context, listTools func(context.Context) ([]ToolSchema, error)) ([]ToolSchema, error) {
	return orcherr.RetryWithResultAndLog(ctx, toolsListRetryConfig, func(ctx context.Context) ([]ToolSchema, error) {
		tools, err := listTools(ctx)
		if err != nil {
			// A fresh server's tools/list can legitimately fail once
			// while its registry finishes populating; treat any
			// failure here as transient so the generic retry helper
			// actually retries it instead of giving up on attempt 1.
			return nil, orcherr.NewTransientError(err, "mcp tools/list failed")
		}
		return tools, nil
	}, r.logger)
}

// Get returns the named server instance, if known.
func (r *Registry) Get(name string) (*ServerInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[name]
	return inst, ok
}

// Shutdown stops every started server.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, inst := range r.servers {
		if inst.Client != nil {
			if err := inst.Client.Stop(); err != nil {
				r.logger.Warn("error stopping mcp server %s: %v", name, err)
			}
		}
	}
	r.servers = make(map[string]*ServerInstance)
}
