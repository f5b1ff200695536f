package llamacpp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"llamarun/internal/external/subprocess"
	"llamarun/internal/logging"
)

const apiKeyPrefix = "llamarun"

var modelIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Process owns one spawned llama-server instance: the OS process, its
// log capture, and the metadata the scheduler needs to route requests
// to it.
type Process struct {
	sub  *subprocess.Subprocess
	logs *LogBuffer
	info SessionInfo

	mu       sync.Mutex
	shutdown bool
}

// Start resolves a binary, allocates an ephemeral port, spawns
// llama-server, and waits for it to report healthy. It retries across
// binary candidates: two attempts per candidate when at least two
// exist, otherwise five attempts against the lone candidate, since a
// single flaky binary is more likely to be transiently unready than
// genuinely broken.
func Start(ctx context.Context, logger logging.Logger, src Source, kind SessionKind, cfg RuntimeConfig) (*Process, error) {
	logger = logging.OrNop(logger)

	candidates := ResolveBinaryCandidates(cfg)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no llama-server binary found (checked config path, %s, bundled dirs, PATH)", envServerPath)
	}

	attemptsPerBinary := 2
	if len(candidates) < 2 {
		attemptsPerBinary = 5
	}

	var lastErr error
	for _, bin := range candidates {
		for attempt := 1; attempt <= attemptsPerBinary; attempt++ {
			proc, err := startOnce(ctx, logger, bin, src, kind, cfg)
			if err == nil {
				return proc, nil
			}
			lastErr = err
			logger.Warn("llama-server start attempt %d/%d with %s failed: %v", attempt, attemptsPerBinary, bin, err)
		}
	}
	return nil, fmt.Errorf("exhausted all binary candidates: %w", lastErr)
}

func startOnce(ctx context.Context, logger logging.Logger, binPath string, src Source, kind SessionKind, cfg RuntimeConfig) (*Process, error) {
	port, err := allocateEphemeralPort()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	apiKey, err := generateAPIKey(src.ModelID)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	args := buildArgs(src, kind, cfg, port, apiKey)
	env := buildEnv(binPath, apiKey, cfg)

	sub := subprocess.New(subprocess.Config{
		Command: binPath,
		Args:    args,
		Env:     env,
	})
	if err := sub.Start(ctx); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", binPath, err)
	}

	logs := NewLogBuffer()
	go pumpLines(sub.Stdout(), logs, nil)
	go pumpLines(sub.Stderr(), logs, nil)

	if err := WaitForHealthy(ctx, port, apiKey, cfg); err != nil {
		_ = sub.Stop()
		return nil, fmt.Errorf("%w; recent log output:\n%s", err, logs.Snapshot())
	}

	now := time.Now().Unix()
	return &Process{
		sub:  sub,
		logs: logs,
		info: SessionInfo{
			EngineID:       EngineIDLlamaCpp,
			ModelID:        src.ModelID,
			ModelPath:      src.ModelPath,
			PID:            sub.PID(),
			Port:           port,
			APIKey:         apiKey,
			Kind:           kind,
			CreatedAt:      now,
			LastHealthOKAt: &now,
		},
	}, nil
}

// Info returns a copy of the process's session metadata.
func (p *Process) Info() SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Logs returns the recent combined stdout/stderr text captured from
// the process.
func (p *Process) Logs() string {
	return p.logs.Snapshot()
}

// Stop performs a graceful-then-forceful shutdown: it first asks
// llama-server to exit over HTTP (trying both the legacy /shutdown and
// versioned /v1/shutdown endpoints, POST then GET, 700ms each), waits
// up to 2s total for the process to exit on its own, then falls back
// to subprocess.Stop's SIGTERM/SIGKILL escalation.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	port := p.info.Port
	apiKey := p.info.APIKey
	p.mu.Unlock()

	requestGracefulShutdown(ctx, port, apiKey)

	done := make(chan struct{})
	go func() {
		_ = p.sub.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return p.sub.Stop()
	}
}

func requestGracefulShutdown(ctx context.Context, port int, apiKey string) {
	client := &http.Client{Timeout: 700 * time.Millisecond}
	endpoints := []string{"/shutdown", "/v1/shutdown"}
	methods := []string{http.MethodPost, http.MethodGet}

	for _, path := range endpoints {
		for _, method := range methods {
			url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
			req, err := http.NewRequestWithContext(ctx, method, url, nil)
			if err != nil {
				continue
			}
			if apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			}
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
			}
		}
	}
}

func allocateEphemeralPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

func generateAPIKey(modelID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	sanitized := strings.Trim(modelIDSanitizer.ReplaceAllString(modelID, "-"), "-")
	if sanitized == "" {
		sanitized = "model"
	}
	return fmt.Sprintf("%s-%s-%s", apiKeyPrefix, sanitized, hex.EncodeToString(buf)), nil
}

func buildArgs(src Source, kind SessionKind, cfg RuntimeConfig, port int, apiKey string) []string {
	args := []string{
		"--model", src.ModelPath,
		"--port", strconv.Itoa(port),
		"--host", "127.0.0.1",
		"--api-key", apiKey,
	}
	if cfg.ContextSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(cfg.ContextSize))
	} else if src.ContextLength > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(src.ContextLength))
	}
	if cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(cfg.Threads))
	}
	if cfg.ThreadsBatch > 0 {
		args = append(args, "--threads-batch", strconv.Itoa(cfg.ThreadsBatch))
	}
	if cfg.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(cfg.BatchSize))
	}
	if cfg.UBatchSize > 0 {
		args = append(args, "--ubatch-size", strconv.Itoa(cfg.UBatchSize))
	}
	if cfg.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(cfg.GPULayers))
	}
	if cfg.FlashAttention {
		args = append(args, "--flash-attn")
	}
	if kind == KindEmbedding {
		args = append(args, "--embedding")
	}
	return args
}

// buildEnv assembles the spawned process's environment: the caller's
// extra entries, with PATH replaced by a merge of the binary's own
// directory and any sibling runtime-library directories (e.g. a bundled
// CUDA build's "cudart-*" folder) prepended ahead of whatever PATH the
// caller or parent process supplies, plus the API key injected directly
// into the environment (in addition to the --api-key argv flag, since
// not every llama-server build reads both the same way).
func buildEnv(binPath, apiKey string, cfg RuntimeConfig) map[string]string {
	env := make(map[string]string, len(cfg.ExtraEnv)+2)
	for k, v := range cfg.ExtraEnv {
		env[k] = v
	}

	basePath, hasPathKey := "", ""
	for k, v := range cfg.ExtraEnv {
		if strings.EqualFold(k, "PATH") {
			basePath, hasPathKey = v, k
			break
		}
	}
	if hasPathKey == "" {
		basePath = os.Getenv("PATH")
	}

	if merged := mergePath(pathPrependEntries(binPath), basePath); merged != "" {
		if hasPathKey != "" {
			delete(env, hasPathKey)
		}
		env["PATH"] = merged
	}

	env["LLAMA_API_KEY"] = apiKey
	return env
}

// pathPrependEntries returns the binary's own directory followed by any
// sibling "cudart-*" directories under the configured bundle roots,
// deduplicated, in the order they should be prepended to PATH.
func pathPrependEntries(binPath string) []string {
	var entries []string
	seen := make(map[string]bool)
	add := func(dir string) {
		if dir == "" {
			return
		}
		key := strings.ToLower(dir)
		if seen[key] {
			return
		}
		seen[key] = true
		entries = append(entries, dir)
	}

	add(filepath.Dir(binPath))

	for _, root := range binRoots() {
		children, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, child := range children {
			if !child.IsDir() {
				continue
			}
			if strings.HasPrefix(strings.ToLower(child.Name()), "cudart-") {
				add(filepath.Join(root, child.Name()))
			}
		}
	}

	return entries
}

// mergePath prepends entries to base, deduplicating case-insensitively
// and preserving the first occurrence's position.
func mergePath(prepend []string, base string) string {
	var merged []string
	seen := make(map[string]bool)
	add := func(dir string) {
		key := strings.ToLower(dir)
		if dir == "" || seen[key] {
			return
		}
		seen[key] = true
		merged = append(merged, dir)
	}

	for _, p := range prepend {
		add(p)
	}
	if base != "" {
		for _, p := range filepath.SplitList(base) {
			add(p)
		}
	}

	return strings.Join(merged, string(os.PathListSeparator))
}
