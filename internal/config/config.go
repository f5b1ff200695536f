// Package config loads this process's layered configuration: built-in
// defaults, overridden by an optional config file, overridden by
// environment variables, following the same defaults -> file ->
// environment layering the host codebase uses for its own settings.
// Everything downstream (scheduler sub-config, runtime config,
// retrieval settings, developer proxy settings, MCP server list) is
// parsed into typed structs here so the rest of the tree never touches
// viper directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/scheduler"
	"llamarun/internal/observability"
	"llamarun/internal/retrieval"
	"llamarun/internal/toolagent/mcp"
)

// DeveloperConfig binds the OpenAI-compatible proxy's HTTP surface:
// listen address, optional bearer auth keys, and CORS policy.
type DeveloperConfig struct {
	BindAddr       string   `mapstructure:"bind_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AuthKeys       []string `mapstructure:"auth_keys"`
}

// ModelsStorageConfig points at where resolved model files live on
// disk; the router's catalog scans this directory for GGUF files.
type ModelsStorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// PerformanceConfig is the per-invocation llama-server runtime tuning
// plus the scheduler sub-config, mirroring the settings document's
// "performance" section from spec.md §6.
type PerformanceConfig struct {
	Threads        int    `mapstructure:"threads"`
	ThreadsBatch   int    `mapstructure:"threads_batch"`
	ContextSize    int    `mapstructure:"context_size"`
	BatchSize      int    `mapstructure:"batch_size"`
	UBatchSize     int    `mapstructure:"ubatch_size"`
	PredictTokens  int    `mapstructure:"predict_tokens"`
	GPULayers      int    `mapstructure:"gpu_layers"`
	FlashAttention bool   `mapstructure:"flash_attention"`
	PreferGPU      string `mapstructure:"prefer_gpu"`

	KeepAliveSecs         uint64  `mapstructure:"keep_alive_secs"`
	MaxLoadedModels       int     `mapstructure:"max_loaded_models"`
	MaxQueue              int     `mapstructure:"max_queue"`
	QueueWaitTimeoutMS    int     `mapstructure:"queue_wait_timeout_ms"`
	VRAMRecoveryTimeoutMS int     `mapstructure:"vram_recovery_timeout_ms"`
	VRAMRecoveryPollMS    int     `mapstructure:"vram_recovery_poll_ms"`
	VRAMRecoveryThreshold float64 `mapstructure:"vram_recovery_threshold"`
	ExpirationTickMS      int     `mapstructure:"expiration_tick_ms"`
}

// WebRAGConfig is the retrieval pipeline's user-facing settings
// (spec.md §6's "web_rag" settings section).
type WebRAGConfig struct {
	Mode               string `mapstructure:"mode"` // off|lite|pro|auto
	ProBetaEnabled     bool   `mapstructure:"pro_beta_enabled"`
	MaxPages           int    `mapstructure:"max_pages"`
	MaxSnippetLen      int    `mapstructure:"max_snippet_len"`
	LocalEnabled       bool   `mapstructure:"local_enabled"`
	LocalTopK          int    `mapstructure:"local_top_k"`
	MaxContextChunks   int    `mapstructure:"max_context_chunks"`
	MaxRetrievalTokens int    `mapstructure:"max_retrieval_tokens"`

	EmbeddingsProvider string `mapstructure:"embeddings_provider"`
	EmbeddingsModel    string `mapstructure:"embeddings_model"`
	EmbeddingsBaseURL  string `mapstructure:"embeddings_base_url"`
	EmbeddingsAPIKey   string `mapstructure:"embeddings_api_key"`

	LocalIndexPath string `mapstructure:"local_index_path"`
}

// ToolingConfig binds max_tool_rounds and the MCP server list.
type ToolingConfig struct {
	MaxToolRounds int                           `mapstructure:"max_tool_rounds"`
	PerCallPrompt bool                          `mapstructure:"per_call_prompt"`
	MCPServers    map[string]mcp.ServerConfig `mapstructure:"mcp_servers"`
}

// Config is the process's fully-resolved, schema-versioned
// configuration document.
type Config struct {
	SchemaVersion int `mapstructure:"schema_version"`

	General struct {
		LogLevel string `mapstructure:"log_level"`
		LogJSON  bool   `mapstructure:"log_json"`
	} `mapstructure:"general"`

	ModelsStorage ModelsStorageConfig `mapstructure:"models_storage"`
	Performance   PerformanceConfig   `mapstructure:"performance"`
	Developer     DeveloperConfig     `mapstructure:"developer"`
	WebRAG        WebRAGConfig        `mapstructure:"web_rag"`
	Tooling       ToolingConfig       `mapstructure:"tooling"`
	Observability observability.Config `mapstructure:"observability"`
}

const CurrentSchemaVersion = 1

func setDefaults(v *viper.Viper) {
	v.SetDefault("schema_version", CurrentSchemaVersion)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_json", false)

	v.SetDefault("models_storage.dir", "")

	v.SetDefault("performance.threads", 0)
	v.SetDefault("performance.threads_batch", 0)
	v.SetDefault("performance.context_size", 4096)
	v.SetDefault("performance.batch_size", 2048)
	v.SetDefault("performance.ubatch_size", 512)
	v.SetDefault("performance.predict_tokens", -1)
	v.SetDefault("performance.gpu_layers", -1)
	v.SetDefault("performance.flash_attention", true)
	v.SetDefault("performance.prefer_gpu", "")

	def := scheduler.DefaultConfig()
	v.SetDefault("performance.keep_alive_secs", def.KeepAliveSecs)
	v.SetDefault("performance.max_loaded_models", def.MaxLoadedModels)
	v.SetDefault("performance.max_queue", def.MaxQueue)
	v.SetDefault("performance.queue_wait_timeout_ms", def.QueueWaitTimeout.Milliseconds())
	v.SetDefault("performance.vram_recovery_timeout_ms", def.VRAMRecoveryTimeout.Milliseconds())
	v.SetDefault("performance.vram_recovery_poll_ms", def.VRAMRecoveryPollEvery.Milliseconds())
	v.SetDefault("performance.vram_recovery_threshold", def.VRAMRecoveryThreshold)
	v.SetDefault("performance.expiration_tick_ms", def.ExpirationTick.Milliseconds())

	v.SetDefault("developer.bind_addr", "127.0.0.1:8700")
	v.SetDefault("developer.allowed_origins", []string{})
	v.SetDefault("developer.auth_keys", []string{})

	rdef := retrieval.DefaultSettings()
	v.SetDefault("web_rag.mode", string(rdef.Web.Mode))
	v.SetDefault("web_rag.pro_beta_enabled", false)
	v.SetDefault("web_rag.max_pages", rdef.Web.MaxPages)
	v.SetDefault("web_rag.max_snippet_len", rdef.Web.MaxSnippetLen)
	v.SetDefault("web_rag.local_enabled", rdef.Local.Enabled)
	v.SetDefault("web_rag.local_top_k", rdef.Local.TopK)
	v.SetDefault("web_rag.max_context_chunks", rdef.MaxContextChunks)
	v.SetDefault("web_rag.max_retrieval_tokens", rdef.MaxRetrievalTokens)
	v.SetDefault("web_rag.embeddings_provider", "openai")
	v.SetDefault("web_rag.local_index_path", "")

	v.SetDefault("tooling.max_tool_rounds", 8)
	v.SetDefault("tooling.per_call_prompt", false)

	odef := observability.DefaultConfig()
	v.SetDefault("observability.metrics.enabled", odef.Metrics.Enabled)
	v.SetDefault("observability.metrics.prometheus_port", odef.Metrics.PrometheusPort)
	v.SetDefault("observability.tracing.enabled", odef.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", odef.Tracing.Exporter)
	v.SetDefault("observability.tracing.sample_rate", odef.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", odef.Tracing.ServiceName)
}

// Load resolves the process configuration: defaults, then path (if
// non-empty, an explicit config file; otherwise viper's own search for
// a config named "oxide-infer" (e.g. oxide-infer.yaml) in ".",
// "$HOME/.oxide-infer", and "/etc/oxide-infer"), then environment variables prefixed
// OXIDE_LLAMA_ (matching spec.md §6's documented environment
// variables) with "." and "-" mapped to "_".
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OXIDE_LLAMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("oxide-infer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.oxide-infer")
		v.AddConfigPath("/etc/oxide-infer")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// SchedulerConfig translates the performance section into
// scheduler.Config.
func (c *Config) SchedulerConfig() scheduler.Config {
	p := c.Performance
	return scheduler.Config{
		KeepAliveSecs:         p.KeepAliveSecs,
		MaxLoadedModels:       p.MaxLoadedModels,
		MaxQueue:              p.MaxQueue,
		QueueWaitTimeout:      time.Duration(p.QueueWaitTimeoutMS) * time.Millisecond,
		VRAMRecoveryTimeout:   time.Duration(p.VRAMRecoveryTimeoutMS) * time.Millisecond,
		VRAMRecoveryPollEvery: time.Duration(p.VRAMRecoveryPollMS) * time.Millisecond,
		VRAMRecoveryThreshold: p.VRAMRecoveryThreshold,
		ExpirationTick:        time.Duration(p.ExpirationTickMS) * time.Millisecond,
	}
}

// RuntimeConfig translates the performance section into the
// per-invocation llamacpp.RuntimeConfig template; ctxSize overrides
// performance.context_size when a model's own context length is known
// and smaller (never larger — we never promise more context than the
// model supports).
func (c *Config) RuntimeConfig(ctxSize int) llamacpp.RuntimeConfig {
	p := c.Performance
	size := p.ContextSize
	if ctxSize > 0 && ctxSize < size {
		size = ctxSize
	}
	return llamacpp.RuntimeConfig{
		Threads:        p.Threads,
		ThreadsBatch:   p.ThreadsBatch,
		ContextSize:    size,
		BatchSize:      p.BatchSize,
		UBatchSize:     p.UBatchSize,
		PredictTokens:  p.PredictTokens,
		GPULayers:      p.GPULayers,
		FlashAttention: p.FlashAttention,
		PreferGPU:      p.PreferGPU,
	}
}

// RetrievalSettings translates the web_rag section into
// retrieval.Settings.
func (c *Config) RetrievalSettings() retrieval.Settings {
	w := c.WebRAG
	return retrieval.Settings{
		Web: retrieval.WebSettings{
			Mode:           retrieval.Mode(w.Mode),
			ProBetaEnabled: w.ProBetaEnabled,
			MaxPages:       w.MaxPages,
			MaxSnippetLen:  w.MaxSnippetLen,
		},
		Local: retrieval.LocalSettings{
			Enabled: w.LocalEnabled,
			TopK:    w.LocalTopK,
		},
		MaxContextChunks:   w.MaxContextChunks,
		MaxRetrievalTokens: w.MaxRetrievalTokens,
	}
}
