package llamacpp

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateAPIKeySanitizesModelID(t *testing.T) {
	key, err := generateAPIKey("Qwen/Qwen2.5 7B Instruct")
	if err != nil {
		t.Fatalf("generateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, "llamarun-Qwen-Qwen2-5-7B-Instruct-") {
		t.Fatalf("unexpected api key shape: %s", key)
	}
}

func TestGenerateAPIKeyFallsBackOnEmptyModelID(t *testing.T) {
	key, err := generateAPIKey("///")
	if err != nil {
		t.Fatalf("generateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, "llamarun-model-") {
		t.Fatalf("unexpected fallback api key: %s", key)
	}
}

func TestAllocateEphemeralPortReturnsUsablePort(t *testing.T) {
	port, err := allocateEphemeralPort()
	if err != nil {
		t.Fatalf("allocateEphemeralPort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port out of range: %d", port)
	}
}

func TestBuildArgsIncludesEmbeddingFlagForEmbeddingKind(t *testing.T) {
	src := Source{ModelID: "m", ModelPath: "/models/m.gguf", ContextLength: 4096}
	args := buildArgs(src, KindEmbedding, RuntimeConfig{}, 8080, "key")

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--embedding") {
		t.Fatalf("expected --embedding flag in args: %v", args)
	}
	if !strings.Contains(joined, "--ctx-size 4096") {
		t.Fatalf("expected context length fallback in args: %v", args)
	}
}

func TestBuildArgsPrefersExplicitContextSizeOverSourceDefault(t *testing.T) {
	src := Source{ModelID: "m", ModelPath: "/models/m.gguf", ContextLength: 4096}
	args := buildArgs(src, KindChat, RuntimeConfig{ContextSize: 8192}, 8080, "key")

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--ctx-size 8192") {
		t.Fatalf("expected explicit ctx-size to win: %v", args)
	}
}

func TestBuildEnvInjectsAPIKeyAndPrependsBinaryDirToPath(t *testing.T) {
	binPath := filepath.Join(string(filepath.Separator), "opt", "llama", "bin", "llama-server")
	env := buildEnv(binPath, "secret-key", RuntimeConfig{})

	if env["LLAMA_API_KEY"] != "secret-key" {
		t.Fatalf("expected LLAMA_API_KEY to be injected, got %q", env["LLAMA_API_KEY"])
	}
	entries := filepath.SplitList(env["PATH"])
	if len(entries) == 0 || entries[0] != filepath.Dir(binPath) {
		t.Fatalf("expected binary directory first in PATH, got %v", entries)
	}
}

func TestBuildEnvPreservesCallerExtraEnv(t *testing.T) {
	env := buildEnv("/opt/llama/bin/llama-server", "secret-key", RuntimeConfig{
		ExtraEnv: map[string]string{"FOO": "bar"},
	})
	if env["FOO"] != "bar" {
		t.Fatalf("expected caller extra env to survive, got %v", env)
	}
}
