package llamacpp

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

const (
	envBinRoot    = "OXIDE_LLAMA_BIN_ROOT"    // colon/semicolon-separated binary roots
	envServerPath = "OXIDE_LLAMA_SERVER_PATH" // absolute override
)

func serverBinaryName() string {
	if runtime.GOOS == "windows" {
		return "llama-server.exe"
	}
	return "llama-server"
}

func osToken() string {
	switch runtime.GOOS {
	case "windows":
		return "win"
	case "darwin":
		return "macos"
	default:
		return "linux"
	}
}

// ResolveBinaryCandidates returns an ordered list of binary paths to
// try, first hit wins within the caller's retry loop. Order: explicit
// config path, env var override, bundled directory roots (scored),
// PATH scan.
func ResolveBinaryCandidates(cfg RuntimeConfig) []string {
	var candidates []string
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		if _, err := os.Stat(path); err != nil {
			return
		}
		seen[path] = true
		candidates = append(candidates, path)
	}

	if cfg.BinaryPath != "" {
		add(cfg.BinaryPath)
	}
	if envPath := os.Getenv(envServerPath); envPath != "" {
		add(envPath)
	}

	for _, root := range binRoots() {
		for _, path := range rankedBundleBinaries(root, cfg.PreferGPU) {
			add(path)
		}
	}

	if path, err := exec.LookPath(serverBinaryName()); err == nil {
		add(path)
	}

	return candidates
}

func binRoots() []string {
	var roots []string
	if env := os.Getenv(envBinRoot); env != "" {
		sep := ":"
		if strings.Contains(env, ";") {
			sep = ";"
		}
		for _, r := range strings.Split(env, sep) {
			r = strings.TrimSpace(r)
			if r != "" {
				roots = append(roots, r)
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, filepath.Join(cwd, "bin"))
	}

	return roots
}

// rankedBundleBinaries scores each subdirectory of root by naming
// convention (OS token required, GPU-flavor preference, duplicate-dir
// penalty) and returns server binary paths descending by score.
func rankedBundleBinaries(root string, preferGPU string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	type scored struct {
		path  string
		score int
	}
	var found []scored

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirName := entry.Name()
		score, ok := bundleCandidateScore(dirName, preferGPU)
		if !ok {
			continue
		}
		candidate := filepath.Join(root, dirName, serverBinaryName())
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		found = append(found, scored{path: candidate, score: score})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].score > found[j].score })

	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f.path)
	}
	return out
}

// bundleCandidateScore implements the naming-convention heuristic used
// to rank bundled llama-server builds: the directory name must carry
// the current OS's token to be considered at all; flavor (cuda/vulkan
// vs cpu) is scored against the caller's GPU preference; a duplicate
// install directory (e.g. "linux-cuda (1)") is penalized so the
// canonical copy always wins ties.
func bundleCandidateScore(dirName string, preferGPU string) (int, bool) {
	lower := strings.ToLower(dirName)
	if !strings.Contains(lower, osToken()) {
		return 0, false
	}

	score := 10
	hasCUDA := strings.Contains(lower, "cuda")
	hasVulkan := strings.Contains(lower, "vulkan")
	hasCPU := strings.Contains(lower, "cpu")

	switch {
	case preferGPU == "cuda" && hasCUDA:
		score += 30
	case preferGPU == "vulkan" && hasVulkan:
		score += 30
	case preferGPU != "" && (hasCUDA || hasVulkan) && !strings.Contains(lower, preferGPU):
		score += 5 // some GPU flavor, just not the preferred one
	case preferGPU == "" && hasCPU:
		score += 15
	case hasCPU:
		score += 5
	}

	if strings.Contains(dirName, " (") {
		score -= 100
	}

	return score, true
}
