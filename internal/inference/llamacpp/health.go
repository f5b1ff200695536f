package llamacpp

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultHealthTimeout   = 120 * time.Second
	defaultHealthPollEvery = 150 * time.Millisecond
)

// WaitForHealthy polls a spawned llama-server's /health endpoint until
// it reports ready, the timeout elapses, or ctx is cancelled. It
// returns nil as soon as a single 200 response is observed; llama
// -server's /health returns 503 with {"status":"loading model"} while
// the model is still mapping into memory.
func WaitForHealthy(ctx context.Context, port int, apiKey string, cfg RuntimeConfig) error {
	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	pollEvery := cfg.HealthPollEvery
	if pollEvery <= 0 {
		pollEvery = defaultHealthPollEvery
	}

	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: pollEvery}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := probeOnce(ctx, client, url, apiKey)
		if ok {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}

	if lastErr != nil {
		return fmt.Errorf("llama-server did not become healthy within %s: %w", timeout, lastErr)
	}
	return fmt.Errorf("llama-server did not become healthy within %s", timeout)
}

func probeOnce(ctx context.Context, client *http.Client, url, apiKey string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}
