package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/scheduler"
	"llamarun/internal/logging"
)

// upstreamURL builds the leased runner's endpoint for path (e.g.
// "/v1/chat/completions").
func upstreamURL(session llamacpp.SessionInfo, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", session.Port, path)
}

func newUpstreamRequest(ctx context.Context, session llamacpp.SessionInfo, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL(session, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if session.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+session.APIKey)
	}
	return req, nil
}

// forwardNonStream sends body to the leased session's path, releases
// the lease once the upstream response body has been fully read, and
// relays the status/body to the client. Per spec.md §4.5 step 4: "Non
// -stream: read JSON, drop lease, respond."
func forwardNonStream(c *gin.Context, client *http.Client, lease *scheduler.Lease, path string, body []byte, transform func([]byte) ([]byte, error)) {
	defer lease.Release()

	req, err := newUpstreamRequest(c.Request.Context(), lease.Session(), path, body)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, "server_error", fmt.Sprintf("upstream request failed: %v", err), "")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, "server_error", fmt.Sprintf("failed reading upstream response: %v", err), "")
		return
	}

	if transform != nil && resp.StatusCode == http.StatusOK {
		transformed, terr := transform(respBody)
		if terr == nil {
			respBody = transformed
		}
	}

	c.Data(resp.StatusCode, "application/json", respBody)
}

// forwardStream proxies the leased session's SSE response byte-for
// -byte to the client. The lease is captured in this function's
// closure and released when the stream ends or the client disconnects
// (c.Writer.CloseNotify via the request context), per spec.md §4.5
// step 4's streaming half.
func forwardStream(c *gin.Context, client *http.Client, lease *scheduler.Lease, path string, body []byte, idleTimeout time.Duration, logger logging.Logger) {
	defer lease.Release()

	req, err := newUpstreamRequest(c.Request.Context(), lease.Session(), path, body)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, "server_error", fmt.Sprintf("upstream request failed: %v", err), "")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		c.Data(resp.StatusCode, "application/json", respBody)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	reader := bufio.NewReader(resp.Body)
	flusher, _ := c.Writer.(http.Flusher)

	for {
		if idleTimeout > 0 {
			if deadliner, ok := resp.Body.(interface{ SetReadDeadline(time.Time) error }); ok {
				_ = deadliner.SetReadDeadline(time.Now().Add(idleTimeout))
			}
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := c.Writer.Write(line); werr != nil {
				logging.OrNop(logger).Warn("proxy: client disconnected mid-stream: %v", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				logging.OrNop(logger).Warn("proxy: upstream stream read failed: %v", err)
			}
			return
		}

		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
	}
}

// decodeJSONBody reads and decodes the request body into v, capping
// size to guard against runaway payloads.
func decodeJSONBody(c *gin.Context, v any) error {
	const maxBody = 64 << 20
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, maxBody))
	return dec.Decode(v)
}
