package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"testing"
	"time"
)

func TestClientHandleLineRoutesResponse(t *testing.T) {
	c := NewClient("test", nil)

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pendingCalls["42"] = ch
	c.mu.Unlock()

	c.handleLine([]byte(`{"jsonrpc":"2.0","id":42,"result":{"ok":true}}`))

	select {
	case resp := <-ch:
		if resp == nil || resp.IsError() {
			t.Fatalf("expected successful response, got %#v", resp)
		}
	case <-time.After(250 * time.Millisecond):
		t.Fatal("timed out waiting for routed response")
	}
}

func TestClientHandleLineDispatchesNotifications(t *testing.T) {
	c := NewClient("test", nil)

	received := make(chan string, 1)
	c.SetNotificationHandler(func(method string, params map[string]any) {
		received <- method
	})

	c.handleLine([]byte(`{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`))

	select {
	case method := <-received:
		if method != "progress" {
			t.Errorf("unexpected method: %q", method)
		}
	case <-time.After(250 * time.Millisecond):
		t.Fatal("timed out waiting for notification")
	}
}

func TestClientInitializeNormalizesResponseID(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	c := NewClient("test", &fakeTransport{in: clientIn, out: clientOut})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readLoop()
	}()

	serverErr := make(chan error, 1)
	go func() {
		br := bufio.NewReader(serverIn)
		line, err := br.ReadBytes('\n')
		if err != nil {
			serverErr <- err
			return
		}
		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			serverErr <- err
			return
		}
		idStr, _ := req["id"].(string)
		idNum, err := strconv.Atoi(idStr)
		if err != nil {
			serverErr <- err
			return
		}
		resp := map[string]any{
			"jsonrpc": JSONRPCVersion,
			"id":      idNum,
			"result": map[string]any{
				"serverInfo":   map[string]any{"name": "fake", "version": "0.0.1"},
				"capabilities": map[string]any{},
			},
		}
		b, _ := json.Marshal(resp)
		if _, err := serverOut.Write(append(b, '\n')); err != nil {
			serverErr <- err
			return
		}

		if _, err := br.ReadBytes('\n'); err != nil { // notifications/initialized
			serverErr <- err
			return
		}
		_ = serverOut.Close()
		_ = serverIn.Close()
		serverErr <- nil
	}()

	if err := c.initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server side failed: %v", err)
	}
	if c.info == nil || c.info.Name != "fake" {
		t.Fatalf("expected server info to be populated, got %#v", c.info)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
}

// fakeTransport pipes Write() to one io.Writer and Stdout() from one
// io.Reader, standing in for a real subprocess in tests.
type fakeTransport struct {
	in  *io.PipeReader
	out *io.PipeWriter
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Write(data []byte) error {
	_, err := f.out.Write(data)
	return err
}
func (f *fakeTransport) Stdout() io.ReadCloser { return io.NopCloser(f.in) }
func (f *fakeTransport) Stop() error           { return f.in.Close() }
