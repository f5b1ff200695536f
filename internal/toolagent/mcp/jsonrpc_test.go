package mcp

import "testing"

func TestNewRequest(t *testing.T) {
	req := NewRequest("1", "tools/call", map[string]any{"name": "read_file"})
	if req.JSONRPC != JSONRPCVersion {
		t.Errorf("expected version %s, got %s", JSONRPCVersion, req.JSONRPC)
	}
	if req.Method != "tools/call" {
		t.Errorf("unexpected method: %s", req.Method)
	}
	if req.IsNotification() {
		t.Error("request with ID should not be a notification")
	}
}

func TestNewNotification(t *testing.T) {
	notif := NewNotification("notifications/initialized", nil)
	if !notif.IsNotification() {
		t.Error("notification should report IsNotification() true")
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("1", InvalidParams, "bad params", "name is required")
	if !resp.IsError() {
		t.Fatal("expected IsError() true")
	}
	if resp.Error.Code != InvalidParams {
		t.Errorf("expected code %d, got %d", InvalidParams, resp.Error.Code)
	}
}

func TestRPCErrorError(t *testing.T) {
	withoutData := &RPCError{Code: ParseError, Message: "parse failed"}
	if got, want := withoutData.Error(), "JSON-RPC error -32700: parse failed"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	withData := &RPCError{Code: InvalidRequest, Message: "invalid request", Data: "missing method"}
	if got, want := withData.Error(), "JSON-RPC error -32600: invalid request (data: missing method)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestUnmarshalResponseInvalidJSON(t *testing.T) {
	_, err := UnmarshalResponse([]byte("not valid json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code != ParseError {
		t.Errorf("expected ParseError, got %d", rpcErr.Code)
	}
}

func TestUnmarshalResponseWrongVersion(t *testing.T) {
	_, err := UnmarshalResponse([]byte(`{"jsonrpc":"1.0","id":1,"result":"ok"}`))
	if err == nil {
		t.Fatal("expected error for unsupported version")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code != InvalidRequest {
		t.Errorf("expected InvalidRequest, got %d", rpcErr.Code)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	resp := NewResponse("7", map[string]any{"status": "ok"})
	data, err := Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := UnmarshalResponse(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if parsed.ID != "7" {
		t.Errorf("expected id 7, got %v", parsed.ID)
	}
}
