package proxy

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"
)

func TestToBase64Embeddings(t *testing.T) {
	input := `{"object":"list","data":[{"embedding":[1.0,-0.5,2.25]}]}`

	out, err := toBase64Embeddings([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed struct {
		Data []struct {
			Embedding string `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("failed to unmarshal transformed body: %v", err)
	}
	if len(parsed.Data) != 1 {
		t.Fatalf("expected 1 data entry, got %d", len(parsed.Data))
	}

	decoded, err := base64.RawStdEncoding.DecodeString(parsed.Data[0].Embedding)
	if err != nil {
		t.Fatalf("embedding is not valid unpadded base64: %v", err)
	}
	if len(decoded) != 12 {
		t.Fatalf("expected 12 bytes (3 float32s), got %d", len(decoded))
	}

	want := []float32{1.0, -0.5, 2.25}
	for i, w := range want {
		got := math.Float32frombits(binary.LittleEndian.Uint32(decoded[i*4:]))
		if got != w {
			t.Errorf("float %d: got %v, want %v", i, got, w)
		}
	}
}

func TestToBase64EmbeddingsPassesThroughWithoutDataField(t *testing.T) {
	input := `{"object":"list"}`
	out, err := toBase64Embeddings([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != input {
		t.Errorf("expected passthrough, got %s", out)
	}
}
