package proxy

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
)

// toBase64Embeddings rewrites an /v1/embeddings response body so every
// `embedding: [f32]` array becomes a base64 string of little-endian
// IEEE-754 float32 bytes, unpadded, per spec.md §4.5's base64
// embeddings rule. Called only when the client requested
// encoding_format=base64 and llama-server (which always returns float
// arrays) responded 200.
func toBase64Embeddings(body []byte) ([]byte, error) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	data, ok := parsed["data"].([]any)
	if !ok {
		return body, nil
	}

	for _, item := range data {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		floats, ok := entry["embedding"].([]any)
		if !ok {
			continue
		}
		entry["embedding"] = encodeFloatsBase64(floats)
	}

	return json.Marshal(parsed)
}

func encodeFloatsBase64(values []any) string {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		f, _ := v.(float64)
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(f)))
	}
	return base64.RawStdEncoding.EncodeToString(buf)
}
