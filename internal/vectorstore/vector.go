package vectorstore

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

// encodeVector packs a float32 slice into a little-endian BLOB for storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB into a float32 slice of len(buf)/4 elements;
// dim is not enforced. A BLOB shorter or longer than 4*dim bytes yields a
// best-effort decode of whatever it holds —
// callers that need strict validation (sync_on_startup re-embedding on
// dimension mismatch) compare len(result) against dim themselves.
func decodeVector(buf []byte, dim int) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	_ = dim
	return out
}

func squaredL2(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
