package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint is an FNV-1a hash of v's JSON encoding. Raw JSON is decoded and
// re-encoded first, so formatting and key order are not changes. Empty raw
// JSON and unencodable values yield 0.
func fingerprint(v any) uint64 {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return 0
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return sum64(raw)
		}
		v = generic
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return sum64(b)
}

func sum64(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
