package state

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON renders v as deterministic compact JSON: object keys sorted,
// no insignificant whitespace, unicode left unescaped. Content ids across the
// pipeline are hashes of this form.
func CanonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

// Hash returns the 40-hex SHA1 of the canonical JSON of v.
func Hash(v any) string {
	sum := sha1.Sum([]byte(CanonicalJSON(v)))
	return hex.EncodeToString(sum[:])
}

// HashString returns the 40-hex SHA1 of a raw string.
func HashString(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBucket maps the first 8 hex digits of Hash-of-string into [0, mod).
// Used for deterministic rollout bucketing and backoff jitter.
func HashBucket(s string, mod int) int {
	if mod <= 0 {
		return 0
	}
	h := HashString(s)
	n, err := strconv.ParseUint(h[:8], 16, 64)
	if err != nil {
		return 0
	}
	return int(n % uint64(mod))
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeJSONString(b, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		if f, ok := AsFloat(v); ok {
			writeNumber(b, f)
			return
		}
		// Unexpected leaf kinds degrade to their string form.
		writeJSONString(b, fmt.Sprintf("%v", v))
	}
}

// writeNumber renders integral values without a fractional part so that 3 and
// 3.0 hash identically regardless of which numeric Go type carried them.
func writeNumber(b *strings.Builder, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		b.WriteString("null")
		return
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
