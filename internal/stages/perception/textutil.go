package perception

import (
	"math"
	"regexp"
	"strings"
)

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// charGrams returns the set of character n-grams of text.
func charGrams(text string, n int) map[string]struct{} {
	runes := []rune(strings.ToLower(text))
	out := map[string]struct{}{}
	if len(runes) < n {
		if len(runes) > 0 {
			out[string(runes)] = struct{}{}
		}
		return out
	}
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = struct{}{}
	}
	return out
}

var reWordish = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)

// tokenSet returns the lowercase word set of text.
func tokenSet(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range reWordish.FindAllString(strings.ToLower(text), -1) {
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
