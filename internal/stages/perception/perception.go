// Package perception implements the input-analysis stages: text collection,
// normalization, sentence splitting, tokenization, script tagging, addressing,
// speech-act classification, confidence and novelty scoring, and the final
// PackZ record that downstream stages consume.
package perception

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	// maxChars caps the normalized input length.
	maxChars = 8000

	// maxRecentCompared bounds how many cached texts novelty compares against.
	maxRecentCompared = 6
)

// Register installs all perception stages into reg.
func Register(reg kernel.Registry) {
	reg["perception.collect"] = Collect
	reg["perception.normalize"] = Normalize
	reg["perception.sentences"] = Sentences
	reg["perception.tokenize"] = Tokenize
	reg["perception.script"] = Script
	reg["perception.addressing"] = Addressing
	reg["perception.speechact"] = SpeechAct
	reg["perception.confidence"] = Confidence
	reg["perception.novelty"] = Novelty
	reg["perception.pack"] = Pack
}

// Collect pulls the raw input text into perception.raw.
func Collect(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.input.text", "")
	if text == "" {
		text = state.GetString(s, "text", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return kernel.Skip("empty_input")
	}
	return kernel.OKDiag(state.Tree{
		"perception": state.Tree{
			"raw": state.Tree{
				"text":        text,
				"received_at": state.GetInt64(s, "clock.now_ms", 0),
			},
		},
	}, state.Tree{"reason": "ok", "counts": state.Tree{"chars": len([]rune(text))}})
}

var (
	reZeroWidth = regexp.MustCompile("[\u200b\u200c\u200d\ufeff]")
	reSpaceRun  = regexp.MustCompile(`[ \t]{2,}`)
)

// Normalize canonicalizes the collected text: NFC, zero-width stripping,
// newline folding, control-character replacement, and a hard length cap.
func Normalize(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.raw.text", "")
	if text == "" {
		return kernel.Skip("no_input")
	}

	text = norm.NFC.String(text)
	text = reZeroWidth.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return ' '
		}
		return r
	}, text)
	text = reSpaceRun.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	truncated := false
	if runes := []rune(text); len(runes) > maxChars {
		text = string(runes[:maxChars])
		truncated = true
	}

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"norm": state.Tree{"text": text, "truncated": truncated},
		},
	})
}

var reSentenceEnd = regexp.MustCompile(`[.!?؟۔\n]+`)

// Sentences splits the normalized text into sentence spans with offsets.
func Sentences(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}

	spans := []any{}
	runes := []rune(text)
	start := 0
	flush := func(end int) {
		seg := strings.TrimSpace(string(runes[start:end]))
		if seg != "" {
			spans = append(spans, state.Tree{"text": seg, "start": start, "end": end})
		}
		start = end
	}
	for _, loc := range reSentenceEnd.FindAllStringIndex(text, -1) {
		// Index conversion: regexp offsets are bytes, spans are rune offsets.
		end := len([]rune(text[:loc[1]]))
		flush(end)
	}
	flush(len(runes))

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"sentences": state.Tree{"spans": spans, "count": len(spans)},
		},
	})
}

type tokenPattern struct {
	kind string
	re   *regexp.Regexp
}

// Match priority is significant: urls before words, numbers before words.
var tokenPatterns = []tokenPattern{
	{"url", regexp.MustCompile(`https?://\S+`)},
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"hashtag", regexp.MustCompile(`#[\p{L}\p{N}_]+`)},
	{"mention", regexp.MustCompile(`@[\p{L}\p{N}_]+`)},
	{"number", regexp.MustCompile(`\p{N}+(?:[.,٫٬]\p{N}+)*`)},
	{"word", regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)},
}

// Tokenize segments the text by the pattern priority list; anything the
// patterns miss is classified per-rune as emoji or punctuation.
func Tokenize(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}

	type hit struct {
		start, end int
		kind, text string
	}
	var hits []hit
	claimed := make([]bool, len(text))
	for _, p := range tokenPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			free := true
			for i := loc[0]; i < loc[1]; i++ {
				if claimed[i] {
					free = false
					break
				}
			}
			if !free {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				claimed[i] = true
			}
			hits = append(hits, hit{loc[0], loc[1], p.kind, text[loc[0]:loc[1]]})
		}
	}
	for i, r := range text {
		if claimed[i] || unicode.IsSpace(r) {
			continue
		}
		kind := "punct"
		if isEmoji(r) {
			kind = "emoji"
		}
		end := i + len(string(r))
		hits = append(hits, hit{i, end, kind, string(r)})
	}

	// Restore document order.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j-1].start > hits[j].start; j-- {
			hits[j-1], hits[j] = hits[j], hits[j-1]
		}
	}

	tokens := make([]any, 0, len(hits))
	counts := map[string]int{}
	for _, h := range hits {
		counts[h.kind]++
		tokens = append(tokens, state.Tree{
			"text": h.text, "kind": h.kind, "start": h.start, "end": h.end,
		})
	}
	countsTree := state.Tree{}
	for k, v := range counts {
		countsTree[k] = v
	}

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"tokens": state.Tree{"items": tokens, "counts": countsTree, "total": len(tokens)},
		},
	})
}

func isEmoji(r rune) bool {
	return (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) || r == 0x2764
}

// persianOnly holds letters that occur in Persian but not Arabic orthography.
const persianOnly = "پچژگکی"

// Script tags the dominant script, direction, and a language hint.
func Script(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}

	var latin, arabic, other int
	persian := false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Latin, r):
			latin++
		case isArabicBlock(r):
			arabic++
			if strings.ContainsRune(persianOnly, r) {
				persian = true
			}
		case unicode.IsLetter(r):
			other++
		}
	}

	script, dir, lang := "latin", "ltr", "en"
	if arabic > latin {
		script, dir = "arabic", "rtl"
		lang = "ar"
		if persian {
			lang = "fa"
		}
	}
	hintDir := state.GetString(s, "hints.dir", "")
	if hintDir == "rtl" && dir != "rtl" {
		dir = "rtl"
		lang = "fa"
	}

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"script": state.Tree{
				"dominant": script, "dir": dir, "lang_hint": lang,
				"counts": state.Tree{"latin": latin, "arabic": arabic, "other": other},
			},
		},
	})
}

func isArabicBlock(r rune) bool {
	return (r >= 0x0600 && r <= 0x06FF) || (r >= 0x0750 && r <= 0x08FF) || (r >= 0xFB50 && r <= 0xFEFF)
}

// aliases are the names the agent answers to.
var aliases = []string{"noema", "نوما", "noëma"}

// Addressing decides whether the message addresses the agent directly.
func Addressing(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}
	lower := strings.ToLower(text)

	addressed := strings.HasPrefix(lower, "@")
	matched := ""
	for _, a := range aliases {
		if strings.Contains(lower, a) {
			addressed = true
			matched = a
			break
		}
	}

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"addressing": state.Tree{"addressed": addressed, "alias": matched},
		},
	})
}

// Speech-act cue lexicons. Persian cues ride along with the English ones so a
// single pass covers both scripts.
var speechActCues = []struct {
	label string
	cues  []string
}{
	{"greeting", []string{"hello", "hi ", "hey", "سلام", "درود"}},
	{"farewell", []string{"bye", "goodbye", "خداحافظ", "بدرود"}},
	{"thanks", []string{"thanks", "thank you", "ممنون", "مرسی", "متشکرم"}},
	{"confirmation", []string{"yes", "yep", "sure", "ok", "okay", "بله", "آره", "باشه"}},
	{"denial", []string{"no ", "nope", "نه ", "خیر"}},
	{"command", []string{"run ", "do ", "execute", "delete", "create", "send ", "اجرا", "بفرست", "حذف"}},
	{"smalltalk", []string{"how are you", "چطوری", "چه خبر"}},
}

// SpeechAct classifies the message into one of ten discrete acts.
func SpeechAct(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}
	lower := strings.ToLower(text) + " "

	label := "statement"
	if strings.ContainsAny(text, "?؟") || strings.Contains(lower, "چیه") || strings.Contains(lower, "چیست") {
		label = "question"
	} else {
		for _, c := range speechActCues {
			for _, cue := range c.cues {
				if strings.Contains(lower, cue) {
					label = c.label
					break
				}
			}
			if label != "statement" {
				break
			}
		}
	}
	if label == "statement" && len([]rune(strings.TrimSpace(text))) < 3 {
		label = "other"
	}

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"speech_act": state.Tree{"label": label},
		},
	})
}

// Confidence score weights.
const (
	wLen    = 0.35
	wNoise  = 0.25
	wScript = 0.15
	wPrior  = 0.10
	wAddr   = 0.05
	wBase   = 0.10

	truncationPenalty = 0.25
)

// Confidence scores how well-formed and interpretable the input is.
func Confidence(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}

	n := float64(len([]rune(text)))
	lenScore := n / 40.0
	if lenScore > 1 {
		lenScore = 1
	}

	total := float64(state.GetInt(s, "perception.tokens.total", 0))
	punct := float64(state.GetInt(s, "perception.tokens.counts.punct", 0))
	noise := 0.0
	if total > 0 {
		noise = punct / total
	}

	counts := state.GetMap(s, "perception.script.counts")
	scriptScore := 1.0
	if counts != nil {
		latin := state.GetFloat(counts, "latin", 0)
		arabic := state.GetFloat(counts, "arabic", 0)
		if latin+arabic > 0 {
			major := latin
			if arabic > major {
				major = arabic
			}
			scriptScore = major / (latin + arabic)
		}
	}

	prior := 0.5
	switch state.GetString(s, "perception.speech_act.label", "") {
	case "question", "command":
		prior = 0.8
	case "greeting", "thanks", "confirmation", "denial", "farewell":
		prior = 0.7
	case "other":
		prior = 0.2
	}

	addr := 0.0
	if state.GetBool(s, "perception.addressing.addressed", false) {
		addr = 1.0
	}

	score := wBase + wLen*lenScore + wNoise*(1-noise) + wScript*scriptScore + wPrior*prior + wAddr*addr
	if state.GetBool(s, "perception.norm.truncated", false) {
		score -= truncationPenalty
	}
	score = clip01(score)

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"confidence": state.Tree{"score": round4(score)},
		},
	})
}

// Novelty score weights.
const (
	wGramNovelty = 0.45
	wTokNovelty  = 0.30
	wLenNovelty  = 0.25
)

// Novelty compares the input against the recent cache.
func Novelty(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}

	recent := state.GetSlice(s, "memory.cache.recent")
	if len(recent) == 0 {
		return kernel.OKDiag(state.Tree{
			"perception": state.Tree{"novelty": state.Tree{"score": 1.0}},
		}, state.Tree{"reason": "no_history"})
	}

	grams := charGrams(text, 3)
	toks := tokenSet(text)
	bestGram, bestTok, lenDev := 0.0, 0.0, 1.0
	compared := 0
	for i := len(recent) - 1; i >= 0 && compared < maxRecentCompared; i-- {
		m, ok := recent[i].(map[string]any)
		if !ok {
			continue
		}
		prev, _ := m["text"].(string)
		if prev == "" {
			continue
		}
		compared++
		if j := jaccard(grams, charGrams(prev, 3)); j > bestGram {
			bestGram = j
		}
		if j := jaccard(toks, tokenSet(prev)); j > bestTok {
			bestTok = j
		}
		a, b := float64(len([]rune(text))), float64(len([]rune(prev)))
		if a > 0 && b > 0 {
			d := a / b
			if d > 1 {
				d = 1 / d
			}
			if 1-d < lenDev {
				lenDev = 1 - d
			}
		}
	}

	score := clip01(wGramNovelty*(1-bestGram) + wTokNovelty*(1-bestTok) + wLenNovelty*lenDev)
	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"novelty": state.Tree{"score": round4(score)},
		},
	})
}

// Pack assembles PackZ, the canonical packaged view of the input. Its id is a
// content hash of the normalized text and the commit time, so replays of the
// same text at the same clock produce the same record.
func Pack(s state.Tree) state.Tree {
	text := state.GetString(s, "perception.norm.text", "")
	if text == "" {
		return kernel.Skip("no_text")
	}
	commit := state.GetInt64(s, "perception.raw.received_at", 0)
	if commit == 0 {
		commit = state.GetInt64(s, "clock.now_ms", 0)
	}

	id := state.HashString(text + "|" + state.CanonicalJSON(commit))
	signals := state.Tree{
		"speech_act": state.GetString(s, "perception.speech_act.label", "statement"),
		"confidence": state.GetFloat(s, "perception.confidence.score", 0),
		"novelty":    state.GetFloat(s, "perception.novelty.score", 1),
		"lang":       state.GetString(s, "perception.script.lang_hint", "en"),
		"dir":        state.GetString(s, "perception.script.dir", "ltr"),
		"addressed":  state.GetBool(s, "perception.addressing.addressed", false),
	}
	counts := state.Tree{
		"chars":     len([]rune(text)),
		"tokens":    state.GetInt(s, "perception.tokens.total", 0),
		"sentences": state.GetInt(s, "perception.sentences.count", 0),
	}

	spans := state.GetSlice(s, "perception.sentences.spans")
	if spans == nil {
		spans = []any{}
	}

	return kernel.OK(state.Tree{
		"perception": state.Tree{
			"packz": state.Tree{
				"id":          id,
				"text":        text,
				"commit_time": commit,
				"spans":       spans,
				"signals":     signals,
				"counts":      counts,
			},
		},
	})
}
