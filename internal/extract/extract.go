// Package extract recovers the annotated and translated text fields from a
// raw LLM reply.
//
// Models are asked for a bare JSON object but routinely wrap it in prose or a
// markdown fence, use typographic quotes, leave trailing commas, or produce
// values too large for a naive pattern match. Extract normalizes the reply
// and then tries four increasingly permissive strategies, stopping at the
// first that yields every required field:
//
//  1. strict parse of the first balanced {...} span
//  2. strict parse of a ```json fenced block
//  3. lenient field lookup in any balanced object naming the fields
//  4. a manual key/quote walk that tracks escape state
//
// A field that none of the stages finds is an error, never an empty string.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// ErrMalformedResponse is returned when no stage could recover the required
// fields.
var ErrMalformedResponse = errors.New("extract: malformed response")

// Stage identifies the strategy that produced a result.
type Stage int

// Extraction stages in the order they are attempted.
const (
	StageStrict Stage = iota + 1
	StageFenced
	StageRelaxed
	StageManual
)

// String returns the stage name used in logs and metrics.
func (s Stage) String() string {
	switch s {
	case StageStrict:
		return "strict"
	case StageFenced:
		return "fenced"
	case StageRelaxed:
		return "relaxed"
	case StageManual:
		return "manual"
	default:
		return "none"
	}
}

// Default key aliases. The first entry of each list is the canonical name
// used in prompts.
var (
	DefaultAnnotatedKeys  = []string{"furiganaText", "annotatedText", "readingText"}
	DefaultTranslatedKeys = []string{"translatedText", "translation"}
)

// Options controls which fields are required.
type Options struct {
	// AnnotationOptional allows a reply without an annotated field, for
	// languages that need no reading.
	AnnotationOptional bool

	// AnnotatedKeys and TranslatedKeys override the default key aliases.
	AnnotatedKeys  []string
	TranslatedKeys []string
}

func (o Options) annotatedKeys() []string {
	if len(o.AnnotatedKeys) > 0 {
		return o.AnnotatedKeys
	}
	return DefaultAnnotatedKeys
}

func (o Options) translatedKeys() []string {
	if len(o.TranslatedKeys) > 0 {
		return o.TranslatedKeys
	}
	return DefaultTranslatedKeys
}

// Fields is the structured content recovered from a reply.
type Fields struct {
	Annotated  string
	Translated string

	// HasAnnotation is false only when the annotation was optional and absent.
	HasAnnotation bool

	Stage Stage
}

// lookup finds a field's value by key alias in some source.
type lookup func(key string) (string, bool)

// Extract recovers Fields from raw.
func Extract(raw string, opts Options) (Fields, error) {
	text := Normalize(raw)
	if strings.TrimSpace(text) == "" {
		return Fields{}, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}

	// --- Stage 1: first balanced object ---
	// Well-formed JSON may legitimately carry typographic quotes inside its
	// values, so the object is tried before quote folding as well.
	for _, candidate := range []string{clean(raw), text} {
		start := strings.IndexByte(candidate, '{')
		if start < 0 {
			continue
		}
		if end, ok := matchBrace(candidate, start); ok {
			if f, ok := fromJSON(candidate[start:end], opts); ok {
				f.Stage = StageStrict
				return f, nil
			}
		}
	}

	// --- Stage 2: fenced json block ---
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if start := strings.IndexByte(body, '{'); start >= 0 {
			if end, ok := matchBrace(body, start); ok {
				body = body[start:end]
			}
		}
		if f, ok := fromJSON(body, opts); ok {
			f.Stage = StageFenced
			return f, nil
		}
	}

	// --- Stage 3: any object naming the fields ---
	if f, ok := relaxed(text, opts); ok {
		f.Stage = StageRelaxed
		return f, nil
	}

	// --- Stage 4: manual walk ---
	if f, ok := collect(func(key string) (string, bool) { return scanField(text, key) }, opts); ok {
		f.Stage = StageManual
		return f, nil
	}

	return Fields{}, fmt.Errorf("%w: no %s field found", ErrMalformedResponse, missingName(text, opts))
}

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// trailingComma matches a comma directly before a closing brace or bracket.
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	fencedJSON    = regexp.MustCompile("(?is)```(?:json|jsonc|json5)[ \t]*\r?\n(.*?)```")

	invisible = strings.NewReplacer(
		"\u200b", "", "\u200c", "", "\u200d", "", "\u2060", "", "\ufeff", "",
	)
	typographic = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`, "＂", `"`,
		"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'",
		"–", "-", "—", "-", "―", "-", "‒", "-", "−", "-",
		"｛", "{", "｝", "}",
	)
)

// Normalize applies the pre-parse cleanup: reasoning blocks removed,
// typographic quotes and dashes replaced by ASCII, zero-width characters
// dropped, trailing commas removed, and the result put in NFC.
func Normalize(raw string) string {
	return clean(typographic.Replace(raw))
}

// clean is Normalize without the quote and dash folding.
func clean(raw string) string {
	s := thinkBlock.ReplaceAllString(raw, "")
	s = invisible.Replace(s)
	s = trailingComma.ReplaceAllString(s, "$1")
	return norm.NFC.String(s)
}

// fromJSON strictly decodes candidate as an object and reads the fields.
func fromJSON(candidate string, opts Options) (Fields, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return Fields{}, false
	}
	return collect(func(key string) (string, bool) {
		v, ok := obj[key].(string)
		return v, ok
	}, opts)
}

// relaxed tries every balanced object in text that mentions the required
// keys, reading the fields leniently.
func relaxed(text string, opts Options) (Fields, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := matchBrace(text, i)
		if !ok {
			continue
		}
		candidate := text[i:end]
		if !mentionsAny(candidate, opts.translatedKeys()) {
			continue
		}
		if !opts.AnnotationOptional && !mentionsAny(candidate, opts.annotatedKeys()) {
			continue
		}
		f, ok := collect(func(key string) (string, bool) {
			r := gjson.Get(candidate, key)
			if !r.Exists() || r.Type != gjson.String {
				return "", false
			}
			return r.String(), true
		}, opts)
		if ok {
			return f, true
		}
	}
	return Fields{}, false
}

func mentionsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, `"`+k+`"`) {
			return true
		}
	}
	return false
}

// collect resolves both fields through get, honouring key aliases.
func collect(get lookup, opts Options) (Fields, bool) {
	translated, ok := first(get, opts.translatedKeys())
	if !ok {
		return Fields{}, false
	}
	annotated, hasAnnotation := first(get, opts.annotatedKeys())
	if !hasAnnotation && !opts.AnnotationOptional {
		return Fields{}, false
	}
	return Fields{Annotated: annotated, Translated: translated, HasAnnotation: hasAnnotation}, true
}

func first(get lookup, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := get(k); ok {
			return v, true
		}
	}
	return "", false
}

func missingName(text string, opts Options) string {
	if _, ok := first(func(k string) (string, bool) { return scanField(text, k) }, opts.translatedKeys()); !ok {
		return opts.translatedKeys()[0]
	}
	return opts.annotatedKeys()[0]
}

// matchBrace returns the index just past the brace that closes the one at
// text[start], skipping braces inside string literals.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
