package validate

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Span is one annotated base run and its reading.
type Span struct {
	Base    string
	Reading string

	// BaseStart and End are byte offsets into Doc.Annotated. End is just past
	// the closing parenthesis.
	BaseStart int
	End       int
}

// Doc is the parsed view of one candidate that rules operate on.
type Doc struct {
	Original  string
	Annotated string
	Spans     []Span

	// ScriptChars counts base-script runes in Original.
	ScriptChars int

	base    func(rune) bool
	covered int
}

var fullwidthFolder = strings.NewReplacer("（", "(", "）", ")")

func newDoc(s Spec, original, annotated string) *Doc {
	d := &Doc{
		Original:  norm.NFC.String(original),
		Annotated: fullwidthFolder.Replace(norm.NFC.String(annotated)),
		base:      s.Base,
	}
	for _, r := range d.Original {
		if s.Base(r) {
			d.ScriptChars++
		}
	}
	for _, m := range s.Annotation.FindAllStringSubmatchIndex(d.Annotated, -1) {
		if len(m) < 6 || m[2] < 0 || m[4] < 0 {
			continue
		}
		sp := Span{
			Base:      d.Annotated[m[2]:m[3]],
			Reading:   strings.TrimSpace(d.Annotated[m[4]:m[5]]),
			BaseStart: m[2],
			End:       m[1],
		}
		if sp.Reading == "" {
			continue
		}
		d.Spans = append(d.Spans, sp)
		for _, r := range sp.Base {
			if s.Base(r) {
				d.covered++
			}
		}
	}
	return d
}

// missingReadings reports every maximal base run in the annotated text that
// is not the base of an annotated span.
func (d *Doc) missingReadings(scriptName string) []Issue {
	annotatedEnds := make(map[int]struct{}, len(d.Spans))
	for _, sp := range d.Spans {
		annotatedEnds[sp.BaseStart+len(sp.Base)] = struct{}{}
	}

	var issues []Issue
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		run := d.Annotated[start:end]
		start = -1
		if _, ok := annotatedEnds[end]; ok {
			return
		}
		issues = append(issues, Issue{
			Kind:        KindMissingReading,
			Description: fmt.Sprintf("%s %q has no reading", scriptName, run),
			Suggestion:  fmt.Sprintf("Add a reading after %q", run),
		})
	}
	for i, r := range d.Annotated {
		// Combining marks (harakat, matras) continue a run but never start one.
		if d.base(r) || (start >= 0 && unicode.Is(unicode.Mn, r)) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(d.Annotated))
	return issues
}

// ReadingsFor returns the reading given to every occurrence of word in the
// annotated text. An occurrence is either one span whose base is exactly word
// or a chain of directly adjacent spans whose bases concatenate to word; in
// the latter case the readings are concatenated too.
func (d *Doc) ReadingsFor(word string) []string {
	var out []string
	for i := range d.Spans {
		if !strings.HasPrefix(word, d.Spans[i].Base) {
			continue
		}
		var base, reading strings.Builder
		for j := i; j < len(d.Spans); j++ {
			if j > i && d.Spans[j].BaseStart != d.Spans[j-1].End {
				break
			}
			base.WriteString(d.Spans[j].Base)
			reading.WriteString(d.Spans[j].Reading)
			b := base.String()
			if b == word {
				out = append(out, reading.String())
				break
			}
			if !strings.HasPrefix(word, b) {
				break
			}
		}
	}
	return out
}

// NormalizeReading folds a reading into a comparable form: NFC, lower case,
// katakana folded to hiragana, separators and softness primes removed. Tone
// marks and other diacritics are kept.
func NormalizeReading(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			continue
		case strings.ContainsRune("-‐'’ʼʹ·・‧", r):
			continue
		case r >= 'ァ' && r <= 'ヶ':
			r -= 'ァ' - 'ぁ'
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
