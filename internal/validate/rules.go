package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Rule is one declarative correctness check evaluated over a Doc.
// Implementations must be deterministic and must not retain the Doc.
type Rule interface {
	Apply(d *Doc) []Issue
}

// PatternRule flags a known wrong reading of a specific word: the
// "base form → wrong form → expected correction" triple. It covers tone
// sandhi and neutral-tone pairs as well as any other fixed misreading.
type PatternRule struct {
	Kind  IssueKind
	Word  string
	Wrong []string
	Right string
	// Note explains the underlying phenomenon in the description.
	Note string
}

// Apply implements Rule.
func (p PatternRule) Apply(d *Doc) []Issue {
	if !strings.Contains(d.Original, p.Word) {
		return nil
	}
	var issues []Issue
	for _, got := range d.ReadingsFor(p.Word) {
		g := NormalizeReading(got)
		for _, w := range p.Wrong {
			if g != NormalizeReading(w) {
				continue
			}
			desc := fmt.Sprintf("%q is read as %q; expected %q", p.Word, got, p.Right)
			if p.Note != "" {
				desc += " (" + p.Note + ")"
			}
			issues = append(issues, Issue{
				Kind:        p.Kind,
				Description: desc,
				Suggestion:  fmt.Sprintf("Write %s(%s)", p.Word, p.Right),
			})
			break
		}
	}
	return issues
}

// Compound is a dictionary word with its accepted readings. The first
// reading is the canonical one.
type Compound struct {
	Word     string
	Readings []string
}

// CompoundRule compares the reading of every dictionary word found in the
// source against its accepted readings. The typical defect is a model
// spelling out per-character readings instead of the compound reading.
type CompoundRule struct {
	Entries []Compound
}

// NewCompoundRule builds a CompoundRule from a word → readings map. Entries
// are sorted longest word first, then lexically, so evaluation order does
// not depend on map iteration.
func NewCompoundRule(dict map[string][]string) CompoundRule {
	entries := make([]Compound, 0, len(dict))
	for w, rs := range dict {
		if w == "" || len(rs) == 0 {
			continue
		}
		entries = append(entries, Compound{Word: w, Readings: rs})
	}
	sort.Slice(entries, func(i, j int) bool {
		li, lj := runeLen(entries[i].Word), runeLen(entries[j].Word)
		if li != lj {
			return li > lj
		}
		return entries[i].Word < entries[j].Word
	})
	return CompoundRule{Entries: entries}
}

// Apply implements Rule.
func (c CompoundRule) Apply(d *Doc) []Issue {
	var issues []Issue
	for _, e := range c.Entries {
		if !strings.Contains(d.Original, e.Word) {
			continue
		}
		for _, got := range d.ReadingsFor(e.Word) {
			g := NormalizeReading(got)
			if accepted(g, e.Readings) {
				continue
			}
			want := closest(g, e.Readings)
			issues = append(issues, Issue{
				Kind:        KindCompoundReading,
				Description: fmt.Sprintf("%q is read as %q; the dictionary reading is %q", e.Word, got, want),
				Suggestion:  fmt.Sprintf("Annotate %s as one word: %s(%s)", e.Word, e.Word, want),
			})
		}
	}
	return issues
}

func accepted(normalized string, readings []string) bool {
	for _, r := range readings {
		if normalized == NormalizeReading(r) {
			return true
		}
	}
	return false
}

// closest returns the accepted reading with the smallest edit distance to
// got, preferring earlier entries on ties.
func closest(got string, readings []string) string {
	best, bestDist := readings[0], -1
	for _, r := range readings {
		dist := matchr.Levenshtein(got, NormalizeReading(r))
		if bestDist < 0 || dist < bestDist {
			best, bestDist = r, dist
		}
	}
	return best
}

// SunLetterRule checks definite-article assimilation: before a sun letter
// the article's consonant is replaced by a doubled copy of that letter
// (الشمس → ash-shams, not al-shams).
type SunLetterRule struct {
	// Article is the written article prefix, e.g. "ال".
	Article string
	// Letters maps each sun letter to its accepted romanizations.
	Letters map[rune][]string
}

// unassimilatedPrefixes are the romanized article spellings that signal a
// missing assimilation when followed by the sun letter's romanization.
var unassimilatedPrefixes = []string{"al-", "al ", "el-", "al"}

// Apply implements Rule.
func (s SunLetterRule) Apply(d *Doc) []Issue {
	var issues []Issue
	for _, sp := range d.Spans {
		rest, ok := strings.CutPrefix(sp.Base, s.Article)
		if !ok || rest == "" {
			continue
		}
		letter := []rune(rest)[0]
		roms, ok := s.Letters[letter]
		if !ok {
			continue
		}
		reading := strings.ToLower(sp.Reading)
		if fix, bad := unassimilated(reading, roms); bad {
			issues = append(issues, Issue{
				Kind:        KindSunLetter,
				Description: fmt.Sprintf("%q is romanized as %q; the article assimilates to the sun letter %c", sp.Base, sp.Reading, letter),
				Suggestion:  fmt.Sprintf("Write %s(%s)", sp.Base, fix),
			})
		}
	}
	return issues
}

func unassimilated(reading string, roms []string) (string, bool) {
	for _, p := range unassimilatedPrefixes {
		after, ok := strings.CutPrefix(reading, p)
		if !ok {
			continue
		}
		for _, rom := range roms {
			if strings.HasPrefix(after, rom) {
				return "a" + rom + "-" + after, true
			}
		}
	}
	return "", false
}

// DiacriticClass is one family of marks a romanization must show when the
// source contains any of its trigger characters.
type DiacriticClass struct {
	Name     string
	Triggers string
	Marks    string
}

// DiacriticRule flags romanizations that drop vowel-length or retroflex and
// sibilant dots. Spans with fewer than MinBaseLen base runes are skipped.
type DiacriticRule struct {
	Classes    []DiacriticClass
	MinBaseLen int
}

// Apply implements Rule.
func (r DiacriticRule) Apply(d *Doc) []Issue {
	var issues []Issue
	for _, sp := range d.Spans {
		if runeLen(sp.Base) < r.MinBaseLen {
			continue
		}
		reading := strings.ToLower(sp.Reading)
		for _, c := range r.Classes {
			if !strings.ContainsAny(sp.Base, c.Triggers) || strings.ContainsAny(reading, c.Marks) {
				continue
			}
			issues = append(issues, Issue{
				Kind:        KindDiacriticMissing,
				Description: fmt.Sprintf("%q is romanized as %q without %s marks", sp.Base, sp.Reading, c.Name),
				Suggestion:  fmt.Sprintf("Mark %s with %s", c.Name, strings.Join(strings.Split(c.Marks, ""), " ")),
			})
		}
	}
	return issues
}

// PalatalizationRule requires one softness marker in the reading for every
// soft-consonant digraph in the base (учитель → uchitelʹ).
type PalatalizationRule struct {
	Digraph *regexp.Regexp
	Markers string
}

// Apply implements Rule.
func (p PalatalizationRule) Apply(d *Doc) []Issue {
	var issues []Issue
	for _, sp := range d.Spans {
		soft := len(p.Digraph.FindAllStringIndex(sp.Base, -1))
		if soft == 0 {
			continue
		}
		marks := 0
		for _, r := range sp.Reading {
			if strings.ContainsRune(p.Markers, r) {
				marks++
			}
		}
		if marks >= soft {
			continue
		}
		issues = append(issues, Issue{
			Kind:        KindPalatalization,
			Description: fmt.Sprintf("%q is romanized as %q; %d soft consonant(s) lack a softness marker", sp.Base, sp.Reading, soft-marks),
			Suggestion:  fmt.Sprintf("Mark each soft sign in %s with ʹ", sp.Base),
		})
	}
	return issues
}
