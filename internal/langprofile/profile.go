// Package langprofile holds the per-language capability table: how to
// recognise a language's script, how its readings are written, which
// correctness rules apply, and what the model should be told about it.
//
// Dispatch is a table lookup by language code. Adding a language means adding
// one Profile row to the builtin table (or an overlay file); nothing in the
// pipeline branches on a language code.
//
// Profiles and Registries are immutable once built and are shared by every
// concurrent request without locking.
package langprofile

import (
	"regexp"
	"unicode"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
)

// Profile is one language's capability bundle.
type Profile struct {
	// Code is the lower-case ISO 639-1 code.
	Code string

	// Name is the English display name used in prompts ("Japanese").
	Name string

	// ScriptName names the base script in issue descriptions ("kanji").
	ScriptName string

	// ReadingName describes the expected reading notation in prompts
	// ("hiragana", "pinyin with tone marks").
	ReadingName string

	// InScript reports whether a rune belongs to the language's writing
	// system. Nil means any text is acceptable.
	InScript func(r rune) bool

	// Base reports whether a rune needs a reading. Nil marks an unscripted
	// language that gets a translation only.
	Base func(r rune) bool

	// Annotation matches a base run followed by its parenthesized reading.
	Annotation *regexp.Regexp

	// Instructions is language-specific prompt guidance.
	Instructions string

	// Compounds maps dictionary words to accepted readings, canonical first.
	Compounds map[string][]string

	// Patterns are known misreadings (tone sandhi, neutral tone).
	Patterns []validate.PatternRule

	// Extra holds the remaining structural rules (sun letters, diacritics,
	// palatalization).
	Extra []validate.Rule

	// IssueDivisor is the number of base characters per tolerated issue.
	IssueDivisor int

	spec validate.Spec
}

// RequiresAnnotation reports whether responses must carry an annotated text.
func (p *Profile) RequiresAnnotation() bool { return p.Base != nil }

// Matches reports whether text contains at least one rune of the profile's
// script. Profiles without a script predicate match everything.
func (p *Profile) Matches(text string) bool {
	if p.InScript == nil {
		return true
	}
	for _, r := range text {
		if p.InScript(r) {
			return true
		}
	}
	return false
}

// Spec returns the validator input derived from this profile.
func (p *Profile) Spec() validate.Spec { return p.spec }

// Validate scores annotated against original.
func (p *Profile) Validate(original, annotated string) validate.Report {
	return validate.Check(p.spec, validate.Input{Original: original, Annotated: annotated})
}

// ValidateResult scores a full candidate. When checkEcho is set a
// translation that merely repeats the source is flagged as well.
func (p *Profile) ValidateResult(original, annotated, translated string, checkEcho bool) validate.Report {
	return validate.Check(p.spec, validate.Input{
		Original:   original,
		Annotated:  annotated,
		Translated: translated,
		CheckEcho:  checkEcho,
	})
}

// compile assembles the validator Spec from the declarative fields. Called
// once when a Registry is built.
func (p *Profile) compile() {
	rules := make([]validate.Rule, 0, len(p.Extra)+len(p.Patterns)+1)
	rules = append(rules, p.Extra...)
	for _, pr := range p.Patterns {
		rules = append(rules, pr)
	}
	if len(p.Compounds) > 0 {
		rules = append(rules, validate.NewCompoundRule(p.Compounds))
	}
	p.spec = validate.Spec{
		ScriptName:   p.ScriptName,
		Base:         p.Base,
		Annotation:   p.Annotation,
		Rules:        rules,
		IssueDivisor: p.IssueDivisor,
	}
}

// clone returns a deep copy of the mutable declarative fields.
func (p *Profile) clone() *Profile {
	c := *p
	c.Compounds = make(map[string][]string, len(p.Compounds))
	for w, rs := range p.Compounds {
		c.Compounds[w] = append([]string(nil), rs...)
	}
	c.Patterns = append([]validate.PatternRule(nil), p.Patterns...)
	c.Extra = append([]validate.Rule(nil), p.Extra...)
	return &c
}

// generic returns the profile used for codes without a table row: no script
// check, no annotation, translation only.
func generic(code string) *Profile {
	p := &Profile{Code: code, Name: code}
	p.compile()
	return p
}

func letterOrMark(in func(rune) bool) func(rune) bool {
	return func(r rune) bool {
		return in(r) && (unicode.IsLetter(r) || unicode.IsMark(r))
	}
}
