// Package validate scores an LLM-produced reading annotation against its
// source text.
//
// An annotation places a parenthesized reading directly after each run of
// base-script characters, e.g. "東京(とうきょう)に行(い)く". Check measures how
// much of the source received a reading (coverage) and runs a list of
// declarative correctness rules (tone sandhi, sun-letter assimilation,
// diacritics, palatalization, compound dictionaries) over the annotated
// spans. The result is a Report whose score is derived from the issue count
// scaled by input length.
//
// Check has no side effects and is deterministic: identical input always
// yields an identical Report. The correction loop relies on this to compare
// candidates.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// IssueKind classifies a defect found in an annotation.
type IssueKind string

// The closed set of issue kinds.
const (
	KindMissingReading     IssueKind = "missing-reading"
	KindToneSandhi         IssueKind = "tone-sandhi-error"
	KindSunLetter          IssueKind = "sun-letter-error"
	KindCoverageIncomplete IssueKind = "coverage-incomplete"
	KindDiacriticMissing   IssueKind = "diacritic-missing"
	KindPalatalization     IssueKind = "palatalization-missing"
	KindCompoundReading    IssueKind = "compound-reading-error"
	KindTranslationEcho    IssueKind = "translation-echo"
)

const (
	// DefaultCoverageThreshold is the minimum share of base-script characters
	// that must carry a reading.
	DefaultCoverageThreshold = 0.9

	// DefaultIssueDivisor is the number of base-script characters per
	// tolerated issue when a Spec does not set its own.
	DefaultIssueDivisor = 5

	// echoSimilarity is the Jaro-Winkler similarity at or above which a
	// translation is considered a copy of its source.
	echoSimilarity = 0.95
)

// Issue is a single defect. Issues are comparable so that reports can be
// diffed with set semantics.
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Description string    `json:"description"`

	// Suggestion is an optional concrete fix, collected into
	// Report.Suggestions.
	Suggestion string `json:"suggestion,omitempty"`
}

// Report is the outcome of validating one candidate annotation. A Report is
// never modified after Check returns it.
type Report struct {
	IsValid       bool     `json:"is_valid"`
	AccuracyScore int      `json:"accuracy_score"`
	Issues        []Issue  `json:"issues"`
	Suggestions   []string `json:"suggestions"`
	CoverageRatio float64  `json:"coverage_ratio"`

	// ScriptChars is the number of base-script characters in the source.
	ScriptChars int `json:"script_chars"`
}

// Has reports whether r contains at least one issue of kind.
func (r Report) Has(kind IssueKind) bool {
	for _, is := range r.Issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}

// Spec is the per-language data Check needs. It is produced by a language
// profile and shared read-only across goroutines.
type Spec struct {
	// ScriptName is used in human-readable descriptions ("kanji", "hanzi").
	ScriptName string

	// Base reports whether a rune needs a reading.
	Base func(r rune) bool

	// Annotation matches one base run followed by its parenthesized reading.
	// Group 1 is the base run, group 2 the reading.
	Annotation *regexp.Regexp

	// Rules are evaluated in order over every candidate.
	Rules []Rule

	// IssueDivisor is k in maxIssues = max(1, scriptChars/k).
	IssueDivisor int

	// CoverageThreshold overrides DefaultCoverageThreshold when > 0.
	CoverageThreshold float64
}

// Input is one candidate to validate.
type Input struct {
	Original  string
	Annotated string

	// Translated is optional. When set and CheckEcho is true, a translation
	// that merely repeats the source is flagged.
	Translated string
	CheckEcho  bool
}

// Check validates in against s.
//
// Text without any base-script character has nothing to check and is always
// valid with a score of 100.
func Check(s Spec, in Input) Report {
	if s.Base == nil || s.Annotation == nil {
		return Report{IsValid: true, AccuracyScore: 100, CoverageRatio: 1}
	}

	doc := newDoc(s, in.Original, in.Annotated)
	if doc.ScriptChars == 0 {
		return Report{IsValid: true, AccuracyScore: 100, CoverageRatio: 1}
	}

	var issues []Issue

	// --- Coverage ---
	coverage := float64(doc.covered) / float64(doc.ScriptChars)
	if coverage > 1 {
		coverage = 1
	}
	issues = append(issues, doc.missingReadings(s.ScriptName)...)
	threshold := s.CoverageThreshold
	if threshold <= 0 {
		threshold = DefaultCoverageThreshold
	}
	if coverage < threshold {
		issues = append(issues, Issue{
			Kind: KindCoverageIncomplete,
			Description: fmt.Sprintf("only %d of %d %s characters have a reading (%.0f%%, need %.0f%%)",
				min(doc.covered, doc.ScriptChars), doc.ScriptChars, s.ScriptName, coverage*100, threshold*100),
			Suggestion: fmt.Sprintf("Add a reading in parentheses directly after every %s word", s.ScriptName),
		})
	}

	// --- Correctness rules ---
	for _, rule := range s.Rules {
		issues = append(issues, rule.Apply(doc)...)
	}

	// --- Translation echo ---
	if in.CheckEcho && strings.TrimSpace(in.Translated) != "" {
		if is, ok := echoIssue(in.Original, in.Translated); ok {
			issues = append(issues, is)
		}
	}

	issues = dedupe(issues)
	return Report{
		IsValid:       len(issues) == 0,
		AccuracyScore: Score(len(issues), doc.ScriptChars, s.IssueDivisor),
		Issues:        issues,
		Suggestions:   suggestions(issues),
		CoverageRatio: coverage,
		ScriptChars:   doc.ScriptChars,
	}
}

// Score converts an issue count into a 0..100 accuracy score. Longer inputs
// tolerate proportionally more issues: maxIssues = max(1, scriptChars/k).
func Score(issues, scriptChars, k int) int {
	if k <= 0 {
		k = DefaultIssueDivisor
	}
	maxIssues := max(1, scriptChars/k)
	score := math.Round(100 - float64(issues)/float64(maxIssues)*100)
	if score < 0 {
		return 0
	}
	return int(score)
}

// echoIssue flags a translation that is nearly identical to its source.
func echoIssue(original, translated string) (Issue, bool) {
	a := strings.ToLower(strings.Join(strings.Fields(original), " "))
	b := strings.ToLower(strings.Join(strings.Fields(translated), " "))
	if a == "" || b == "" {
		return Issue{}, false
	}
	if matchr.JaroWinkler(a, b, false) < echoSimilarity {
		return Issue{}, false
	}
	return Issue{
		Kind:        KindTranslationEcho,
		Description: "translation repeats the source text instead of translating it",
		Suggestion:  "Translate the text into the target language instead of copying it",
	}, true
}

func dedupe(issues []Issue) []Issue {
	if len(issues) == 0 {
		return nil
	}
	seen := make(map[Issue]struct{}, len(issues))
	out := issues[:0:0]
	for _, is := range issues {
		if _, ok := seen[is]; ok {
			continue
		}
		seen[is] = struct{}{}
		out = append(out, is)
	}
	return out
}

func suggestions(issues []Issue) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, is := range issues {
		if is.Suggestion == "" {
			continue
		}
		if _, ok := seen[is.Suggestion]; ok {
			continue
		}
		seen[is.Suggestion] = struct{}{}
		out = append(out, is.Suggestion)
	}
	return out
}

// StrictlyFewer reports whether every issue of next also occurs in prev and
// next has fewer issues. Used by the correction loop to recognise a
// candidate that fixed defects without introducing new ones.
func StrictlyFewer(next, prev Report) bool {
	if len(next.Issues) >= len(prev.Issues) {
		return false
	}
	have := make(map[Issue]struct{}, len(prev.Issues))
	for _, is := range prev.Issues {
		have[is] = struct{}{}
	}
	for _, is := range next.Issues {
		if _, ok := have[is]; !ok {
			return false
		}
	}
	return true
}
