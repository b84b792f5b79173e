// Package script guesses the dominant writing system, and from it the
// language, of a piece of text by counting runes per Unicode block.
//
// Detection is a pure function over the input: no I/O, no shared state, and
// no error return. When nothing conclusive is found the result is Unknown,
// which callers treat as a terminal classification.
package script

import (
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
)

// Unknown is returned when no script or Latin majority can be established.
const Unknown = "unknown"

// LatinDefault is the language assumed for Latin-script text that carries no
// distinguishing marks.
const LatinDefault = "en"

// latinThreshold is the minimum share of Latin letters among non-whitespace
// runes for text to count as Latin-script.
const latinThreshold = 0.5

// Bucket is one row of the script table.
type Bucket struct {
	// Name identifies the script ("kana", "cjk", ...).
	Name string
	// Language is the code assigned when this bucket wins. The CJK row is
	// resolved at detection time instead.
	Language string
	// In reports whether r belongs to the script.
	In func(r rune) bool
}

// Buckets is the fixed script table. Order matters: on equal counts the
// earlier row wins.
var Buckets = []Bucket{
	{Name: "kana", Language: "ja", In: IsKana},
	{Name: "cjk", Language: "", In: IsHan},
	{Name: "hangul", Language: "ko", In: IsHangul},
	{Name: "cyrillic", Language: "ru", In: IsCyrillic},
	{Name: "arabic", Language: "ar", In: IsArabic},
	{Name: "devanagari", Language: "hi", In: IsDevanagari},
	{Name: "thai", Language: "th", In: IsThai},
}

// IsKana reports whether r is Hiragana, Katakana or the prolonged sound mark.
func IsKana(r rune) bool {
	return unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || r == 'ー'
}

// IsHan reports whether r is a CJK ideograph, including the iteration mark 々.
func IsHan(r rune) bool {
	return unicode.Is(unicode.Han, r) || r == '々' || r == '〆'
}

// IsHangul reports whether r is a Hangul syllable or jamo.
func IsHangul(r rune) bool { return unicode.Is(unicode.Hangul, r) }

// IsCyrillic reports whether r is Cyrillic.
func IsCyrillic(r rune) bool { return unicode.Is(unicode.Cyrillic, r) }

// IsArabic reports whether r is an Arabic letter. Arabic-Indic digits and
// punctuation are excluded.
func IsArabic(r rune) bool { return unicode.Is(unicode.Arabic, r) && unicode.IsLetter(r) }

// IsDevanagari reports whether r is in the Devanagari block.
func IsDevanagari(r rune) bool { return unicode.Is(unicode.Devanagari, r) }

// IsThai reports whether r is in the Thai block.
func IsThai(r rune) bool { return unicode.Is(unicode.Thai, r) }

// IsLatin reports whether r is a Latin letter.
func IsLatin(r rune) bool { return unicode.Is(unicode.Latin, r) && unicode.IsLetter(r) }

// Counts holds per-bucket rune tallies for one text.
type Counts struct {
	// ByBucket is indexed like Buckets.
	ByBucket []int
	// Latin is the number of Latin letters.
	Latin int
	// NonSpace is the number of non-whitespace runes.
	NonSpace int
}

// Count tallies every rune of text into the script table.
func Count(text string) Counts {
	c := Counts{ByBucket: make([]int, len(Buckets))}
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		c.NonSpace++
		if IsLatin(r) {
			c.Latin++
			continue
		}
		for i, b := range Buckets {
			if b.In(r) {
				c.ByBucket[i]++
				break
			}
		}
	}
	return c
}

// Resolve returns forced verbatim when it is non-empty, bypassing detection.
// Otherwise it returns Detect(text).
func Resolve(text, forced string) string {
	if f := strings.TrimSpace(forced); f != "" {
		return f
	}
	return Detect(text)
}

// Detect returns the language code of the dominant script in text.
//
// CJK ideographs count as Japanese when any kana occurs in the same text and
// as Chinese otherwise. Without any script-specific rune the text is Latin
// when at least half of its non-whitespace runes are Latin letters, else
// Unknown.
func Detect(text string) string {
	c := Count(text)

	best, bestCount := -1, 0
	for i, n := range c.ByBucket {
		if n > bestCount {
			best, bestCount = i, n
		}
	}
	if best >= 0 {
		b := Buckets[best]
		if b.Name == "cjk" {
			if c.ByBucket[0] > 0 {
				return "ja"
			}
			return "zh"
		}
		return b.Language
	}

	if c.NonSpace == 0 || float64(c.Latin)/float64(c.NonSpace) < latinThreshold {
		return Unknown
	}
	return detectLatin(text)
}

// LatinLanguages are the Latin-script codes detectLatin may return.
var LatinLanguages = []string{"en", "fr", "es", "de", "it", "pt"}

// latinMarkers are runes specific enough to one language to settle it on
// sight. Checked in order.
var latinMarkers = []struct {
	lang  string
	runes string
}{
	{"es", "ñ¿¡"},
	{"de", "ßäöü"},
	{"pt", "ãõ"},
	{"fr", "çœèêëàâîïûù"},
	{"it", "ìò"},
}

// detectLatin picks a Latin-script language. Distinctive diacritics decide
// first; otherwise a statistical guess is accepted only when it is reliable
// and one of LatinLanguages. Everything else is LatinDefault.
func detectLatin(text string) string {
	lower := strings.ToLower(text)
	for _, m := range latinMarkers {
		if strings.ContainsAny(lower, m.runes) {
			return m.lang
		}
	}

	info := whatlanggo.Detect(text)
	if info.IsReliable() {
		code := info.Lang.Iso6391()
		for _, l := range LatinLanguages {
			if l == code {
				return code
			}
		}
	}
	return LatinDefault
}
