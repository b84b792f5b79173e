package langprofile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
)

// Overlay is the YAML rules file format. It extends existing profiles with
// extra dictionary entries and misreading patterns:
//
//	languages:
//	  ja:
//	    compounds:
//	      日本酒: [にほんしゅ]
//	    patterns:
//	      - word: 一つ
//	        wrong: [いちつ]
//	        right: ひとつ
//	        kind: compound-reading-error
type Overlay struct {
	Languages map[string]LanguageOverlay `yaml:"languages"`
}

// LanguageOverlay is the per-language part of an Overlay.
type LanguageOverlay struct {
	Compounds    map[string][]string `yaml:"compounds"`
	Patterns     []PatternOverlay    `yaml:"patterns"`
	IssueDivisor int                 `yaml:"issue_divisor"`
}

// PatternOverlay is one extra PatternRule. Kind defaults to
// tone-sandhi-error.
type PatternOverlay struct {
	Word  string   `yaml:"word"`
	Wrong []string `yaml:"wrong"`
	Right string   `yaml:"right"`
	Kind  string   `yaml:"kind"`
	Note  string   `yaml:"note"`
}

var overlayKinds = map[validate.IssueKind]bool{
	validate.KindToneSandhi:       true,
	validate.KindCompoundReading:  true,
	validate.KindSunLetter:        true,
	validate.KindDiacriticMissing: true,
	validate.KindPalatalization:   true,
}

// ParseOverlay decodes an overlay document. Unknown fields are rejected.
func ParseOverlay(r io.Reader) (*Overlay, error) {
	var o Overlay
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		if errors.Is(err, io.EOF) {
			return &o, nil
		}
		return nil, fmt.Errorf("langprofile: decode overlay: %w", err)
	}
	return &o, nil
}

// LoadOverlay reads and parses the overlay file at path.
func LoadOverlay(path string) (*Overlay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("langprofile: open overlay %q: %w", path, err)
	}
	defer f.Close()
	return ParseOverlay(f)
}

// WithOverlay returns a new Registry with o merged into copies of r's
// profiles. r itself is left untouched so that requests already holding it
// keep a consistent view.
func (r *Registry) WithOverlay(o *Overlay) (*Registry, error) {
	if o == nil {
		return r, nil
	}
	langs := make([]string, 0, len(o.Languages))
	for code := range o.Languages {
		langs = append(langs, code)
	}
	sort.Strings(langs)

	merged := make(map[string]*Profile, len(r.profiles))
	for code, p := range r.profiles {
		merged[code] = p.clone()
	}

	var errs []error
	for _, code := range langs {
		lo := o.Languages[code]
		p, ok := merged[Canonical(code)]
		if !ok {
			errs = append(errs, fmt.Errorf("langprofile: overlay: unknown language %q", code))
			continue
		}
		for w, rs := range lo.Compounds {
			if len(rs) == 0 {
				errs = append(errs, fmt.Errorf("langprofile: overlay: %s compound %q has no reading", code, w))
				continue
			}
			p.Compounds[w] = append([]string(nil), rs...)
		}
		for i, po := range lo.Patterns {
			kind := validate.KindToneSandhi
			if po.Kind != "" {
				kind = validate.IssueKind(po.Kind)
			}
			if !overlayKinds[kind] {
				errs = append(errs, fmt.Errorf("langprofile: overlay: %s pattern %d: unsupported kind %q", code, i, po.Kind))
				continue
			}
			if po.Word == "" || po.Right == "" || len(po.Wrong) == 0 {
				errs = append(errs, fmt.Errorf("langprofile: overlay: %s pattern %d: word, wrong and right are required", code, i))
				continue
			}
			p.Patterns = append(p.Patterns, validate.PatternRule{
				Kind: kind, Word: po.Word, Wrong: po.Wrong, Right: po.Right, Note: po.Note,
			})
		}
		if lo.IssueDivisor < 0 {
			errs = append(errs, fmt.Errorf("langprofile: overlay: %s issue_divisor must be positive", code))
		} else if lo.IssueDivisor > 0 {
			p.IssueDivisor = lo.IssueDivisor
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	profiles := make([]*Profile, 0, len(merged))
	for _, p := range merged {
		profiles = append(profiles, p)
	}
	return NewRegistry(profiles...)
}
