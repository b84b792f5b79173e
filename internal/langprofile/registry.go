package langprofile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDuplicateCode is returned when two profiles share a language code.
var ErrDuplicateCode = errors.New("langprofile: duplicate language code")

// Registry is an immutable code → Profile table.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry builds a registry from profiles. Codes are matched case
// insensitively.
func NewRegistry(profiles ...*Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		code := strings.ToLower(strings.TrimSpace(p.Code))
		if code == "" {
			return nil, fmt.Errorf("langprofile: profile %q has no code", p.Name)
		}
		if _, ok := r.profiles[code]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCode, code)
		}
		p.Code = code
		p.compile()
		r.profiles[code] = p
	}
	return r, nil
}

// Canonical reduces a language tag to its primary subtag: "zh-Hans" and
// "zh_CN" both become "zh".
func Canonical(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return code
}

// Lookup returns the profile for code.
func (r *Registry) Lookup(code string) (*Profile, bool) {
	p, ok := r.profiles[Canonical(code)]
	return p, ok
}

// Resolve returns the profile for code, or a translation-only profile when
// the code has no table row.
func (r *Registry) Resolve(code string) *Profile {
	if p, ok := r.Lookup(code); ok {
		return p
	}
	return generic(Canonical(code))
}

// Codes returns all registered codes in sorted order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.profiles))
	for c := range r.profiles {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Profiles returns all profiles ordered by code.
func (r *Registry) Profiles() []*Profile {
	out := make([]*Profile, 0, len(r.profiles))
	for _, c := range r.Codes() {
		out = append(out, r.profiles[c])
	}
	return out
}

// DisplayName returns the English name for code, falling back to the code.
func (r *Registry) DisplayName(code string) string {
	if p, ok := r.Lookup(code); ok && p.Name != "" {
		return p.Name
	}
	if n, ok := extraNames[Canonical(code)]; ok {
		return n
	}
	return code
}

// extraNames covers common translation targets that have no profile row.
var extraNames = map[string]string{
	"nl": "Dutch",
	"sv": "Swedish",
	"pl": "Polish",
	"tr": "Turkish",
	"vi": "Vietnamese",
	"id": "Indonesian",
	"uk": "Ukrainian",
	"el": "Greek",
	"he": "Hebrew",
}
