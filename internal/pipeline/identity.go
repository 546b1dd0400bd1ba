package pipeline

import (
	"regexp"
	"strings"
)

var identityPrefixes = []string{"user:", "fluxer:", "participant:"}

var numericToken = regexp.MustCompile(`\d{5,}`)

// CanonicalIdentity lower-cases and trims id and strips any run of known
// prefixes.
func CanonicalIdentity(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	for {
		stripped := false
		for _, p := range identityPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// ResolveIdentity matches a caller-facing id against wire-level participant
// identities. Each stage is tried against every candidate before moving on:
// exact, canonical, substring in either direction, then a shared numeric
// token of at least five digits. When nothing matches the requested id is
// returned with ok=false.
func ResolveIdentity(requested string, candidates []string) (resolved string, ok bool) {
	if requested == "" {
		return requested, false
	}
	for _, c := range candidates {
		if c == requested {
			return c, true
		}
	}
	want := CanonicalIdentity(requested)
	if want != "" {
		for _, c := range candidates {
			if CanonicalIdentity(c) == want {
				return c, true
			}
		}
		for _, c := range candidates {
			cc := CanonicalIdentity(c)
			if cc == "" {
				continue
			}
			if strings.Contains(cc, want) || strings.Contains(want, cc) {
				return c, true
			}
		}
	}
	tokens := numericToken.FindAllString(requested, -1)
	if len(tokens) > 0 {
		for _, c := range candidates {
			for _, ct := range numericToken.FindAllString(c, -1) {
				for _, t := range tokens {
					if t == ct {
						return c, true
					}
				}
			}
		}
	}
	return requested, false
}
