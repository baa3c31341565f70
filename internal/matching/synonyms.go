package matching

import (
	"strings"

	"briefmatch/internal/domain"
)

// Normalizer maps free-form tokens onto canonical terms.
// It is safe for concurrent use once built.
type Normalizer struct {
	entries domain.SynonymMap
	index   map[string]string
}

// NewNormalizer indexes a synonym map. Canonical keys always map to
// themselves; for aliases claimed by several entries the first entry wins.
func NewNormalizer(m domain.SynonymMap) Normalizer {
	index := make(map[string]string, len(m)*4)
	for _, entry := range m {
		key := normKey(entry.Canonical)
		if key == "" {
			continue
		}
		index[key] = entry.Canonical
	}
	for _, entry := range m {
		if normKey(entry.Canonical) == "" {
			continue
		}
		for _, alias := range entry.Aliases {
			key := normKey(alias)
			if key == "" {
				continue
			}
			if _, taken := index[key]; taken {
				continue
			}
			index[key] = entry.Canonical
		}
	}
	return Normalizer{entries: m, index: index}
}

// Canonical returns the canonical form of token, if any.
func (n Normalizer) Canonical(token string) (string, bool) {
	c, ok := n.index[normKey(token)]
	return c, ok
}

// Normalize replaces every token with its canonical form, leaving unknown tokens unchanged.
func (n Normalizer) Normalize(tokens []string) []string {
	if tokens == nil {
		return nil
	}
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		if c, ok := n.Canonical(tok); ok {
			out[i] = c
			continue
		}
		out[i] = tok
	}
	return out
}

// aliasPairs lists (alias, canonical) pairs in definition order, skipping aliases lost to collisions.
func (n Normalizer) aliasPairs() [][2]string {
	var pairs [][2]string
	for _, entry := range n.entries {
		for _, alias := range entry.Aliases {
			if c, ok := n.Canonical(alias); ok && c == entry.Canonical {
				pairs = append(pairs, [2]string{alias, c})
			}
		}
	}
	return pairs
}

// Normalize is a convenience wrapper for one-off normalization.
func Normalize(tokens []string, m domain.SynonymMap) []string {
	return NewNormalizer(m).Normalize(tokens)
}

func normKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
