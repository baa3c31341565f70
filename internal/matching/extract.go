package matching

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"briefmatch/internal/domain"
)

// GeneralSkill is the sentinel used when a brief names no known skill.
const GeneralSkill = "general"

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Vocabulary is the fixed term list briefs are matched against.
type Vocabulary struct {
	Skills     []string `yaml:"skills" json:"skills"`
	Tools      []string `yaml:"tools" json:"tools"`
	Industries []string `yaml:"industries" json:"industries"`
	Broad      []string `yaml:"broad" json:"broad"`
}

// All returns every term of the vocabulary.
func (v Vocabulary) All() []string {
	var out []string
	out = append(out, v.Skills...)
	out = append(out, v.Tools...)
	out = append(out, v.Industries...)
	out = append(out, v.Broad...)
	return out
}

// Widen unions the broad terms into the skill list. Applying it twice is the same as once.
func (v Vocabulary) Widen() Vocabulary {
	out := v
	out.Skills = union(v.Skills, v.Broad)
	return out
}

// Signals are the structured requirements derived from a brief.
type Signals struct {
	RequiredSkills []string           `json:"required_skills"`
	RequiredTools  []string           `json:"required_tools"`
	Industries     []string           `json:"industries"`
	Budget         domain.BudgetRange `json:"budget"`
	Urgency        Urgency            `json:"urgency"`
}

// Extract derives signals from the brief text. A vocabulary term or synonym alias counts
// when it occurs anywhere in the lower-cased text.
func Extract(b domain.Brief, cfg Config, widen bool) Signals {
	vocab := cfg.Vocabulary
	if widen {
		vocab = vocab.Widen()
	}
	text := normKey(strings.Join([]string{b.Goal, b.Context, b.Constraints}, " "))

	s := Signals{
		RequiredSkills: matchTerms(text, vocab.Skills),
		RequiredTools:  matchTerms(text, vocab.Tools),
		Industries:     matchTerms(text, vocab.Industries),
		Budget:         ParseBudget(b.BudgetText),
		Urgency:        ParseUrgency(b.Urgency + " " + b.Timeline),
	}
	s.RequiredTools = union(s.RequiredTools, matchAliases(text, cfg.Tools))
	s.Industries = union(s.Industries, matchAliases(text, cfg.Industries))
	if len(s.RequiredSkills) == 0 {
		s.RequiredSkills = []string{GeneralSkill}
	}
	if s.RequiredTools == nil {
		s.RequiredTools = []string{}
	}
	if s.Industries == nil {
		s.Industries = []string{}
	}
	return s
}

var budgetNumber = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*([kK])?`)

// ParseBudget reads a free-text budget in major units and returns a range in minor units.
// Two or more numbers give the smallest and largest of them; one number gives a band of
// plus or minus 20%; no number leaves the budget unconstrained.
func ParseBudget(text string) domain.BudgetRange {
	var lo, hi int64
	n := 0
	for _, m := range budgetNumber.FindAllStringSubmatch(text, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if m[2] != "" {
			f *= 1000
		}
		v := int64(math.Round(f * 100))
		if n == 0 || v < lo {
			lo = v
		}
		if n == 0 || v > hi {
			hi = v
		}
		n++
	}
	switch n {
	case 0:
		return domain.BudgetRange{Min: 0, Max: domain.UnboundedBudget}
	case 1:
		return domain.BudgetRange{Min: lo * 4 / 5, Max: lo * 6 / 5}
	default:
		return domain.BudgetRange{Min: lo, Max: hi}
	}
}

var urgencyKeywords = []struct {
	level Urgency
	words []string
}{
	{UrgencyCritical, []string{"critical", "emergency"}},
	{UrgencyHigh, []string{"urgent", "asap", "immediately", "this week"}},
	{UrgencyLow, []string{"flexible", "no rush", "whenever"}},
}

// ParseUrgency classifies free-text urgency.
func ParseUrgency(text string) Urgency {
	text = normKey(text)
	for _, k := range urgencyKeywords {
		for _, w := range k.words {
			if strings.Contains(text, w) {
				return k.level
			}
		}
	}
	return UrgencyNormal
}

func matchTerms(text string, terms []string) []string {
	var out []string
	for _, term := range terms {
		key := normKey(term)
		if key != "" && strings.Contains(text, key) {
			out = appendUnique(out, key)
		}
	}
	return out
}

func matchAliases(text string, n Normalizer) []string {
	var out []string
	for _, pair := range n.aliasPairs() {
		if alias := normKey(pair[0]); alias != "" && strings.Contains(text, alias) {
			out = appendUnique(out, normKey(pair[1]))
		}
	}
	return out
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		out = appendUnique(out, s)
	}
	for _, s := range b {
		out = appendUnique(out, s)
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, s) {
			return list
		}
	}
	return append(list, s)
}
