package matching

import (
	"fmt"
	"math"
	"strings"

	"briefmatch/internal/domain"
)

// Neutral sub-scores used when a signal is missing on either side.
const (
	neutralSkills   = 0.6
	neutralIndustry = 0.5
	neutralOutcomes = 0.5
	neutralPrice    = 0.5
	neutralLocale   = 0.5
)

// Config is the immutable snapshot every scoring run works from.
type Config struct {
	WeightsVersion   int
	Weights          domain.WeightVector
	Tools            Normalizer
	Industries       Normalizer
	Vocabulary       Vocabulary
	PreferredLocales []string
}

// NewConfig builds a scoring snapshot from the active weight configuration.
func NewConfig(wc domain.WeightConfig, vocab Vocabulary, preferredLocales []string) Config {
	return Config{
		WeightsVersion:   wc.Version,
		Weights:          wc.Weights.Normalized(),
		Tools:            NewNormalizer(wc.ToolSynonyms),
		Industries:       NewNormalizer(wc.IndustrySynonyms),
		Vocabulary:       vocab,
		PreferredLocales: preferredLocales,
	}
}

type Score struct {
	Total     float64                   `json:"total"`
	Breakdown map[domain.Factor]float64 `json:"breakdown"`
	Reasons   []string                  `json:"reasons"`
	Flags     []string                  `json:"flags"`
}

func (s *Score) set(f domain.Factor, v float64) {
	s.Breakdown[f] = clamp01(v)
}

func (s *Score) reason(format string, args ...any) {
	s.Reasons = append(s.Reasons, fmt.Sprintf(format, args...))
}

func (s *Score) flag(format string, args ...any) {
	s.Flags = append(s.Flags, fmt.Sprintf(format, args...))
}

// ScoreCandidate rates one candidate against the brief signals. Every sub-score lies in [0,1]
// and the total is their weighted sum under cfg.Weights.
func ScoreCandidate(sig Signals, c domain.CandidateProfile, cfg Config) Score {
	sc := &Score{
		Breakdown: make(map[domain.Factor]float64, len(domain.Factors)),
		Reasons:   []string{},
		Flags:     []string{},
	}
	scoreSkills(sc, sig, c, cfg)
	scoreIndustry(sc, sig, c, cfg)
	scoreOutcomes(sc, c)
	scoreAvailability(sc, sig, c)
	scorePrice(sc, sig, c)
	scoreLocale(sc, c, cfg)
	scoreVetting(sc, c)

	weights := cfg.Weights
	if weights == nil {
		weights = domain.WeightVector{}.Normalized()
	}
	var total float64
	for _, f := range domain.Factors {
		total += weights[f] * sc.Breakdown[f]
	}
	sc.Total = clamp01(total)
	return *sc
}

func scoreSkills(sc *Score, sig Signals, c domain.CandidateProfile, cfg Config) {
	var wanted []string
	for _, s := range sig.RequiredSkills {
		if !strings.EqualFold(strings.TrimSpace(s), GeneralSkill) {
			wanted = append(wanted, s)
		}
	}
	wanted = append(wanted, sig.RequiredTools...)
	var required []string
	for _, t := range cfg.Tools.Normalize(wanted) {
		if k := normKey(t); k != "" {
			required = appendUnique(required, k)
		}
	}
	have := lowerAll(cfg.Tools.Normalize(append(append([]string{}, c.Skills...), c.Tools...)))
	if len(required) == 0 {
		sc.set(domain.FactorSkills, neutralSkills)
		return
	}
	if len(have) == 0 {
		sc.set(domain.FactorSkills, 0)
		sc.flag("no declared skills or tools")
		return
	}
	matched := 0
	for _, r := range required {
		if anyContains(have, r) {
			matched++
		}
	}
	sc.set(domain.FactorSkills, float64(matched)/float64(len(required)))
	if matched > 0 {
		sc.reason("matches %d/%d required skills/tools", matched, len(required))
	}
	if matched < len(required) {
		sc.flag("missing %d of %d required skills/tools", len(required)-matched, len(required))
	}
}

func scoreIndustry(sc *Score, sig Signals, c domain.CandidateProfile, cfg Config) {
	wanted := lowerAll(cfg.Industries.Normalize(sig.Industries))
	if len(wanted) == 0 {
		sc.set(domain.FactorIndustry, neutralIndustry)
		return
	}
	have := lowerAll(cfg.Industries.Normalize(c.Industries))
	if len(have) == 0 {
		sc.set(domain.FactorIndustry, 0)
		return
	}
	matched := 0
	var hit []string
	for _, w := range wanted {
		if anyContains(have, w) {
			matched++
			hit = append(hit, w)
		}
	}
	sc.set(domain.FactorIndustry, float64(matched)/float64(len(wanted)))
	if matched > 0 {
		sc.reason("industry experience in %s", strings.Join(hit, ", "))
	}
}

func scoreOutcomes(sc *Score, c domain.CandidateProfile) {
	h := c.History
	if h == nil {
		sc.set(domain.FactorOutcomes, neutralOutcomes)
		sc.flag("no delivery history")
		return
	}
	v := 0.4*clamp01(h.PassRate) + 0.3*clamp01(h.CSAT/5) + 0.3*clamp01(h.OnTimeRate)
	sc.set(domain.FactorOutcomes, v)
	if h.CSAT >= 4.5 {
		sc.reason("strong client satisfaction (CSAT %.1f/5)", h.CSAT)
	}
	if h.OnTimeRate >= 0.9 {
		sc.reason("delivers on time %.0f%% of the time", h.OnTimeRate*100)
	}
	if h.DisputeRate > 0.1 {
		sc.flag("dispute rate %.0f%%", h.DisputeRate*100)
	}
}

func scoreAvailability(sc *Score, sig Signals, c domain.CandidateProfile) {
	h := c.WeeklyHours
	var v float64
	switch {
	case h <= 0:
		v = 0.2
		sc.flag("availability unknown")
	case h < 10:
		v = 0.4
		sc.flag("availability %dh/week is limited", h)
	case h < 20:
		v = 0.7
	case h <= 40:
		v = 1.0
		sc.reason("available %dh/week", h)
	case h <= 50:
		v = 0.8
	default:
		v = 0.5
		sc.flag("availability %dh/week may indicate overcommitment", h)
	}
	if (sig.Urgency == UrgencyHigh || sig.Urgency == UrgencyCritical) && h > 0 && h < 20 {
		sc.flag("limited availability for an urgent brief")
	}
	sc.set(domain.FactorAvailability, v)
}

func scorePrice(sc *Score, sig Signals, c domain.CandidateProfile) {
	b := sig.Budget
	if b.Unbounded() {
		sc.set(domain.FactorPrice, 1)
		return
	}
	if c.RateMax <= 0 {
		sc.set(domain.FactorPrice, neutralPrice)
		return
	}
	cMin, cMax := c.RateMin, c.RateMax
	if cMin > cMax {
		cMin, cMax = cMax, cMin
	}
	lo := max(cMin, b.Min)
	hi := min(cMax, b.Max)
	if hi < lo {
		gap := float64(lo - hi)
		span := float64(b.Max - b.Min)
		if span <= 0 {
			span = float64(b.Max)
		}
		if span <= 0 {
			span = 1
		}
		sc.set(domain.FactorPrice, 0.05+0.10*math.Max(0, 1-gap/span))
		sc.flag("rate band outside budget")
		return
	}
	smaller := min(cMax-cMin, b.Max-b.Min)
	if smaller <= 0 {
		sc.set(domain.FactorPrice, 1)
		sc.reason("rate band fits budget")
		return
	}
	v := float64(hi-lo) / float64(smaller)
	sc.set(domain.FactorPrice, v)
	if v >= 0.8 {
		sc.reason("rate band fits budget")
	}
}

func scoreLocale(sc *Score, c domain.CandidateProfile, cfg Config) {
	if len(cfg.PreferredLocales) == 0 || len(c.Locales) == 0 {
		sc.set(domain.FactorLocale, neutralLocale)
		return
	}
	for _, want := range cfg.PreferredLocales {
		for _, have := range c.Locales {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				sc.set(domain.FactorLocale, 1)
				return
			}
		}
	}
	sc.set(domain.FactorLocale, 0.3)
}

func scoreVetting(sc *Score, c domain.CandidateProfile) {
	v := 0.2
	if c.Verified {
		v += 0.4
		sc.reason("verified expert")
	}
	certs := min(len(c.Certifications), 2)
	v += 0.2 * float64(certs)
	if certs > 0 {
		sc.reason("%d verified certification(s)", len(c.Certifications))
	}
	sc.set(domain.FactorVetting, v)
}

func anyContains(have []string, want string) bool {
	for _, h := range have {
		if strings.Contains(h, want) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	var out []string
	for _, s := range in {
		if k := normKey(s); k != "" {
			out = appendUnique(out, k)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
