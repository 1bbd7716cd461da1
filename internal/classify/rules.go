package classify

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/whisper/pageguard/internal/termindex"
)

// Heuristic bounds.
const (
	heuristicBase   = 0.6
	heuristicMax    = 0.9
	perKeywordBoost = 0.1
	severeBoost     = 0.2
	fallbackReason  = "heuristic fallback (%d keywords, severe=%t, benign=%t)"
)

// Polarity says which way a rule pushes the heuristic.
type Polarity string

const (
	Severe Polarity = "severe"
	Benign Polarity = "benign"
)

// Rule is one compiled pattern.
type Rule struct {
	Name     string
	Polarity Polarity
	re       *regexp.Regexp
}

// Match reports whether the rule fires on text.
func (r Rule) Match(text string) bool { return r.re.MatchString(text) }

// RuleSet drives the fallback heuristic: a curated keyword list and a list of
// polarity-tagged patterns. It is safe for concurrent use.
type RuleSet struct {
	keywords []string
	rules    []Rule
}

// ruleFile is the on-disk shape. JSON parses as YAML, so both work.
type ruleFile struct {
	Keywords []string `yaml:"keywords"`
	Rules    []struct {
		Name     string `yaml:"name"`
		Pattern  string `yaml:"pattern"`
		Polarity string `yaml:"polarity"`
	} `yaml:"rules"`
}

// defaultRules is product content; tune it through a rules file rather than
// code where possible.
const defaultRules = `
keywords: [fuck, shit, bitch, asshole, bastard, damn, crap, dick, putangina, gago, tanga, bobo, tarantado, ulol, leche, punyeta, kupal]
rules:
  - {name: self_harm, polarity: severe, pattern: '(?i)\b(kill|hang)\s+(yo)?urself\b'}
  - {name: kys, polarity: severe, pattern: '(?i)\bkys\b'}
  - {name: die, polarity: severe, pattern: '(?i)\b(go\s+die|hope\s+you\s+die)\b'}
  - {name: fil_insult, polarity: severe, pattern: '(?i)\b(putang\s*ina\s*mo|gago\s+ka|ulol\s+ka|tangina\s+mo)\b'}
  - {name: slur_you, polarity: severe, pattern: '(?i)\byou\s+(stupid|fucking|worthless)\b'}
  - {name: en_praise, polarity: benign, pattern: '(?i)\b(damn|hell)\s+(good|great|fine|right|yeah)\b'}
  - {name: en_exclaim, polarity: benign, pattern: '(?i)\bholy\s+(shit|crap)\b'}
  - {name: fil_praise, polarity: benign, pattern: '(?i)\b(putangina|tangina)\s+(ang\s+)?(sarap|galing|ganda|saya)\b'}
`

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	rs, err := LoadRules(strings.NewReader(defaultRules))
	if err != nil {
		panic(fmt.Sprintf("classify: built-in rules: %v", err))
	}
	return rs
}

// LoadRules reads a YAML or JSON rule file.
func LoadRules(r io.Reader) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("classify: decode rules: %w", err)
	}

	rs := &RuleSet{}
	for _, k := range f.Keywords {
		if k = termindex.Normalize(strings.TrimSpace(k)); k != "" {
			rs.keywords = append(rs.keywords, k)
		}
	}
	for _, raw := range f.Rules {
		pol := Polarity(strings.ToLower(raw.Polarity))
		if pol != Severe && pol != Benign {
			return nil, fmt.Errorf("classify: rule %q: unknown polarity %q", raw.Name, raw.Polarity)
		}
		re, err := regexp.Compile(raw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("classify: rule %q: %w", raw.Name, err)
		}
		rs.rules = append(rs.rules, Rule{Name: raw.Name, Polarity: pol, re: re})
	}
	return rs, nil
}

// LoadRulesFile is LoadRules for a path.
func LoadRulesFile(path string) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("classify: open rules: %w", err)
	}
	defer f.Close()
	return LoadRules(f)
}

// Rules returns the compiled rules in file order.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// Score runs the heuristic on text. The text is assumed to already be a
// dictionary hit, so the result is always toxic, with a confidence in
// [0.6, 0.9] that grows with the number of curated keywords present.
// Benign rules only show up in the reason; appending text never lowers the
// confidence.
func (rs *RuleSet) Score(text string) Verdict {
	norm := termindex.Normalize(text)

	found := 0
	for _, k := range rs.keywords {
		if strings.Contains(norm, k) {
			found++
		}
	}

	var severe, benign bool
	for _, r := range rs.rules {
		if !r.Match(text) && !r.Match(norm) {
			continue
		}
		switch r.Polarity {
		case Severe:
			severe = true
		case Benign:
			benign = true
		}
	}

	conf := heuristicBase
	if found > 1 {
		conf += perKeywordBoost * float64(found-1)
	}
	if severe {
		conf += severeBoost
	}
	conf = min(conf, heuristicMax)

	return Verdict{
		IsToxic:    true,
		Confidence: conf,
		Reason:     fmt.Sprintf(fallbackReason, found, severe, benign),
		Source:     SourceFallback,
	}
}
