package evidence

import (
	"fmt"
	"regexp"
)

// Redaction is one log entry for a replaced match.
type Redaction struct {
	Rule string `json:"rule"`
	// Match is the original matched text. It lives in the redactions log
	// only, never in the rendered bundle.
	Match    string `json:"match"`
	Position int    `json:"position"`
}

type rule struct {
	name string
	re   *regexp.Regexp
}

// Built-in rules, applied in declaration order. Header and marker rules come
// after the token rules so a redacted JWT inside an Authorization header is
// attributed to the more specific rule.
var builtinRules = []rule{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9().\s-]{6,}[0-9]`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	{"auth_header", regexp.MustCompile(`(?i)(authorization|cookie)\s*:\s*[^\r\n]+`)},
	{"credential_marker", regexp.MustCompile(`(?i)(api_key|password)\s*[=:]\s*[^\s&"']+`)},
}

// redactionRules appends compiled caller patterns to the built-ins.
func redactionRules(customPatterns []string) ([]rule, error) {
	rules := make([]rule, len(builtinRules), len(builtinRules)+len(customPatterns))
	copy(rules, builtinRules)
	for i, pattern := range customPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid custom redaction pattern %q: %w", pattern, err)
		}
		rules = append(rules, rule{name: fmt.Sprintf("custom_%d", i), re: re})
	}
	return rules, nil
}

// applyRules replaces every match with a placeholder and records it. Each
// rule makes a single pass over the content, so a replacement is never
// re-matched, not even by a pathological custom pattern.
func applyRules(content []byte, rules []rule) ([]byte, []Redaction) {
	var log []Redaction
	for _, r := range rules {
		locs := r.re.FindAllIndex(content, -1)
		if locs == nil {
			continue
		}
		placeholder := []byte("[REDACTED:" + r.name + "]")
		var out []byte
		prev := 0
		for _, loc := range locs {
			log = append(log, Redaction{
				Rule:     r.name,
				Match:    string(content[loc[0]:loc[1]]),
				Position: loc[0],
			})
			out = append(out, content[prev:loc[0]]...)
			out = append(out, placeholder...)
			prev = loc[1]
		}
		out = append(out, content[prev:]...)
		content = out
	}
	return content, log
}
