// Package policy implements the pre-dispatch security gate.
package policy

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Request is the outbound request inspected before dispatch.
type Request struct {
	Target  string
	Payload any
	Model   string
	Options map[string]any
}

// Decision is the result of a gate evaluation. A single violation makes the
// whole request unsafe.
type Decision struct {
	Safe       bool           `json:"safe"`
	Violations []string       `json:"violations"`
	Details    map[string]any `json:"details"`
}

// Missing reports whether the only violations are absent required fields.
func (d Decision) Missing() bool {
	if d.Safe {
		return false
	}
	missing, _ := d.Details[DetailMissing].([]string)
	return len(missing) == len(d.Violations)
}

// Detail keys of a Decision.
const (
	DetailMissing = "missing_fields"
	DetailText    = "text_violations"
	DetailURL     = "url_violations"
	DetailOption  = "option_violations"
	DetailSecret  = "secret_violations"
)

// Engine evaluates whether a request may be dispatched.
type Engine interface {
	Evaluate(req Request) Decision
}

// Gate is the default Engine. It holds only configuration; evaluation has no
// side effects.
type Gate struct {
	patterns     []namedRegex
	domains      []string
	unsafeOpts   []string
	detectSecret bool
	mu           sync.RWMutex
}

// Options configures a Gate on top of the built-in denylists.
type Options struct {
	ExtraPatterns  []string
	ExtraDomains   []string
	BlockSecrets   bool
	DisableBuiltin bool
}

// NewGate creates a gate with the built-in denylists plus opts.
func NewGate(opts Options) *Gate {
	g := &Gate{
		unsafeOpts:   append([]string{}, unsafeOptionKeys...),
		detectSecret: opts.BlockSecrets,
	}
	if !opts.DisableBuiltin {
		for _, p := range builtinPatterns {
			g.AddPattern(p)
		}
		for _, d := range builtinDomains {
			g.AddDomain(d)
		}
	}
	for _, p := range opts.ExtraPatterns {
		if !g.AddPattern(p) {
			slog.Warn("Gate: pattern rejected", "pattern", p)
		}
	}
	for _, d := range opts.ExtraDomains {
		g.AddDomain(d)
	}
	return g
}

// NewDefaultGate creates a gate with only the built-in denylists.
func NewDefaultGate() *Gate {
	return NewGate(Options{})
}

// AddPattern adds a case-insensitive denylisted pattern. It returns false for
// duplicates and patterns that do not compile.
func (g *Gate) AddPattern(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, nr := range g.patterns {
		if nr.name == pattern {
			return false
		}
	}
	g.patterns = append(g.patterns, namedRegex{name: pattern, re: re})
	return true
}

// AddDomain adds a denylisted domain. Subdomains are blocked too.
func (g *Gate) AddDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.domains {
		if d == domain {
			return false
		}
	}
	g.domains = append(g.domains, domain)
	return true
}

// Patterns returns the denylisted patterns.
func (g *Gate) Patterns() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.patterns))
	for _, nr := range g.patterns {
		out = append(out, nr.name)
	}
	return out
}

// Domains returns the denylisted domains.
func (g *Gate) Domains() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string{}, g.domains...)
}

// Evaluate checks req for missing fields, denylisted patterns and domains in
// any textual part of the payload, and unsafe option flags.
func (g *Gate) Evaluate(req Request) Decision {
	d := Decision{Safe: true, Violations: []string{}, Details: map[string]any{}}

	var missing []string
	if strings.TrimSpace(req.Target) == "" {
		missing = append(missing, "target missing")
	}
	if isAbsent(req.Payload) {
		missing = append(missing, "payload missing")
	}
	d.add(DetailMissing, missing)

	texts := collectText(req.Payload, nil)

	g.mu.RLock()
	patterns := g.patterns
	domains := g.domains
	g.mu.RUnlock()

	var textViolations []string
	for _, nr := range patterns {
		for _, text := range texts {
			if nr.re.MatchString(text) {
				textViolations = append(textViolations, "blocked pattern: "+nr.name)
				break
			}
		}
	}
	d.add(DetailText, textViolations)

	var urlViolations []string
	for _, text := range texts {
		for _, raw := range urlPattern.FindAllString(text, -1) {
			if domain, ok := blockedDomain(raw, domains); ok {
				urlViolations = append(urlViolations, "blocked domain: "+domain)
			}
		}
	}
	d.add(DetailURL, urlViolations)

	var optionViolations []string
	for _, key := range g.unsafeOpts {
		if truthy(req.Options[key]) {
			optionViolations = append(optionViolations, "unsafe option: "+key)
		}
	}
	d.add(DetailOption, optionViolations)

	if g.detectSecret {
		var secretViolations []string
		for _, nr := range secretDetectors {
			for _, text := range texts {
				if nr.re.MatchString(text) {
					secretViolations = append(secretViolations, "secret detected: "+nr.name)
					break
				}
			}
		}
		d.add(DetailSecret, secretViolations)
	}

	return d
}

func (d *Decision) add(kind string, violations []string) {
	if len(violations) == 0 {
		return
	}
	d.Safe = false
	d.Violations = append(d.Violations, violations...)
	d.Details[kind] = violations
}

func isAbsent(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// collectText walks strings, maps and slices and returns every string found.
func collectText(v any, out []string) []string {
	switch t := v.(type) {
	case string:
		out = append(out, t)
	case map[string]any:
		for _, item := range t {
			out = collectText(item, out)
		}
	case []any:
		for _, item := range t {
			out = collectText(item, out)
		}
	case []string:
		out = append(out, t...)
	}
	return out
}

func blockedDomain(raw string, domains []string) (string, bool) {
	host := ""
	if u, err := url.Parse(strings.TrimRight(raw, ".,;:!?)\"'")); err == nil {
		host = strings.ToLower(u.Hostname())
	}
	for _, d := range domains {
		if host != "" {
			if host == d || strings.HasSuffix(host, "."+d) {
				return d, true
			}
			continue
		}
		if strings.Contains(strings.ToLower(raw), d) {
			return d, true
		}
	}
	return "", false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "no"
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return fmt.Sprint(t) != ""
	}
}
