// Package urlkey turns raw announcement URLs into canonical keys using
// per-domain rules. There is deliberately no generic fallback: a URL whose
// domain has no usable rule has no canonical key.
package urlkey

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"announce_dedup/internal/model"
)

// ErrInvalidRule marks a rule that cannot be compiled.
var ErrInvalidRule = errors.New("invalid domain key rule")

// Separator joins the domain and the extracted identity in a canonical key.
const Separator = "|"

// CompiledRule is a validated, ready-to-use DomainKeyRule.
type CompiledRule struct {
	Domain string
	Method model.KeyMethod
	params map[string]struct{}
	re     *regexp.Regexp
}

// RuleLookup resolves the active rule for a domain, or nil.
type RuleLookup interface {
	Rule(domain string) *CompiledRule
}

// CompileRule validates r and precompiles its pattern.
func CompileRule(r model.DomainKeyRule) (*CompiledRule, error) {
	domain := NormalizeDomain(r.Domain)
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrInvalidRule)
	}

	cr := &CompiledRule{Domain: domain, Method: r.Method}
	switch r.Method {
	case model.MethodQueryParams:
		cr.params = make(map[string]struct{}, len(r.KeyParams))
		for _, p := range r.KeyParams {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			cr.params[p] = struct{}{}
		}
		if len(cr.params) == 0 {
			return nil, fmt.Errorf("%w: %s: no key parameters", ErrInvalidRule, domain)
		}
	case model.MethodPathPattern:
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("%w: %s: empty pattern", ErrInvalidRule, domain)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, domain, err)
		}
		cr.re = re
	default:
		return nil, fmt.Errorf("%w: %s: unknown method %q", ErrInvalidRule, domain, r.Method)
	}
	return cr, nil
}

// NormalizeDomain lowercases a domain and strips a trailing dot.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Domain returns the normalized host name of rawURL without port.
func Domain(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	d := NormalizeDomain(u.Hostname())
	return d, d != ""
}

// Extract applies rule to rawURL. It reports false when rule is nil, the URL
// does not parse, or the rule does not match.
func Extract(rawURL string, rule *CompiledRule) (string, bool) {
	if rule == nil {
		return "", false
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}

	var identity string
	switch rule.Method {
	case model.MethodQueryParams:
		identity = rule.queryIdentity(u.RawQuery)
	case model.MethodPathPattern:
		target := u.EscapedPath()
		if u.Fragment != "" {
			target = u.EscapedFragment()
		}
		identity = rule.patternIdentity(target)
	}
	if identity == "" {
		return "", false
	}
	return rule.Domain + Separator + identity, true
}

// ExtractFor looks up the rule for domain and extracts the canonical key.
func ExtractFor(rawURL, domain string, rules RuleLookup) (string, bool) {
	if rules == nil {
		return "", false
	}
	return Extract(rawURL, rules.Rule(NormalizeDomain(domain)))
}

type queryPair struct {
	name  string
	value string
}

func (r *CompiledRule) queryIdentity(rawQuery string) string {
	var pairs []queryPair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		if _, ok := r.params[name]; !ok {
			continue
		}
		pairs = append(pairs, queryPair{name: name, value: value})
	}
	if len(pairs) == 0 {
		return ""
	}

	// Stable so repeated parameters keep their source order.
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeSpaces(p.name))
		b.WriteByte('=')
		b.WriteString(escapeSpaces(p.value))
	}
	return b.String()
}

func (r *CompiledRule) patternIdentity(target string) string {
	m := r.re.FindStringSubmatch(target)
	if m == nil {
		return ""
	}
	if len(m) == 1 {
		return m[0]
	}
	return strings.Join(m[1:], "_")
}

func escapeSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "%20")
}
