package middleware

import (
	"net/http"
	"regexp"

	"github.com/astracat2022/edged/internal/config"
)

type RewriteAction int

const (
	RewriteActionNone RewriteAction = iota
	RewriteActionRedirect
	RewriteActionProxy
	RewriteActionForbidden
	RewriteActionGone
)

type RewriteOutcome struct {
	Action       RewriteAction
	RedirectCode int
	RuleName     string
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
	flags       map[config.RewriteFlag]bool
	redirect    int
	conditions  []compiledCondition
}

type compiledCondition struct {
	header  string
	re      *regexp.Regexp
	negate  bool
}

// Rewriter evaluates a vhost's rewrite rules in listed order per spec
// §4.C. Rules are compiled lazily and cached per *config.Server pointer
// identity, since a config snapshot's servers never mutate in place.
type Rewriter struct {
	compiled map[*config.Server][]compiledRule
}

func NewRewriter() *Rewriter {
	return &Rewriter{compiled: map[*config.Server][]compiledRule{}}
}

func (rw *Rewriter) rulesFor(vh *config.Server) []compiledRule {
	if c, ok := rw.compiled[vh]; ok {
		return c
	}
	rules := make([]compiledRule, 0, len(vh.Rewrites))
	for _, r := range vh.Rewrites {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		cr := compiledRule{re: re, replacement: r.Replacement, flags: map[config.RewriteFlag]bool{}, redirect: r.RedirectCode}
		for _, f := range r.Flags {
			cr.flags[f] = true
		}
		for _, c := range r.Conditions {
			if c.Pattern == "" {
				continue
			}
			if cre, err := regexp.Compile(c.Pattern); err == nil {
				cr.conditions = append(cr.conditions, compiledCondition{header: c.Header, re: cre, negate: c.Negate})
			}
		}
		rules = append(rules, cr)
	}
	rw.compiled[vh] = rules
	return rules
}

// Apply evaluates rules in order, mutating nothing on r beyond what the
// caller applies via the returned path. If no rule matches, the
// original path is returned unchanged with RewriteActionNone.
func (rw *Rewriter) Apply(r *http.Request, vh *config.Server) (string, RewriteOutcome) {
	path := r.URL.Path
	for i, cr := range rw.rulesFor(vh) {
		if !cr.matches(r) {
			continue
		}
		loc := cr.re.FindStringSubmatchIndex(path)
		if loc == nil {
			continue
		}
		rewritten := string(cr.re.ExpandString(nil, cr.replacement, path, loc))

		switch {
		case cr.flags[config.FlagForbidden]:
			return rewritten, RewriteOutcome{Action: RewriteActionForbidden, RuleName: ruleName(vh, i)}
		case cr.flags[config.FlagGone]:
			return rewritten, RewriteOutcome{Action: RewriteActionGone, RuleName: ruleName(vh, i)}
		case cr.flags[config.FlagRedirect]:
			code := cr.redirect
			if code == 0 {
				code = http.StatusFound
			}
			return rewritten, RewriteOutcome{Action: RewriteActionRedirect, RedirectCode: code, RuleName: ruleName(vh, i)}
		}

		path = rewritten
		if cr.flags[config.FlagLast] || cr.flags[config.FlagProxy] {
			action := RewriteActionNone
			if cr.flags[config.FlagProxy] {
				action = RewriteActionProxy
			}
			if cr.flags[config.FlagLast] {
				return path, RewriteOutcome{Action: action, RuleName: ruleName(vh, i)}
			}
		}
	}
	return path, RewriteOutcome{Action: RewriteActionNone}
}

func (cr compiledRule) matches(r *http.Request) bool {
	for _, c := range cr.conditions {
		v := r.Header.Get(c.header)
		matched := c.re.MatchString(v)
		if c.negate {
			matched = !matched
		}
		if !matched {
			return false
		}
	}
	return true
}

func ruleName(vh *config.Server, idx int) string {
	if idx < len(vh.Rewrites) {
		return vh.Rewrites[idx].Pattern
	}
	return ""
}
