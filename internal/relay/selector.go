// ABOUTME: Selector resolution for command dispatch.
// ABOUTME: Selectors are anchored RE2 patterns with an exact-name fallback.

package relay

import (
	"regexp"
	"strings"
)

// literalPrefix forces a selector to be matched as an exact name.
const literalPrefix = "="

// selector is a compiled command selector. Exactly one of pattern or literal
// is meaningful.
type selector struct {
	raw     string
	pattern *regexp.Regexp
	literal string
}

func (s selector) isLiteral() bool { return s.pattern == nil }

// compileSelector turns a raw selector into a matcher. The pattern must match
// the whole agent name, so "beta" selects only "beta" and never "alphabeta".
// A selector that is not valid RE2, or that starts with "=", is an exact name.
func compileSelector(raw string) selector {
	if name, ok := strings.CutPrefix(raw, literalPrefix); ok {
		return selector{raw: raw, literal: name}
	}

	// Validate the bare pattern first so unbalanced groups cannot escape the
	// anchoring wrapper.
	if _, err := regexp.Compile(raw); err != nil {
		return selector{raw: raw, literal: raw}
	}
	re, err := regexp.Compile("^(?:" + raw + ")$")
	if err != nil {
		return selector{raw: raw, literal: raw}
	}
	return selector{raw: raw, pattern: re}
}
