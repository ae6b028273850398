package security

import (
	"regexp"
)

// RulesVersion identifies the current rule table. Bump it whenever a rule is
// added, removed or changes severity so audit consumers can correlate verdicts.
const RulesVersion = "2026.10.2"

// MaxCommandLength is the hard cap on command size, in characters.
const MaxCommandLength = 5000

// ruleScope selects which part of the request a rule inspects.
type ruleScope int

const (
	scopeCommand ruleScope = iota // Command text only.
	scopeAll                      // Command text and JSON-encoded args.
	scopeCode                     // Like scopeAll, except args of interaction verbs.
)

// Rule is one entry of the validation table.
type Rule struct {
	ID       string
	Pattern  *regexp.Regexp
	Severity RiskLevel
	Message  string
	scope    ruleScope
}

// scansArgs reports whether the rule also inspects the args of op.
// Interaction verbs embed their args as JSON string literals, so args
// there are data: only markup rules apply to them.
func (r Rule) scansArgs(op OperationType) bool {
	switch r.scope {
	case scopeAll:
		return true
	case scopeCode:
		return op != OpInteraction
	}
	return false
}

// DangerousKeywords is the denylist matched as whole words. Order matters:
// the first keyword found is the one reported.
var DangerousKeywords = []string{
	"eval",
	"Function",
	"require",
	"import(",
	"process",
	"child_process",
	"fs",
	"fetch",
	"XMLHttpRequest",
	"WebSocket",
	"__proto__",
	"constructor",
	"global",
	"globalThis",
}

// keywordPattern builds the whole-word matcher for a denylisted keyword.
func keywordPattern(kw string) *regexp.Regexp {
	if kw == "import(" {
		return regexp.MustCompile(`\bimport\s*\(`)
	}
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
}

var keywordPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(DangerousKeywords))
	for i, kw := range DangerousKeywords {
		out[i] = keywordPattern(kw)
	}
	return out
}()

const xssMessage = "Potential XSS pattern detected"

// DefaultRules returns the rule table used by NewValidator.
// Critical rules make a request invalid; the rest only raise its risk level.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, len(DangerousKeywords)+32)
	for i, kw := range DangerousKeywords {
		rules = append(rules, Rule{
			ID:       "keyword." + kw,
			Pattern:  keywordPatterns[i],
			Severity: RiskCritical,
			Message:  "Dangerous keyword detected: " + kw,
			scope:    scopeCode,
		})
	}

	rules = append(rules,
		Rule{ID: "xss.script", Pattern: regexp.MustCompile(`(?i)<\s*script`), Severity: RiskCritical, Message: xssMessage, scope: scopeAll},
		Rule{ID: "xss.js-url", Pattern: regexp.MustCompile(`(?i)javascript\s*:`), Severity: RiskCritical, Message: xssMessage, scope: scopeAll},
		Rule{ID: "xss.handler", Pattern: regexp.MustCompile(`(?i)\bon(?:abort|animation\w+|blur|change|click|contextmenu|copy|cut|dblclick|drag\w*|drop|error|focus\w*|hashchange|input|invalid|key(?:down|press|up)|load\w*|message|mouse\w+|paste|pointer\w+|popstate|reset|resize|scroll|select|storage|submit|toggle|touch\w+|transition\w+|unload|wheel)\s*=`), Severity: RiskCritical, Message: xssMessage, scope: scopeAll},

		// High: markup injection, navigation, dynamic code paths that survive the denylist.
		Rule{ID: "dom.inner-html", Pattern: regexp.MustCompile(`\.(?:inner|outer)HTML\s*=[^=]`), Severity: RiskHigh, Message: "HTML markup assignment"},
		Rule{ID: "dom.insert-html", Pattern: regexp.MustCompile(`\.insertAdjacentHTML\s*\(`), Severity: RiskHigh, Message: "HTML markup insertion"},
		Rule{ID: "dom.write", Pattern: regexp.MustCompile(`\bdocument\.write(?:ln)?\s*\(`), Severity: RiskHigh, Message: "document.write call"},
		Rule{ID: "nav.location-assign", Pattern: regexp.MustCompile(`\blocation(?:\.href)?\s*=[^=]`), Severity: RiskHigh, Message: "Navigation via location assignment"},
		Rule{ID: "nav.location-call", Pattern: regexp.MustCompile(`\blocation\.(?:assign|replace|reload)\s*\(`), Severity: RiskHigh, Message: "Navigation via location method"},
		Rule{ID: "nav.window-open", Pattern: regexp.MustCompile(`\bwindow\.open\s*\(`), Severity: RiskHigh, Message: "Opens a new window"},
		Rule{ID: "code.string-timer", Pattern: regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*['"\x60]`), Severity: RiskHigh, Message: "Timer with string body"},
		Rule{ID: "code.char-codes", Pattern: regexp.MustCompile(`\bString\.fromCharCode\s*\(`), Severity: RiskHigh, Message: "Dynamic string construction from char codes"},
		Rule{ID: "code.atob", Pattern: regexp.MustCompile(`\batob\s*\(`), Severity: RiskHigh, Message: "Base64 decoding"},
		Rule{ID: "net.post-message", Pattern: regexp.MustCompile(`\.postMessage\s*\(`), Severity: RiskHigh, Message: "Cross-context messaging"},
		Rule{ID: "net.beacon", Pattern: regexp.MustCompile(`\bsendBeacon\s*\(`), Severity: RiskHigh, Message: "Outbound beacon"},
		Rule{ID: "storage.indexeddb", Pattern: regexp.MustCompile(`\bindexedDB\b`), Severity: RiskHigh, Message: "IndexedDB access"},

		// Medium: state mutation and storage access.
		Rule{ID: "state.assignment", Pattern: regexp.MustCompile(`(?:^|[^=!<>+\-*/%&|^])=(?:[^=>]|$)`), Severity: RiskMedium, Message: "Assignment expression"},
		Rule{ID: "state.compound-assignment", Pattern: regexp.MustCompile(`[+\-*/%]=`), Severity: RiskMedium, Message: "Compound assignment"},
		Rule{ID: "storage.cookie", Pattern: regexp.MustCompile(`\bdocument\.cookie\b`), Severity: RiskMedium, Message: "Cookie access"},
		Rule{ID: "storage.web", Pattern: regexp.MustCompile(`\b(?:local|session)Storage\b`), Severity: RiskMedium, Message: "Web storage access"},
		Rule{ID: "form.submit", Pattern: regexp.MustCompile(`\.(?:submit|requestSubmit|reset)\s*\(`), Severity: RiskMedium, Message: "Form submission"},
		Rule{ID: "event.dispatch", Pattern: regexp.MustCompile(`\.dispatchEvent\s*\(`), Severity: RiskMedium, Message: "Synthetic event dispatch"},
		Rule{ID: "dom.mutation", Pattern: regexp.MustCompile(`\.(?:appendChild|removeChild|replaceChild|remove|setAttribute|removeAttribute)\s*\(`), Severity: RiskMedium, Message: "DOM mutation"},
	)
	return rules
}

// obfuscation decoders. Each extracts candidate strings that are re-checked
// against the keyword denylist.
var (
	fromCharCodeRe  = regexp.MustCompile(`String\.fromCharCode\s*\(([^)]*)\)`)
	hexEscapeRe     = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)
	unicodeEscapeRe = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	unicodeBraceRe  = regexp.MustCompile(`\\u\{([0-9a-fA-F]{1,6})\}`)
	stringConcatRe  = regexp.MustCompile(`['"\x60]\s*\+\s*['"\x60]`)
	templatePieceRe = regexp.MustCompile(`\$\{\s*['"\x60]([^'"\x60]*)['"\x60]\s*\}`)
	atobLiteralRe   = regexp.MustCompile(`\batob\s*\(\s*['"\x60]([A-Za-z0-9+/=\s]+)['"\x60]\s*\)`)
)
