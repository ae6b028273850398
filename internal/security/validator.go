package security

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validator classifies and sanitizes commands. It holds no mutable state:
// the same request always yields the same result.
type Validator struct {
	rules     []Rule
	maxLength int
}

// NewValidator creates a validator with the default rule table.
func NewValidator() *Validator {
	return &Validator{rules: DefaultRules(), maxLength: MaxCommandLength}
}

// Rules returns a copy of the validator's rule table.
func (v *Validator) Rules() []Rule {
	out := make([]Rule, len(v.rules))
	copy(out, v.rules)
	return out
}

// ValidateCommand checks a request against the rule table and returns its
// risk classification and sanitized form. Critical findings make it invalid.
// Rules run on the sanitized text, which is what gets executed.
func (v *Validator) ValidateCommand(req CommandRequest) ValidationResult {
	res := ValidationResult{RiskLevel: RiskLow}

	if req.OperationType != "" && !req.OperationType.Valid() {
		return invalid(res, fmt.Sprintf("Invalid operation type: %s", req.OperationType))
	}
	if utf8.RuneCountInString(req.Command) > v.maxLength {
		return invalid(res, fmt.Sprintf("Command too long (max %d characters)", v.maxLength))
	}
	command := strings.TrimSpace(sanitizeString(req.Command))
	if command == "" {
		return invalid(res, "Command must be a non-empty string")
	}

	var args any
	argsText := ""
	if req.Args != nil {
		if _, err := encodeArgs(req.Args); err != nil {
			return invalid(res, "Arguments are not serializable")
		}
		args = sanitizeArgs(req.Args)
		text, err := encodeArgs(args)
		if err != nil {
			return invalid(res, "Arguments are not serializable")
		}
		argsText = text
		if utf8.RuneCountInString(argsText) > v.maxLength {
			return invalid(res, fmt.Sprintf("Arguments too long (max %d characters)", v.maxLength))
		}
	}

	seen := make(map[string]bool)
	addError := func(msg string) {
		if !seen[msg] {
			seen[msg] = true
			res.Errors = append(res.Errors, msg)
		}
	}

	for _, r := range v.rules {
		matched := r.Pattern.MatchString(command)
		if !matched && argsText != "" && r.scansArgs(req.OperationType) {
			matched = r.Pattern.MatchString(argsText)
		}
		if !matched {
			continue
		}
		if r.Severity > res.RiskLevel {
			res.RiskLevel = r.Severity
		}
		if r.Severity == RiskCritical {
			addError(r.Message)
		}
	}

	if kw, ok := detectObfuscation(command); ok {
		res.RiskLevel = RiskCritical
		addError("Obfuscated dangerous keyword detected: " + kw)
	}

	res.Sanitized = SanitizedInput{Command: command, Args: args}
	res.IsValid = res.RiskLevel != RiskCritical
	return res
}

// encodeArgs renders args as JSON without HTML escaping, so markup in
// arguments is scanned as written.
func encodeArgs(args any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func invalid(res ValidationResult, msg string) ValidationResult {
	res.IsValid = false
	res.RiskLevel = RiskCritical
	res.Errors = append(res.Errors, msg)
	return res
}

// detectObfuscation decodes common rebuild tricks and reports the first
// denylisted keyword hidden behind them. Keywords already visible in the
// raw command are reported by the plain rules. Best effort, not exhaustive.
func detectObfuscation(cmd string) (string, bool) {
	for _, candidate := range decodeCandidates(cmd) {
		for i, p := range keywordPatterns {
			if p.MatchString(candidate) && !p.MatchString(cmd) {
				return DangerousKeywords[i], true
			}
		}
	}
	return "", false
}

func decodeCandidates(cmd string) []string {
	var out []string

	for _, m := range fromCharCodeRe.FindAllStringSubmatch(cmd, -1) {
		if s, ok := decodeCharCodes(m[1]); ok {
			out = append(out, s)
		}
	}

	if hexEscapeRe.MatchString(cmd) || unicodeEscapeRe.MatchString(cmd) || unicodeBraceRe.MatchString(cmd) {
		decoded := hexEscapeRe.ReplaceAllStringFunc(cmd, decodeEscape(hexEscapeRe))
		decoded = unicodeEscapeRe.ReplaceAllStringFunc(decoded, decodeEscape(unicodeEscapeRe))
		decoded = unicodeBraceRe.ReplaceAllStringFunc(decoded, decodeEscape(unicodeBraceRe))
		out = append(out, decoded)
	}

	if stringConcatRe.MatchString(cmd) {
		out = append(out, stringConcatRe.ReplaceAllString(cmd, ""))
	}

	if templatePieceRe.MatchString(cmd) {
		folded := templatePieceRe.ReplaceAllString(cmd, "${1}")
		out = append(out, folded, stringConcatRe.ReplaceAllString(folded, ""))
	}

	for _, m := range atobLiteralRe.FindAllStringSubmatch(cmd, -1) {
		raw := strings.Join(strings.Fields(m[1]), "")
		if data, err := base64.StdEncoding.DecodeString(raw); err == nil {
			out = append(out, string(data))
		}
	}
	return out
}

func decodeCharCodes(list string) (string, bool) {
	var sb strings.Builder
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 0, 32)
		if err != nil || n < 0 || n > unicode.MaxRune {
			return "", false
		}
		sb.WriteRune(rune(n))
	}
	return sb.String(), sb.Len() > 0
}

func decodeEscape(re *regexp.Regexp) func(string) string {
	return func(m string) string {
		sub := re.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		n, err := strconv.ParseInt(sub[1], 16, 32)
		if err != nil || n > unicode.MaxRune {
			return m
		}
		return string(rune(n))
	}
}

// sanitizeString strips control characters other than newline and tab.
func sanitizeString(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// sanitizeArgs returns a deep copy of args with every string sanitized.
// The caller's value is never mutated.
func sanitizeArgs(args any) any {
	switch a := args.(type) {
	case nil:
		return nil
	case string:
		return sanitizeString(a)
	case map[string]any:
		out := make(map[string]any, len(a))
		for k, val := range a {
			out[sanitizeString(k)] = sanitizeArgs(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(a))
		for k, val := range a {
			out[sanitizeString(k)] = sanitizeString(val)
		}
		return out
	case []any:
		out := make([]any, len(a))
		for i, val := range a {
			out[i] = sanitizeArgs(val)
		}
		return out
	case []string:
		out := make([]any, len(a))
		for i, val := range a {
			out[i] = sanitizeString(val)
		}
		return out
	case bool, float64, float32, int, int64, int32, json.Number:
		return a
	default:
		// Unknown shapes are normalised through JSON so the copy is detached.
		data, err := json.Marshal(a)
		if err != nil {
			return nil
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil
		}
		return sanitizeArgs(generic)
	}
}
