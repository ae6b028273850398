// Package translate turns high-level interaction verbs into JavaScript
// expressions for the live target. Every caller-supplied string is
// JSON-encoded into the script; nothing is concatenated raw.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextLength bounds every string argument of a verb.
const MaxTextLength = 1000

var (
	ErrUnknownVerb  = errors.New("unknown interaction verb")
	ErrInvalidArgs  = errors.New("invalid interaction arguments")
	ErrInvalidCombo = errors.New("invalid keyboard shortcut")
	ErrActionFailed = errors.New("interaction failed")
	ErrNoDispatcher = errors.New("no target connected")
)

// Verb names a pre-built interaction.
type Verb string

const (
	VerbClickByText      Verb = "click_by_text"
	VerbFillInput        Verb = "fill_input"
	VerbKeyboardShortcut Verb = "keyboard_shortcut"
	VerbWindowInfo       Verb = "window_info"
)

// Evaluator runs an expression in the live target.
// Satisfied by *target.Connector and *target.Client.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string) (any, error)
}

// jsString encodes s as a JavaScript string literal. encoding/json escapes
// <, >, &, U+2028 and U+2029, so the result is also safe inside HTML.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func checkText(name, s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgs, name)
	}
	if utf8.RuneCountInString(s) > MaxTextLength {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidArgs, name, MaxTextLength)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrInvalidArgs, name)
	}
	return nil
}

// ClickByText builds an expression that clicks the smallest visible
// clickable element whose text or aria-label contains text.
func ClickByText(text string) (string, error) {
	if err := checkText("text", text); err != nil {
		return "", err
	}
	return fmt.Sprintf(clickByTextScript, jsString(strings.TrimSpace(text))), nil
}

// FillInput builds an expression that sets the value of the input found by
// CSS selector, name, id, placeholder, aria-label or label text, then
// fires input and change events.
func FillInput(selectorOrLabel, value string) (string, error) {
	if err := checkText("selector", selectorOrLabel); err != nil {
		return "", err
	}
	if utf8.RuneCountInString(value) > MaxTextLength {
		return "", fmt.Errorf("%w: value longer than %d characters", ErrInvalidArgs, MaxTextLength)
	}
	return fmt.Sprintf(fillInputScript, jsString(strings.TrimSpace(selectorOrLabel)), jsString(value)), nil
}

// KeyboardShortcut builds an expression that dispatches keydown and keyup
// for a combo such as "Ctrl+Shift+K" on the focused element.
func KeyboardShortcut(combo string) (string, error) {
	sc, err := ParseShortcut(combo)
	if err != nil {
		return "", err
	}
	ev, err := json.Marshal(sc.eventInit())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(keyboardScript, ev, jsString(sc.String())), nil
}

// WindowInfo builds an expression describing the page window.
func WindowInfo() string {
	return windowInfoScript
}

type builder func(args map[string]any) (string, error)

var builders = map[Verb]builder{
	VerbClickByText: func(args map[string]any) (string, error) {
		text, err := stringArg(args, "text")
		if err != nil {
			return "", err
		}
		return ClickByText(text)
	},
	VerbFillInput: func(args map[string]any) (string, error) {
		sel, err := stringArg(args, "selector")
		if err != nil {
			return "", err
		}
		value, err := optionalStringArg(args, "value")
		if err != nil {
			return "", err
		}
		return FillInput(sel, value)
	},
	VerbKeyboardShortcut: func(args map[string]any) (string, error) {
		combo, err := stringArg(args, "keys")
		if err != nil {
			return "", err
		}
		return KeyboardShortcut(combo)
	},
	VerbWindowInfo: func(map[string]any) (string, error) {
		return WindowInfo(), nil
	},
}

// Verbs lists the supported verbs.
func Verbs() []Verb {
	return []Verb{VerbClickByText, VerbFillInput, VerbKeyboardShortcut, VerbWindowInfo}
}

// Expression builds the script for verb from its arguments.
func Expression(verb Verb, args map[string]any) (string, error) {
	build, ok := builders[verb]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}
	return build(args)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %q is required", ErrInvalidArgs, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidArgs, key)
	}
	return s, nil
}

func optionalStringArg(args map[string]any, key string) (string, error) {
	if _, ok := args[key]; !ok {
		return "", nil
	}
	return stringArg(args, key)
}

// Translator builds verb expressions and runs them against the target.
// It does not authorize: callers reach it only after the security manager
// approved the interaction.
type Translator struct {
	target Evaluator
}

// New creates a translator bound to target.
func New(target Evaluator) *Translator {
	return &Translator{target: target}
}

// Run builds and evaluates verb. A script that reports success=false is
// returned as ErrActionFailed.
func (t *Translator) Run(ctx context.Context, verb Verb, args map[string]any) (any, error) {
	expr, err := Expression(verb, args)
	if err != nil {
		return nil, err
	}
	if t.target == nil {
		return nil, ErrNoDispatcher
	}
	res, err := t.target.Evaluate(ctx, expr)
	if err != nil {
		return nil, err
	}
	if m, ok := res.(map[string]any); ok {
		if success, _ := m["success"].(bool); !success {
			msg, _ := m["error"].(string)
			return res, fmt.Errorf("%w: %s", ErrActionFailed, msg)
		}
	}
	return res, nil
}
