package tools

import (
	"context"
	"fmt"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/security"
	"github.com/jkaninda/tether/internal/translate"
)

// verbRunner runs a pre-built interaction. Satisfied by *translate.Translator.
type verbRunner interface {
	Run(ctx context.Context, verb translate.Verb, args map[string]any) (any, error)
}

// Interaction exposes one translation-layer verb as a tool. The validator
// sees the verb name as the command and the caller's arguments as args, so
// denylisted content in any argument blocks the call before a script is built.
type Interaction struct {
	verb        translate.Verb
	description string
	schema      map[string]any
	perm        access.Permission
	op          security.OperationType
	runner      verbRunner
}

func (t *Interaction) Name() string { return string(t.verb) }

func (t *Interaction) Description() string { return t.description }

func (t *Interaction) InputSchema() map[string]any { return t.schema }

func (t *Interaction) Permission() access.Permission { return t.perm }

func (t *Interaction) Operation() security.OperationType { return t.op }

func (t *Interaction) Request(params map[string]any) (string, any, error) {
	// Build once to reject bad arguments before they are audited as approved.
	if _, err := translate.Expression(t.verb, params); err != nil {
		return "", nil, err
	}
	args := make(map[string]any, len(params))
	for k, v := range params {
		args[k] = v
	}
	return string(t.verb), args, nil
}

func (t *Interaction) Execute(ctx context.Context, call Approved) (any, error) {
	if t.runner == nil {
		return nil, ErrNoTarget
	}
	if call.Command != string(t.verb) {
		return nil, fmt.Errorf("approved command %q does not match verb %q", call.Command, t.verb)
	}
	return t.runner.Run(ctx, t.verb, call.Params)
}

// NewClickByText creates the click_by_text tool.
func NewClickByText(runner verbRunner) *Interaction {
	return &Interaction{
		verb:        translate.VerbClickByText,
		description: "Click the smallest visible clickable element whose text or aria-label contains the given text.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Visible text or aria-label to match (case-insensitive)",
				},
			},
			"required": []string{"text"},
		},
		perm:   access.PermInteract,
		op:     security.OpInteraction,
		runner: runner,
	}
}

// NewFillInput creates the fill_input tool.
func NewFillInput(runner verbRunner) *Interaction {
	return &Interaction{
		verb:        translate.VerbFillInput,
		description: "Set the value of an input found by CSS selector, name, id, placeholder or label text.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector, name, id, placeholder or label text",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "Value to set",
				},
			},
			"required": []string{"selector"},
		},
		perm:   access.PermInteract,
		op:     security.OpInteraction,
		runner: runner,
	}
}

// NewKeyboardShortcut creates the keyboard_shortcut tool.
func NewKeyboardShortcut(runner verbRunner) *Interaction {
	return &Interaction{
		verb:        translate.VerbKeyboardShortcut,
		description: "Dispatch a key combination such as Ctrl+Shift+K to the focused element.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keys": map[string]any{
					"type":        "string",
					"description": "Key combination, e.g. Ctrl+S or Shift+Tab",
				},
			},
			"required": []string{"keys"},
		},
		perm:   access.PermInteract,
		op:     security.OpInteraction,
		runner: runner,
	}
}

// NewWindowInfo creates the window_info tool.
func NewWindowInfo(runner verbRunner) *Interaction {
	return &Interaction{
		verb:        translate.VerbWindowInfo,
		description: "Report the page title, URL, viewport size and focus state of the application window.",
		schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		perm:   access.PermWindowInfo,
		op:     security.OpWindowInfo,
		runner: runner,
	}
}
