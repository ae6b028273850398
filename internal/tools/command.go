package tools

import (
	"context"
	"errors"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/security"
)

// ErrNoTarget is returned by tools that need a live target when none is wired.
var ErrNoTarget = errors.New("no target configured")

// Evaluator runs an expression in the live target.
// Satisfied by *target.Connector.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string) (any, error)
}

// SendCommand evaluates an arbitrary JavaScript expression in the target.
// The expression is validated and, when the profile enables it, run in the
// sandbox first; only the sanitized command reaches the target.
type SendCommand struct {
	target Evaluator
}

// NewSendCommand creates the send_command tool.
func NewSendCommand(target Evaluator) *SendCommand {
	return &SendCommand{target: target}
}

func (t *SendCommand) Name() string { return "send_command" }

func (t *SendCommand) Description() string {
	return "Evaluate a JavaScript expression in the connected application. " +
		"The expression is risk-classified and sandboxed before it reaches the app."
}

func (t *SendCommand) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "JavaScript expression to evaluate",
			},
			"args": map[string]any{
				"type":        "object",
				"description": "Optional arguments, validated with the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *SendCommand) Permission() access.Permission { return access.PermExecute }

func (t *SendCommand) Operation() security.OperationType { return security.OpCommand }

func (t *SendCommand) Request(params map[string]any) (string, any, error) {
	cmd, err := requireString(params, "command")
	if err != nil {
		return "", nil, err
	}
	return cmd, params["args"], nil
}

func (t *SendCommand) Execute(ctx context.Context, call Approved) (any, error) {
	if t.target == nil {
		return nil, ErrNoTarget
	}
	out, err := t.target.Evaluate(ctx, call.Command)
	if err != nil {
		return nil, err
	}
	res := map[string]any{"result": out}
	if call.Execution != nil && call.Execution.Result != nil && call.Execution.Result != call.Command {
		res["sandbox"] = call.Execution.Result
	}
	return res, nil
}
