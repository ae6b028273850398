package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/screenshot"
	"github.com/jkaninda/tether/internal/security"
)

// Capturer grabs the target's current frame. Satisfied by *target.Connector.
type Capturer interface {
	CaptureScreenshot(ctx context.Context) ([]byte, error)
}

type imageSaver interface {
	Save(ctx context.Context, name string, image []byte) (*screenshot.Saved, error)
}

// TakeScreenshot captures the application window and persists it through
// the screenshot store, encrypted when the profile requires it.
type TakeScreenshot struct {
	capturer Capturer
	store    imageSaver
	now      func() time.Time
}

// NewTakeScreenshot creates the take_screenshot tool.
func NewTakeScreenshot(capturer Capturer, store imageSaver) *TakeScreenshot {
	return &TakeScreenshot{capturer: capturer, store: store, now: time.Now}
}

func (t *TakeScreenshot) Name() string { return "take_screenshot" }

func (t *TakeScreenshot) Description() string {
	return "Capture the application window. The image is saved to the screenshot directory, " +
		"encrypted unless the security level disables it."
}

func (t *TakeScreenshot) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "File name without extension. Default: screenshot-<timestamp>",
			},
		},
	}
}

func (t *TakeScreenshot) Permission() access.Permission { return access.PermScreenshot }

func (t *TakeScreenshot) Operation() security.OperationType { return security.OpScreenshot }

func (t *TakeScreenshot) Request(params map[string]any) (string, any, error) {
	name, err := optionalString(params, "name")
	if err != nil {
		return "", nil, err
	}
	if name == "" {
		name = fmt.Sprintf("screenshot-%s", t.now().UTC().Format("20060102T150405.000"))
	}
	if strings.ContainsAny(name, `/\`) {
		return "", nil, fmt.Errorf("name %q must not contain path separators", name)
	}
	if err := screenshot.ValidateOutputPath(name); err != nil {
		return "", nil, err
	}
	params["name"] = name
	return "take_screenshot " + name, nil, nil
}

func (t *TakeScreenshot) Execute(ctx context.Context, call Approved) (any, error) {
	if t.capturer == nil || t.store == nil {
		return nil, ErrNoTarget
	}
	name, _ := call.Params["name"].(string)
	img, err := t.capturer.CaptureScreenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	saved, err := t.store.Save(ctx, name, img)
	if err != nil {
		return nil, err
	}
	return saved, nil
}
