package translate

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestClickByText_EncodesInput(t *testing.T) {
	hostile := `Save"); fetch('//evil'); (` + "\u2028" + `"</script>`
	expr, err := ClickByText(hostile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(expr, `Save");`) {
		t.Error("quote not escaped")
	}
	if strings.Contains(expr, "</script>") || strings.Contains(expr, "\u2028") {
		t.Error("html-sensitive characters not escaped")
	}
	if !strings.Contains(expr, `const wanted = "Save\"); fetch('//evil'); (\u2028\"\u003c/script\u003e";`) {
		t.Errorf("encoded literal missing:\n%s", expr)
	}
}

func TestFillInput(t *testing.T) {
	expr, err := FillInput("#email", "a@b.c")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(expr, `const key = "#email";`) || !strings.Contains(expr, `const value = "a@b.c";`) {
		t.Errorf("arguments not embedded:\n%s", expr)
	}
	if _, err := FillInput("#email", ""); err != nil {
		t.Errorf("empty value rejected: %v", err)
	}
	if _, err := FillInput(" ", "x"); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("blank selector: err = %v", err)
	}
	if _, err := FillInput("#x", strings.Repeat("v", MaxTextLength+1)); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("long value: err = %v", err)
	}
}

func TestParseShortcut(t *testing.T) {
	tests := []struct {
		combo string
		want  string
		code  string
		err   bool
	}{
		{"Ctrl+Shift+K", "Ctrl+Shift+K", "KeyK", false},
		{"cmd+s", "Meta+S", "KeyS", false},
		{"control + alt + delete", "Ctrl+Alt+Delete", "Delete", false},
		{"F5", "F5", "F5", false},
		{"Shift+Tab", "Shift+Tab", "Tab", false},
		{"ctrl+space", "Ctrl+Space", "Space", false},
		{"Ctrl++", "Ctrl++", "Equal", false},
		{"Option+ArrowLeft", "Alt+ArrowLeft", "ArrowLeft", false},
		{"Ctrl+1", "Ctrl+1", "Digit1", false},
		{"", "", "", true},
		{"Ctrl", "", "", true},
		{"Ctrl+", "", "", true},
		{"Ctrl+K+J", "", "", true},
		{"Hyper+K", "", "", true},
		{"Ctrl+F13", "", "", true},
		{"Ctrl+é", "", "", true},
		{"Ctrl+PrintScreen", "", "", true},
	}
	for _, tt := range tests {
		sc, err := ParseShortcut(tt.combo)
		if tt.err {
			if !errors.Is(err, ErrInvalidCombo) {
				t.Errorf("ParseShortcut(%q) err = %v, want ErrInvalidCombo", tt.combo, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseShortcut(%q): %v", tt.combo, err)
			continue
		}
		if sc.String() != tt.want || sc.Code != tt.code {
			t.Errorf("ParseShortcut(%q) = %s/%s, want %s/%s", tt.combo, sc, sc.Code, tt.want, tt.code)
		}
	}
}

func TestKeyboardShortcut(t *testing.T) {
	expr, err := KeyboardShortcut("ctrl+shift+k")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"key":"K"`, `"code":"KeyK"`, `"ctrlKey":true`, `"shiftKey":true`, `"altKey":false`, `combo: "Ctrl+Shift+K"`} {
		if !strings.Contains(expr, want) {
			t.Errorf("expression missing %s:\n%s", want, expr)
		}
	}
}

func TestExpression(t *testing.T) {
	tests := []struct {
		verb Verb
		args map[string]any
		err  error
	}{
		{VerbClickByText, map[string]any{"text": "Save"}, nil},
		{VerbClickByText, map[string]any{}, ErrInvalidArgs},
		{VerbClickByText, map[string]any{"text": 42}, ErrInvalidArgs},
		{VerbFillInput, map[string]any{"selector": "Email", "value": "x"}, nil},
		{VerbFillInput, map[string]any{"selector": "Email"}, nil},
		{VerbFillInput, map[string]any{"selector": "Email", "value": true}, ErrInvalidArgs},
		{VerbKeyboardShortcut, map[string]any{"keys": "Ctrl+S"}, nil},
		{VerbKeyboardShortcut, map[string]any{"keys": "Ctrl+Nope"}, ErrInvalidCombo},
		{VerbWindowInfo, nil, nil},
		{"run_shell", nil, ErrUnknownVerb},
	}
	for _, tt := range tests {
		expr, err := Expression(tt.verb, tt.args)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("%s %v: err = %v, want %v", tt.verb, tt.args, err, tt.err)
			}
			continue
		}
		if err != nil || expr == "" {
			t.Errorf("%s %v: (%q, %v)", tt.verb, tt.args, expr, err)
		}
	}
}

type fakeEvaluator struct {
	exprs  []string
	result any
	err    error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, expr string) (any, error) {
	f.exprs = append(f.exprs, expr)
	return f.result, f.err
}

func TestTranslator_Run(t *testing.T) {
	ctx := context.Background()

	ok := &fakeEvaluator{result: map[string]any{"success": true, "tag": "button"}}
	res, err := New(ok).Run(ctx, VerbClickByText, map[string]any{"text": "Save"})
	if err != nil || res.(map[string]any)["tag"] != "button" {
		t.Errorf("Run = %v, %v", res, err)
	}
	if len(ok.exprs) != 1 || !strings.Contains(ok.exprs[0], `"Save"`) {
		t.Errorf("evaluated %v", ok.exprs)
	}

	miss := &fakeEvaluator{result: map[string]any{"success": false, "error": "No visible clickable element contains text: Save"}}
	if _, err := New(miss).Run(ctx, VerbClickByText, map[string]any{"text": "Save"}); !errors.Is(err, ErrActionFailed) {
		t.Errorf("missing element: err = %v", err)
	}

	bad := &fakeEvaluator{}
	if _, err := New(bad).Run(ctx, VerbFillInput, map[string]any{}); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("bad args: err = %v", err)
	}
	if len(bad.exprs) != 0 {
		t.Error("invalid arguments reached the target")
	}

	if _, err := New(nil).Run(ctx, VerbWindowInfo, nil); !errors.Is(err, ErrNoDispatcher) {
		t.Errorf("nil target: err = %v", err)
	}
}

// TestScriptsParse checks every generated expression is valid JavaScript.
func TestScriptsParse(t *testing.T) {
	node, err := exec.LookPath("node")
	if err != nil {
		t.Skip("node not installed")
	}
	click, _ := ClickByText(`it's "quoted" \ back`)
	fill, _ := FillInput(`input[name="q"]`, "line1\nline2")
	keys, _ := KeyboardShortcut("Ctrl+Shift+P")

	dir := t.TempDir()
	for name, expr := range map[string]string{
		"click.js":  click,
		"fill.js":   fill,
		"keys.js":   keys,
		"window.js": WindowInfo(),
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(expr+";\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		out, err := exec.Command(node, "--check", path).CombinedOutput()
		if err != nil {
			t.Errorf("%s does not parse: %v\n%s", name, err, out)
		}
	}
}
