package security

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func containsError(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestValidateCommand_RiskLevels(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		command string
		want    RiskLevel
		valid   bool
	}{
		{"title read", "document.title", RiskLow, true},
		{"href read", "window.location.href", RiskLow, true},
		{"random", "Math.random()", RiskLow, true},
		{"literal", "42", RiskLow, true},
		{"strict compare", "a === b", RiskLow, true},
		{"arrow fn", "[1,2].map(x => x * 2)", RiskLow, true},
		{"click", "document.querySelector('#ok').click()", RiskLow, true},
		{"value assignment", "document.querySelector('#q').value = 'x'", RiskMedium, true},
		{"compound", "count += 1", RiskMedium, true},
		{"cookie", "document.cookie", RiskMedium, true},
		{"storage", "localStorage.getItem('k')", RiskMedium, true},
		{"dispatch", "el.dispatchEvent(new Event('input'))", RiskMedium, true},
		{"inner html", "document.body.innerHTML = '<b>x</b>'", RiskHigh, true},
		{"navigation", "location.href = 'https://example.com'", RiskHigh, true},
		{"window open", "window.open('https://example.com')", RiskHigh, true},
		{"string timer", "setTimeout('x()', 10)", RiskHigh, true},
		{"eval", `eval("1")`, RiskCritical, false},
		{"script tag", "'<script>alert(1)</script>'", RiskCritical, false},
		{"js url", "a.href = 'javascript:alert(1)'", RiskCritical, false},
		{"handler", "el.onclick = go", RiskCritical, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateCommand(CommandRequest{Command: tt.command, OperationType: OpCommand})
			if res.RiskLevel != tt.want {
				t.Errorf("risk = %s, want %s (errors %v)", res.RiskLevel, tt.want, res.Errors)
			}
			if res.IsValid != tt.valid {
				t.Errorf("valid = %v, want %v", res.IsValid, tt.valid)
			}
		})
	}
}

func TestValidateCommand_DenylistCoverage(t *testing.T) {
	v := NewValidator()
	for _, kw := range []string{"eval", "require", "child_process", "process", "fetch", "XMLHttpRequest", "WebSocket", "globalThis", "__proto__"} {
		cmd := fmt.Sprintf("document.querySelector('#a') && %s", kw)
		res := v.ValidateCommand(CommandRequest{Command: cmd, OperationType: OpCommand})
		if res.IsValid || res.RiskLevel != RiskCritical {
			t.Errorf("%s: valid=%v risk=%s, want blocked critical", kw, res.IsValid, res.RiskLevel)
		}
		if !containsError(res.Errors, "Dangerous keyword detected: "+kw) {
			t.Errorf("%s: errors = %v", kw, res.Errors)
		}
	}
}

func TestValidateCommand_Import(t *testing.T) {
	res := NewValidator().ValidateCommand(CommandRequest{Command: "import ('x')"})
	if res.IsValid || !containsError(res.Errors, "import(") {
		t.Errorf("dynamic import not flagged: %+v", res)
	}
}

func TestValidateCommand_XSSMessage(t *testing.T) {
	res := NewValidator().ValidateCommand(CommandRequest{Command: "'<SCRIPT src=x>'"})
	if res.IsValid || !containsError(res.Errors, "Potential XSS pattern detected") {
		t.Errorf("xss not flagged: %+v", res)
	}
}

func TestValidateCommand_Rejections(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name string
		req  CommandRequest
		want string
	}{
		{"empty", CommandRequest{Command: ""}, "non-empty"},
		{"whitespace", CommandRequest{Command: "   \n"}, "non-empty"},
		{"too long", CommandRequest{Command: strings.Repeat("a", 10000)}, "Command too long"},
		{"bad op", CommandRequest{Command: "1", OperationType: "shell"}, "Invalid operation type"},
		{"args too long", CommandRequest{Command: "1", Args: strings.Repeat("b", 6000)}, "Arguments too long"},
		{"args not serializable", CommandRequest{Command: "1", Args: func() {}}, "not serializable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateCommand(tt.req)
			if res.IsValid || res.RiskLevel != RiskCritical {
				t.Fatalf("valid=%v risk=%s, want rejected", res.IsValid, res.RiskLevel)
			}
			if !containsError(res.Errors, tt.want) {
				t.Errorf("errors = %v, want %q", res.Errors, tt.want)
			}
		})
	}
}

func TestValidateCommand_LengthCapIsRunes(t *testing.T) {
	cmd := strings.Repeat("é", MaxCommandLength)
	res := NewValidator().ValidateCommand(CommandRequest{Command: "'" + cmd[:len(cmd)-4] + "'"})
	if containsError(res.Errors, "too long") {
		t.Errorf("multi-byte command under the rune cap rejected: %v", res.Errors)
	}
}

func TestValidateCommand_Obfuscation(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		command string
		keyword string
	}{
		{"String.fromCharCode(101, 118, 97, 108)", "eval"},
		{"String.fromCharCode(0x66,0x65,0x74,0x63,0x68)", "fetch"},
		{`'ev' + 'al'`, "eval"},
		{`window["pro" + "cess"]`, "process"},
		{`"\x65\x76\x61\x6c"`, "eval"},
		{`"\u{66}etch"`, "fetch"},
		{`atob('ZXZhbA==')`, "eval"},
		{"module[`re${''}quire`]", "require"},
		{"return 1}\nmodule[`re${''}quire`](`child_proc${''}ess`).execSync(`touch /tmp/x`);\nfunction pad(){", "require"},
		{"x[`ev${\"\"}` + 'al']", "eval"},
	}
	for _, tt := range tests {
		res := v.ValidateCommand(CommandRequest{Command: tt.command})
		if res.IsValid || res.RiskLevel != RiskCritical {
			t.Errorf("%s: valid=%v risk=%s, want blocked", tt.command, res.IsValid, res.RiskLevel)
		}
		if !containsError(res.Errors, "Obfuscated dangerous keyword detected: "+tt.keyword) {
			t.Errorf("%s: errors = %v", tt.command, res.Errors)
		}
	}
}

func TestValidateCommand_ArgsScanned(t *testing.T) {
	res := NewValidator().ValidateCommand(CommandRequest{
		Command:       "document.title",
		Args:          map[string]any{"text": "x", "extra": []any{"fetch('/steal')"}},
		OperationType: OpCommand,
	})
	if res.IsValid || !containsError(res.Errors, "fetch") {
		t.Errorf("keyword in args not flagged: %+v", res)
	}
}

func TestValidateCommand_InteractionArgsAreData(t *testing.T) {
	v := NewValidator()
	for _, value := range []string{"constructor notes", "global settings", "fetch the report"} {
		res := v.ValidateCommand(CommandRequest{
			Command:       "fill_input",
			Args:          map[string]any{"selector": "#notes", "value": value},
			OperationType: OpInteraction,
		})
		if !res.IsValid {
			t.Errorf("%q: blocked as %s: %v", value, res.RiskLevel, res.Errors)
		}
	}

	res := v.ValidateCommand(CommandRequest{
		Command:       "eval",
		Args:          map[string]any{"text": "Save"},
		OperationType: OpInteraction,
	})
	if res.IsValid {
		t.Error("keyword in interaction command passed")
	}
}

func TestValidateCommand_ControlCharacters(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name    string
		command string
		args    any
	}{
		{"inside keyword", "ev\x01al(\"1+1\")", nil},
		{"nul split", "fe\x00tch('/x')", nil},
		{"escape split", "re\x1bquire('fs')", nil},
		{"in args", "document.title", map[string]any{"x": "pro\x07cess.exit()"}},
		{"rebuilt", "'ev\x02' + 'al'", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateCommand(CommandRequest{Command: tt.command, Args: tt.args, OperationType: OpCommand})
			if res.IsValid || res.RiskLevel != RiskCritical {
				t.Errorf("valid=%v risk=%s sanitized=%q", res.IsValid, res.RiskLevel, res.Sanitized.Command)
			}
		})
	}

	res := v.ValidateCommand(CommandRequest{Command: "\x01\x02"})
	if res.IsValid || !containsError(res.Errors, "non-empty") {
		t.Errorf("control-only command: %+v", res)
	}
}

func TestValidateCommand_MarkupInArgs(t *testing.T) {
	res := NewValidator().ValidateCommand(CommandRequest{
		Command:       "fill_input",
		Args:          map[string]any{"value": "<script>alert(1)</script>"},
		OperationType: OpInteraction,
	})
	if res.IsValid || !containsError(res.Errors, "XSS") {
		t.Errorf("markup in args not flagged: %+v", res)
	}
}

func TestValidateCommand_RiskRulesIgnoreArgs(t *testing.T) {
	res := NewValidator().ValidateCommand(CommandRequest{
		Command:       "#email",
		Args:          map[string]any{"value": "a=b"},
		OperationType: OpInteraction,
	})
	if !res.IsValid || res.RiskLevel != RiskLow {
		t.Errorf("plain value raised risk: %+v", res)
	}
}

func TestValidateCommand_Sanitizes(t *testing.T) {
	args := map[string]any{"label\x07": "Na\x00me", "list": []any{"a\x1b", 1.5, true}}
	res := NewValidator().ValidateCommand(CommandRequest{
		Command: "  document.title\x00\n",
		Args:    args,
	})
	if res.Sanitized.Command != "document.title" {
		t.Errorf("command = %q", res.Sanitized.Command)
	}
	got, ok := res.Sanitized.Args.(map[string]any)
	if !ok {
		t.Fatalf("args = %T", res.Sanitized.Args)
	}
	want := map[string]any{"label": "Name", "list": []any{"a", 1.5, true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %#v, want %#v", got, want)
	}
	if args["label\x07"] != "Na\x00me" {
		t.Error("caller args were mutated")
	}
}

func TestValidateCommand_Deterministic(t *testing.T) {
	v := NewValidator()
	inputs := []CommandRequest{
		{Command: "document.title"},
		{Command: `eval("x")`},
		{Command: "el.value = 1", Args: map[string]any{"k": "v"}},
		{Command: "'ev'+'al'"},
	}
	for _, in := range inputs {
		first := v.ValidateCommand(in)
		for i := 0; i < 5; i++ {
			again := v.ValidateCommand(in)
			if !reflect.DeepEqual(first, again) {
				t.Fatalf("%q: result changed between calls: %+v vs %+v", in.Command, first, again)
			}
		}
	}
}

func TestDefaultRules_Table(t *testing.T) {
	ids := make(map[string]bool)
	for _, r := range DefaultRules() {
		if r.ID == "" || r.Pattern == nil || r.Message == "" {
			t.Errorf("incomplete rule: %+v", r)
		}
		if ids[r.ID] {
			t.Errorf("duplicate rule id %s", r.ID)
		}
		ids[r.ID] = true
	}
	for _, kw := range DangerousKeywords {
		if !ids["keyword."+kw] {
			t.Errorf("no rule for keyword %s", kw)
		}
	}
}

func FuzzValidateCommand(f *testing.F) {
	for _, seed := range []string{
		"document.title", `eval("1")`, "'ev'+'al'", "String.fromCharCode(101,118,97,108)",
		"<script>", "a = b", strings.Repeat("x", 5001), "", "\x00",
	} {
		f.Add(seed)
	}
	v := NewValidator()
	f.Fuzz(func(t *testing.T, cmd string) {
		res := v.ValidateCommand(CommandRequest{Command: cmd})
		if res.IsValid != (res.RiskLevel != RiskCritical) {
			t.Fatalf("valid=%v but risk=%s", res.IsValid, res.RiskLevel)
		}
		for _, p := range keywordPatterns {
			if p.MatchString(res.Sanitized.Command) && res.IsValid {
				t.Fatalf("denylisted keyword passed: %q", cmd)
			}
		}
		if again := v.ValidateCommand(CommandRequest{Command: cmd}); !reflect.DeepEqual(res, again) {
			t.Fatalf("non-deterministic result for %q", cmd)
		}
	})
}
