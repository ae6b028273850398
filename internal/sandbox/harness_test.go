package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestIsStatementBody(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"document.title", false},
		{"document.title;", false},
		{"a.b().c", false},
		{"let x = 1; x", true},
		{"const y = 2", true},
		{"return 5", true},
		{"if (a) { b() }", true},
		{"a(); b()", true},
		{"  while (true) {}", true},
		{"returned.value", false},
	}
	for _, tt := range tests {
		if got := isStatementBody(tt.code); got != tt.want {
			t.Errorf("isStatementBody(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestBuildHarness_WrapsExpression(t *testing.T) {
	if body := userBody("document.title;"); !strings.Contains(body, "return (\ndocument.title\n);") {
		t.Errorf("expression not wrapped in return:\n%s", body)
	}
	if body := userBody("let a = 1; return a"); !strings.HasPrefix(body, "\"use strict\";\nlet a") {
		t.Errorf("statement body = %q", body)
	}
	src := string(buildHarness("document.title;"))
	if !strings.HasPrefix(src, `"use strict";`) {
		t.Error("harness is not strict mode")
	}
}

func TestBuildHarness_CodeIsStringLiteral(t *testing.T) {
	code := "return 1}\nescaped();\nfunction pad(){"
	src := string(buildHarness(code))

	literal, err := json.Marshal(userBody(code))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(src, "const userBody = "+string(literal)+";") {
		t.Errorf("code not embedded as a string literal:\n%s", src)
	}
	if strings.Contains(src, "\nescaped();") {
		t.Errorf("code appears as harness source:\n%s", src)
	}
	if strings.Count(src, "escaped();") != 1 {
		t.Errorf("code embedded more than once:\n%s", src)
	}
}

// runHarness bypasses the static check to exercise the harness itself.
func runHarness(t *testing.T, code string) map[string]any {
	t.Helper()
	node, err := exec.LookPath("node")
	if err != nil {
		t.Skip("node not available")
	}
	sbx, root := newTestProcessSandbox(t)
	out, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{node, "--disallow-code-generation-from-strings", harnessFile},
		Files:   map[string][]byte{harnessFile: buildHarness(code)},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	assertEmptyDir(t, root)

	var got map[string]any
	if err := json.Unmarshal([]byte(lastLine(out.Stdout)), &got); err != nil {
		t.Fatalf("harness output %q: %v", out.Stdout, err)
	}
	return got
}

func TestHarness_ShadowsNodeGlobals(t *testing.T) {
	got := runHarness(t, "[typeof process, typeof require, typeof module, typeof exports, typeof __dirname, typeof __filename, typeof global, typeof Buffer]")
	if got["success"] != true {
		t.Fatalf("harness failed: %v", got)
	}
	for i, v := range got["result"].([]any) {
		if v != "undefined" {
			t.Errorf("global %d = %v, want undefined", i, v)
		}
	}
}

func TestHarness_DisallowsCodeGeneration(t *testing.T) {
	got := runHarness(t, `[].map.constructor("return 1")()`)
	if got["success"] != false {
		t.Fatalf("code generation from strings succeeded: %v", got)
	}
}

func TestHarness_BraceCannotEscapeClosure(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "escaped")
	tests := []struct {
		name string
		code string
	}{
		{"statement body", "return 1}\nmodule[`re${''}quire`](`fs`).writeFileSync(" + strconv.Quote(marker) + ", `x`);\nfunction pad(){"},
		{"expression body", "1)}\nmodule[`re${''}quire`](`fs`).writeFileSync(" + strconv.Quote(marker) + ", `x`)\nfunction pad(){(1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runHarness(t, tt.code)
			if got["success"] != false {
				t.Fatalf("unbalanced body ran: %v", got)
			}
			if msg, _ := got["error"].(string); !strings.Contains(msg, "Unexpected") {
				t.Errorf("error = %q, want a syntax error", msg)
			}
			if _, err := os.Stat(marker); !os.IsNotExist(err) {
				t.Errorf("marker file exists: %v", err)
			}
		})
	}
}

func TestHarness_NoModuleScope(t *testing.T) {
	got := runHarness(t, "[typeof this, typeof exports, typeof Buffer]")
	if got["success"] != true {
		t.Fatalf("harness failed: %v", got)
	}
	for i, v := range got["result"].([]any) {
		if v != "undefined" {
			t.Errorf("binding %d = %v, want undefined", i, v)
		}
	}
}
