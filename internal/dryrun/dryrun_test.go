package dryrun

import (
	"strings"
	"testing"

	"github.com/jkaninda/tether/internal/security"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		command string
		want    Category
	}{
		{"document.getElementById('main').innerHTML = '<b>x</b>'", CategoryDOMManipulation},
		{"document.body.appendChild(document.createElement('div'))", CategoryDOMManipulation},
		{"document.querySelector('#btn').click()", CategoryUIInteraction},
		{"el.dispatchEvent(new KeyboardEvent('keydown', {key: 'a'}))", CategoryUIInteraction},
		{"document.title", CategoryDataExtraction},
		{"localStorage.getItem('theme')", CategoryDataExtraction},
		{"window.location.href = 'https://example.com'", CategoryNavigation},
		{"history.back()", CategoryNavigation},
		{"eval(payload)", CategoryCodeExecution},
		{"new Function('return 1')()", CategoryCodeExecution},
		{"1 + 2", CategoryGeneral},
		// First match wins: DOM writes outrank the evaluator they contain.
		{"document.body.innerHTML = eval(x)", CategoryDOMManipulation},
		// Identifiers that merely contain "eval" are not code execution.
		{"const evaluation = evaluate(score)", CategoryGeneral},
	}
	for _, tt := range tests {
		if got := Classify(tt.command); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.command, got, tt.want)
		}
	}
}

func TestAnalyzeCommand_RiskScore(t *testing.T) {
	a := NewAnalyzer(nil)
	tests := []struct {
		name    string
		command string
		score   int
		level   security.RiskLevel
		factors []string
	}{
		{"plain click", "document.querySelector('#btn').click()", 0, security.RiskLow, nil},
		{"dom write", "document.getElementById('x').textContent = 'hi'", 1, security.RiskMedium, []string{FactorDOMManipulation}},
		{"outbound fetch", "fetch('https://api.example.com/data')", 1, security.RiskMedium, []string{FactorNetwork}},
		{"stored token", "localStorage.getItem('token')", 2, security.RiskMedium, []string{FactorSensitiveData}},
		{"navigation", "window.location.href = 'https://example.com/next'", 3, security.RiskHigh, []string{FactorNavigation, FactorNetwork}},
		{"eval", "eval(atob(x))", 3, security.RiskHigh, []string{FactorCodeExecution}},
		{"dom plus eval", "document.body.innerHTML = eval(x)", 4, security.RiskHigh, []string{FactorCodeExecution, FactorDOMManipulation}},
		{"file read", "fs.readFileSync('/etc/passwd')", 4, security.RiskHigh, []string{FactorSensitiveData, FactorFilesystem}},
		{"spawn", "require('child_process').exec('id')", 6, security.RiskCritical, []string{FactorCodeExecution, FactorProcessControl}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.AnalyzeCommand(tt.command, nil, Options{})
			if res.RiskScore != tt.score || res.RiskLevel != tt.level {
				t.Errorf("score = %d (%s), want %d (%s)", res.RiskScore, res.RiskLevel, tt.score, tt.level)
			}
			var names []string
			for _, f := range res.Factors {
				names = append(names, f.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.factors, ",") {
				t.Errorf("factors = %v, want %v", names, tt.factors)
			}
		})
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  security.RiskLevel
	}{
		{0, security.RiskLow},
		{1, security.RiskMedium},
		{2, security.RiskMedium},
		{3, security.RiskHigh},
		{4, security.RiskHigh},
		{5, security.RiskCritical},
		{12, security.RiskCritical},
	}
	for _, tt := range tests {
		if got := levelForScore(tt.score); got != tt.want {
			t.Errorf("levelForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestExtractTargets(t *testing.T) {
	text := `document.querySelector("#login .submit").click();
document.getElementById('user').value = 'x';
document.getElementsByClassName(` + "`row`" + `);
document.querySelectorAll('#login .submit');
fetch('https://api.example.com/v1?q=1')`

	got := ExtractTargets(text)
	want := []Target{
		{"selector", "#login .submit"},
		{"element_id", "user"},
		{"class", "row"},
		{"url", "https://api.example.com/v1?q=1"},
	}
	if len(got) != len(want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("targets[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if got := ExtractTargets("1 + 1"); len(got) != 0 {
		t.Errorf("unexpected targets %v", got)
	}
}

func TestAnalyzeCommand_ScansArgs(t *testing.T) {
	res := NewAnalyzer(nil).AnalyzeCommand("openPage", map[string]any{"url": "https://example.com/a"}, Options{})
	if len(res.Targets) != 1 || res.Targets[0].Value != "https://example.com/a" {
		t.Errorf("targets = %v", res.Targets)
	}
	if res.Category != CategoryGeneral {
		t.Errorf("category from args: %s", res.Category)
	}
}

func TestAnalyzeCommand_Plan(t *testing.T) {
	a := NewAnalyzer(nil)

	plain := a.AnalyzeCommand("document.title", nil, Options{})
	wantNames := []string{"validation", "analysis", "permission_check", "target_verification", "execution", "result_validation"}
	assertPlan(t, plain.Plan, wantNames)

	sandboxed := a.AnalyzeCommand("eval(x)", nil, Options{Sandboxed: true})
	wantNames = []string{"validation", "analysis", "permission_check", "sandbox_preparation", "target_verification", "execution", "result_validation"}
	assertPlan(t, sandboxed.Plan, wantNames)
	for _, s := range sandboxed.Plan {
		if s.Name == "execution" && s.RiskLevel != sandboxed.RiskLevel {
			t.Errorf("execution step risk = %s, want %s", s.RiskLevel, sandboxed.RiskLevel)
		}
	}
}

func assertPlan(t *testing.T, plan []Step, names []string) {
	t.Helper()
	if len(plan) != len(names) {
		t.Fatalf("plan has %d steps, want %d", len(plan), len(names))
	}
	for i, s := range plan {
		if s.Number != i+1 || s.Name != names[i] {
			t.Errorf("step %d = %d %s, want %d %s", i, s.Number, s.Name, i+1, names[i])
		}
	}
}

func TestAnalyzeCommand_ValidatorVerdict(t *testing.T) {
	a := NewAnalyzer(security.NewValidator())
	strict, err := security.ProfileForLevel(security.LevelStrict)
	if err != nil {
		t.Fatal(err)
	}

	blocked := a.AnalyzeCommand("eval('1+1')", nil, Options{Profile: &strict})
	if blocked.Verdict == nil || blocked.Verdict.Valid {
		t.Fatalf("verdict = %+v, want invalid", blocked.Verdict)
	}
	if blocked.Decision == nil || blocked.Decision.Allowed || !strings.Contains(blocked.Decision.Reason, "eval") {
		t.Errorf("decision = %+v", blocked.Decision)
	}

	safe := a.AnalyzeCommand("document.title", nil, Options{Profile: &strict})
	if !safe.Verdict.Valid || safe.Decision == nil || !safe.Decision.Allowed {
		t.Errorf("safe read: verdict %+v decision %+v", safe.Verdict, safe.Decision)
	}

	noProfile := a.AnalyzeCommand("document.title", nil, Options{})
	if noProfile.Decision != nil {
		t.Error("decision produced without a profile")
	}
}

func TestAnalyzeCommand_Deterministic(t *testing.T) {
	a := NewAnalyzer(security.NewValidator())
	cmd := "document.querySelector('#a').innerHTML = fetch('https://x.example')"
	first := a.AnalyzeCommand(cmd, nil, Options{Sandboxed: true}).Report()
	for i := 0; i < 5; i++ {
		if got := a.AnalyzeCommand(cmd, nil, Options{Sandboxed: true}).Report(); got != first {
			t.Fatal("report differs between runs")
		}
	}
}

func TestReport(t *testing.T) {
	strict, _ := security.ProfileForLevel(security.LevelStrict)
	res := NewAnalyzer(security.NewValidator()).AnalyzeCommand(
		"window.location.href = 'https://example.com/next'", nil, Options{Profile: &strict})
	report := res.Report()

	for _, want := range []string{
		"DRY RUN REPORT",
		"Category:   navigation",
		"HIGH (score 3)",
		"[url] https://example.com/next",
		"navigation (+2)",
		"BLOCKED",
		"1. validation",
		"Nothing was executed.",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}

	long := NewAnalyzer(nil).AnalyzeCommand(strings.Repeat("a", 500), nil, Options{}).Report()
	if !strings.Contains(long, strings.Repeat("a", reportCommandMax)+"...") {
		t.Error("long command not abbreviated")
	}
}
