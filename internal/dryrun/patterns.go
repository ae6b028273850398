package dryrun

import (
	"regexp"

	"github.com/jkaninda/tether/internal/security"
)

// Category is the kind of operation a command performs.
type Category string

const (
	CategoryDOMManipulation Category = "dom_manipulation"
	CategoryUIInteraction   Category = "ui_interaction"
	CategoryDataExtraction  Category = "data_extraction"
	CategoryNavigation      Category = "navigation"
	CategoryCodeExecution   Category = "code_execution"
	CategoryGeneral         Category = "general"
)

type categoryRule struct {
	category Category
	patterns []*regexp.Regexp
}

// categoryRules is evaluated in order and the first match wins.
// code_execution comes last so DOM code that merely mentions an
// evaluator is classified by what it does to the page.
var categoryRules = []categoryRule{
	{CategoryDOMManipulation, []*regexp.Regexp{
		regexp.MustCompile(`\.(innerHTML|outerHTML|textContent|innerText)\s*=[^=]`),
		regexp.MustCompile(`\b(appendChild|removeChild|insertBefore|replaceChild|replaceWith|insertAdjacentHTML|setAttribute|removeAttribute)\s*\(`),
		regexp.MustCompile(`\bclassList\.(add|remove|toggle|replace)\s*\(`),
		regexp.MustCompile(`\bdocument\.(createElement|createTextNode)\s*\(`),
		regexp.MustCompile(`\.style\.\w+\s*=[^=]`),
		regexp.MustCompile(`\.remove\(\s*\)`),
	}},
	{CategoryUIInteraction, []*regexp.Regexp{
		regexp.MustCompile(`\.(click|focus|blur|select|submit|scrollIntoView|scrollTo|scrollBy)\s*\(`),
		regexp.MustCompile(`\bdispatchEvent\s*\(`),
		regexp.MustCompile(`\bnew\s+(Mouse|Keyboard|Input|Pointer|Focus|Wheel)Event\b`),
		regexp.MustCompile(`\.value\s*=[^=]`),
	}},
	{CategoryDataExtraction, []*regexp.Regexp{
		regexp.MustCompile(`\bdocument\.(querySelector(All)?|getElementById|getElementsBy\w+|title|body|forms|links|images)\b`),
		regexp.MustCompile(`\.(textContent|innerText|innerHTML|value|getAttribute|dataset)\b`),
		regexp.MustCompile(`\b(localStorage|sessionStorage)\b`),
		regexp.MustCompile(`\bdocument\.cookie\b`),
		regexp.MustCompile(`\bgetComputedStyle\s*\(`),
	}},
	{CategoryNavigation, navigationPatterns},
	{CategoryCodeExecution, codeExecutionPatterns},
}

var navigationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(window\.|document\.)?location(\.href)?\s*=[^=]`),
	regexp.MustCompile(`\blocation\.(assign|replace|reload)\s*\(`),
	regexp.MustCompile(`\bhistory\.(pushState|replaceState|back|forward|go)\s*\(`),
	regexp.MustCompile(`\bwindow\.open\s*\(`),
}

var codeExecutionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\b(new\s+)?Function\s*\(`),
	regexp.MustCompile(`\bset(Timeout|Interval)\s*\(\s*['"` + "`" + `]`),
	regexp.MustCompile(`\bimport\s*\(`),
	regexp.MustCompile(`\brequire\s*\(`),
	regexp.MustCompile(`\bnew\s+Worker\s*\(`),
}

// Factor names.
const (
	FactorCodeExecution   = "code_execution"
	FactorNavigation      = "navigation"
	FactorDOMManipulation = "dom_manipulation"
	FactorSensitiveData   = "sensitive_data"
	FactorFilesystem      = "filesystem"
	FactorProcessControl  = "process_control"
	FactorNetwork         = "network"
)

type riskFactor struct {
	name        string
	weight      int
	description string
	patterns    []*regexp.Regexp
}

// riskFactors are independent: every matching factor adds its weight.
var riskFactors = []riskFactor{
	{FactorCodeExecution, 3, "Executes dynamically constructed code", codeExecutionPatterns},
	{FactorNavigation, 2, "Navigates away from the current page", navigationPatterns},
	{FactorDOMManipulation, 1, "Modifies the document structure", categoryRules[0].patterns},
	{FactorSensitiveData, 2, "Touches credentials or stored data", []*regexp.Regexp{
		regexp.MustCompile(`\bdocument\.cookie\b`),
		regexp.MustCompile(`\b(localStorage|sessionStorage|indexedDB)\b`),
		regexp.MustCompile(`(?i)\b(password|passwd|token|secret|credential|api[_-]?key|authorization)s?\b`),
	}},
	{FactorFilesystem, 2, "References filesystem access", []*regexp.Regexp{
		regexp.MustCompile(`\bfs\b`),
		regexp.MustCompile(`\b(readFile|writeFile|appendFile|unlink|mkdir|rmdir|readdir)(Sync)?\b`),
		regexp.MustCompile(`\bfile://`),
		regexp.MustCompile(`\b(FileReader|showOpenFilePicker|showSaveFilePicker|showDirectoryPicker)\b`),
	}},
	{FactorProcessControl, 3, "References process control", []*regexp.Regexp{
		regexp.MustCompile(`\bchild_process\b`),
		regexp.MustCompile(`\b(spawn|execFile|execSync|fork)\s*\(`),
		regexp.MustCompile(`\bprocess\.(exit|kill|abort)\b`),
	}},
	{FactorNetwork, 1, "Makes outbound network requests", []*regexp.Regexp{
		regexp.MustCompile(`\bfetch\s*\(`),
		regexp.MustCompile(`\b(XMLHttpRequest|WebSocket|EventSource)\b`),
		regexp.MustCompile(`\bnavigator\.sendBeacon\b`),
		regexp.MustCompile(`\bhttps?://`),
	}},
}

type scoreThreshold struct {
	min   int
	level security.RiskLevel
}

// scoreThresholds maps an aggregate score to a risk level, highest first.
var scoreThresholds = []scoreThreshold{
	{5, security.RiskCritical},
	{3, security.RiskHigh},
	{1, security.RiskMedium},
}

func levelForScore(score int) security.RiskLevel {
	for _, t := range scoreThresholds {
		if score >= t.min {
			return t.level
		}
	}
	return security.RiskLow
}

const quoted = `'([^']*)'|"([^"]*)"|` + "`([^`]*)`"

var (
	selectorCallRe = regexp.MustCompile(`\b(?:querySelector(?:All)?|closest|matches)\(\s*(?:` + quoted + `)`)
	idCallRe       = regexp.MustCompile(`\bgetElementById\(\s*(?:` + quoted + `)`)
	classCallRe    = regexp.MustCompile(`\bgetElementsByClassName\(\s*(?:` + quoted + `)`)
	urlRe          = regexp.MustCompile(`\b(?:https?|wss?|file)://[^\s'"` + "`" + `<>()\\]+`)
)

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// firstGroup returns the first non-empty capture of a quoted alternation.
func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}
