package sandbox

import (
	"encoding/json"
	"regexp"
	"strings"
)

// harnessFile is the name the harness is written under in the scratch dir.
const harnessFile = "harness.js"

// userParams are the parameter names of the compiled user function. The
// Node globals are bound to undefined, the browser globals to inert proxies.
const userParams = `["process", "global", "globalThis", "require", "module", "exports", "__dirname", "__filename", "Buffer", "console", "document", "window", "navigator", "location", "localStorage", "sessionStorage"]`

// The user body arrives as a JSON string and is compiled with
// vm.compileFunction in a fresh context without string code generation.
// It cannot close the function early: an unbalanced brace is a SyntaxError.
// The runner prints exactly one JSON line.
const harnessHead = `"use strict";
const vm = require("vm");
const userBody = `

const harnessTail = `;
(async function (write) {
  const logs = [];
  const fmt = (v) => {
    if (typeof v === "string") return v;
    try { return JSON.stringify(v); } catch (e) { return String(v); }
  };
  const log = (...args) => { if (logs.length < 100) logs.push(args.map(fmt).join(" ")); };
  const shim = Object.freeze({ log, info: log, warn: log, error: log, debug: log });
  const inert = (name) => new Proxy(function () {}, {
    get(target, prop) {
      if (prop === "then") return undefined;
      if (prop === "toJSON" || prop === Symbol.toPrimitive || prop === "toString") return () => "<" + name + ">";
      return inert(name + "." + String(prop));
    },
    apply() { return inert(name + "()"); },
    construct() { return inert("new " + name); },
    set() { return true; },
    has() { return true; },
  });
  const emit = (obj) => {
    let out;
    try { out = JSON.stringify(obj); } catch (e) { out = JSON.stringify({ success: false, error: "result is not serializable: " + String(e && e.message), logs }); }
    write(out + "\n");
  };
  try {
    const context = vm.createContext({}, { codeGeneration: { strings: false, wasm: false } });
    const user = vm.compileFunction(userBody, ` + userParams + `, { filename: "user.js", parsingContext: context });
    let result = user(undefined, undefined, undefined, undefined, undefined, undefined, undefined, undefined, undefined,
      shim, inert("document"), inert("window"), inert("navigator"), inert("location"), inert("localStorage"), inert("sessionStorage"));
    if (result !== null && typeof result === "object" && typeof result.then === "function") {
      result = await result;
    }
    emit({ success: true, result: result === undefined ? null : result, logs });
  } catch (err) {
    emit({ success: false, error: String((err && err.message) || err), stack: String((err && err.stack) || ""), logs });
  }
})(process.stdout.write.bind(process.stdout));
`

var (
	statementStartRe = regexp.MustCompile(`^(?:let|const|var|if|for|while|do|switch|try|throw|function|class|return)\b`)
	returnRe         = regexp.MustCompile(`\breturn\b`)
)

// userBody is the strict-mode function body for code. Expression-like code
// has its value returned; statement-style code runs as written.
func userBody(code string) string {
	var sb strings.Builder
	sb.WriteString("\"use strict\";\n")
	if isStatementBody(code) {
		sb.WriteString(code)
	} else {
		sb.WriteString("return (\n")
		sb.WriteString(strings.TrimSuffix(strings.TrimSpace(code), ";"))
		sb.WriteString("\n);")
	}
	return sb.String()
}

// buildHarness wraps code in the runner. The code is embedded as a JSON
// string literal, never as source text of the harness itself.
func buildHarness(code string) []byte {
	body, _ := json.Marshal(userBody(code)) // string values always encode
	var sb strings.Builder
	sb.Grow(len(harnessHead) + len(body) + len(harnessTail))
	sb.WriteString(harnessHead)
	sb.Write(body)
	sb.WriteString(harnessTail)
	return []byte(sb.String())
}

func isStatementBody(code string) bool {
	trimmed := strings.TrimSpace(code)
	if statementStartRe.MatchString(trimmed) || returnRe.MatchString(trimmed) {
		return true
	}
	return strings.Contains(strings.TrimSuffix(trimmed, ";"), ";")
}
