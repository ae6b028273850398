package translate

import (
	"fmt"
	"strings"
)

// Shortcut is a parsed key combination.
type Shortcut struct {
	Ctrl, Shift, Alt, Meta bool
	Key                    string // KeyboardEvent.key
	Code                   string // KeyboardEvent.code
}

var modifierAliases = map[string]string{
	"ctrl":    "ctrl",
	"control": "ctrl",
	"shift":   "shift",
	"alt":     "alt",
	"option":  "alt",
	"meta":    "meta",
	"cmd":     "meta",
	"command": "meta",
	"super":   "meta",
}

type keyDef struct{ key, code string }

// namedKeys is the allowlist of non-character keys.
var namedKeys = map[string]keyDef{
	"enter":      {"Enter", "Enter"},
	"return":     {"Enter", "Enter"},
	"escape":     {"Escape", "Escape"},
	"esc":        {"Escape", "Escape"},
	"tab":        {"Tab", "Tab"},
	"backspace":  {"Backspace", "Backspace"},
	"delete":     {"Delete", "Delete"},
	"del":        {"Delete", "Delete"},
	"insert":     {"Insert", "Insert"},
	"space":      {" ", "Space"},
	"home":       {"Home", "Home"},
	"end":        {"End", "End"},
	"pageup":     {"PageUp", "PageUp"},
	"pagedown":   {"PageDown", "PageDown"},
	"up":         {"ArrowUp", "ArrowUp"},
	"down":       {"ArrowDown", "ArrowDown"},
	"left":       {"ArrowLeft", "ArrowLeft"},
	"right":      {"ArrowRight", "ArrowRight"},
	"arrowup":    {"ArrowUp", "ArrowUp"},
	"arrowdown":  {"ArrowDown", "ArrowDown"},
	"arrowleft":  {"ArrowLeft", "ArrowLeft"},
	"arrowright": {"ArrowRight", "ArrowRight"},
	"plus":       {"+", "Equal"},
	"minus":      {"-", "Minus"},
	"=":          {"=", "Equal"},
	"-":          {"-", "Minus"},
	",":          {",", "Comma"},
	".":          {".", "Period"},
	"/":          {"/", "Slash"},
	";":          {";", "Semicolon"},
	"[":          {"[", "BracketLeft"},
	"]":          {"]", "BracketRight"},
	"`":          {"`", "Backquote"},
}

func init() {
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("F%d", i)
		namedKeys[strings.ToLower(name)] = keyDef{name, name}
	}
}

// ParseShortcut parses combos like "Ctrl+Shift+K", "cmd+s" or "F5".
// Exactly one non-modifier key is required and every part must be on the
// allowlist.
func ParseShortcut(combo string) (Shortcut, error) {
	var sc Shortcut
	combo = strings.TrimSpace(combo)
	if combo == "" || len(combo) > 64 {
		return sc, fmt.Errorf("%w: %q", ErrInvalidCombo, combo)
	}

	parts := strings.Split(combo, "+")
	// A trailing "+" means the plus key itself: "Ctrl++".
	if strings.HasSuffix(combo, "++") {
		parts = append(parts[:len(parts)-2], "plus")
	}

	for i, raw := range parts {
		p := strings.ToLower(strings.TrimSpace(raw))
		if p == "" {
			return sc, fmt.Errorf("%w: empty part in %q", ErrInvalidCombo, combo)
		}
		if mod, ok := modifierAliases[p]; ok && i < len(parts)-1 {
			switch mod {
			case "ctrl":
				sc.Ctrl = true
			case "shift":
				sc.Shift = true
			case "alt":
				sc.Alt = true
			case "meta":
				sc.Meta = true
			}
			continue
		}
		if i != len(parts)-1 {
			return sc, fmt.Errorf("%w: %q is not a modifier", ErrInvalidCombo, raw)
		}
		def, ok := lookupKey(p)
		if !ok {
			return sc, fmt.Errorf("%w: key %q is not allowed", ErrInvalidCombo, raw)
		}
		sc.Key, sc.Code = def.key, def.code
	}
	if sc.Key == "" {
		return sc, fmt.Errorf("%w: no key in %q", ErrInvalidCombo, combo)
	}
	return sc, nil
}

func lookupKey(p string) (keyDef, bool) {
	if def, ok := namedKeys[p]; ok {
		return def, true
	}
	if len(p) == 1 {
		c := p[0]
		switch {
		case c >= 'a' && c <= 'z':
			return keyDef{p, "Key" + strings.ToUpper(p)}, true
		case c >= '0' && c <= '9':
			return keyDef{p, "Digit" + p}, true
		}
	}
	return keyDef{}, false
}

// String renders the canonical form, e.g. "Ctrl+Shift+K".
func (s Shortcut) String() string {
	var parts []string
	if s.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if s.Alt {
		parts = append(parts, "Alt")
	}
	if s.Shift {
		parts = append(parts, "Shift")
	}
	if s.Meta {
		parts = append(parts, "Meta")
	}
	key := s.Key
	switch {
	case key == " ":
		key = "Space"
	case len(key) == 1:
		key = strings.ToUpper(key)
	}
	return strings.Join(append(parts, key), "+")
}

type keyboardEventInit struct {
	Key      string `json:"key"`
	Code     string `json:"code"`
	CtrlKey  bool   `json:"ctrlKey"`
	ShiftKey bool   `json:"shiftKey"`
	AltKey   bool   `json:"altKey"`
	MetaKey  bool   `json:"metaKey"`
}

func (s Shortcut) eventInit() keyboardEventInit {
	key := s.Key
	if s.Shift && len(key) == 1 && key[0] >= 'a' && key[0] <= 'z' {
		key = strings.ToUpper(key)
	}
	return keyboardEventInit{
		Key:      key,
		Code:     s.Code,
		CtrlKey:  s.Ctrl,
		ShiftKey: s.Shift,
		AltKey:   s.Alt,
		MetaKey:  s.Meta,
	}
}
