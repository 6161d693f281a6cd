/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package browser

import "fmt"

// Keyboard modifier bits as packed into devtools key events.
const (
	ModifierAlt   = 1
	ModifierCtrl  = 2
	ModifierMeta  = 4
	ModifierShift = 8
)

type keyInfo struct {
	code    string
	keyCode int
}

// namedKeys resolves physical code and virtual key code for named key
// symbols the client is likely to send without them.
var namedKeys = map[string]keyInfo{
	"Backspace":  {"Backspace", 8},
	"Tab":        {"Tab", 9},
	"Enter":      {"Enter", 13},
	"Shift":      {"ShiftLeft", 16},
	"Control":    {"ControlLeft", 17},
	"Alt":        {"AltLeft", 18},
	"Pause":      {"Pause", 19},
	"CapsLock":   {"CapsLock", 20},
	"Escape":     {"Escape", 27},
	" ":          {"Space", 32},
	"PageUp":     {"PageUp", 33},
	"PageDown":   {"PageDown", 34},
	"End":        {"End", 35},
	"Home":       {"Home", 36},
	"ArrowLeft":  {"ArrowLeft", 37},
	"ArrowUp":    {"ArrowUp", 38},
	"ArrowRight": {"ArrowRight", 39},
	"ArrowDown":  {"ArrowDown", 40},
	"Insert":     {"Insert", 45},
	"Delete":     {"Delete", 46},
	"Meta":       {"MetaLeft", 91},
	"ContextMenu": {
		"ContextMenu", 93,
	},
}

func init() {
	// F1-F24 occupy contiguous virtual key codes starting at 112.
	for i := 1; i <= 24; i++ {
		name := fmt.Sprintf("F%d", i)
		namedKeys[name] = keyInfo{code: name, keyCode: 111 + i}
	}
}

// lookupKey resolves the physical code and virtual key code for a key
// symbol: named keys use the fixed table, single letters and digits use
// the standard layout, anything else is left unresolved.
func lookupKey(key string) (code string, keyCode int) {
	if info, ok := namedKeys[key]; ok {
		return info.code, info.keyCode
	}
	if len(key) != 1 {
		return "", 0
	}
	c := key[0]
	switch {
	case c >= 'a' && c <= 'z':
		upper := c - 'a' + 'A'
		return "Key" + string(upper), int(upper)
	case c >= 'A' && c <= 'Z':
		return "Key" + string(c), int(c)
	case c >= '0' && c <= '9':
		return "Digit" + string(c), int(c)
	}
	return "", 0
}
