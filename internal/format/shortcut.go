package format

import (
	"strings"

	"github.com/samber/lo"
)

// Shortcut 自定义字符及其快捷键
type Shortcut struct {
	Character        string `json:"character"`
	KeyboardShortcut string `json:"keyboardShortcut"`
}

// KeyCombo 按 Ctrl+Shift+Alt+键 的顺序拼出快捷键，单独的修饰键不计入
func KeyCombo(ctrl, shift, alt bool, key string) string {
	var keys []string
	if ctrl {
		keys = append(keys, "Ctrl")
	}
	if shift {
		keys = append(keys, "Shift")
	}
	if alt {
		keys = append(keys, "Alt")
	}
	switch key {
	case "", "Control", "Shift", "Alt":
	default:
		keys = append(keys, strings.ToUpper(key))
	}
	return strings.Join(keys, "+")
}

// FindShortcut 查找与按键组合匹配的快捷键
func FindShortcut(shortcuts []Shortcut, combo string) (Shortcut, bool) {
	return lo.Find(shortcuts, func(s Shortcut) bool { return s.KeyboardShortcut == combo })
}
