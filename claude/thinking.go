package claude

import "strings"

// ThinkingMode selects how much extended thinking the model applies to a
// turn. The CLI recognizes a fixed set of trigger phrases in the prompt;
// higher rungs allocate a larger thinking budget.
type ThinkingMode string

const (
	ThinkingOff    ThinkingMode = ""
	ThinkingNormal ThinkingMode = "think"
	ThinkingHard   ThinkingMode = "think hard"
	ThinkingHarder ThinkingMode = "think harder"
	ThinkingUltra  ThinkingMode = "ultrathink"
)

// thinkingModes lists the valid rungs in ascending order of budget.
var thinkingModes = []ThinkingMode{
	ThinkingOff,
	ThinkingNormal,
	ThinkingHard,
	ThinkingHarder,
	ThinkingUltra,
}

// ValidThinkingMode reports whether s names a recognized mode.
func ValidThinkingMode(s string) bool {
	for _, m := range thinkingModes {
		if string(m) == s {
			return true
		}
	}
	return false
}

// NextThinkingMode returns the rung after m, wrapping from the highest
// back to off. Unknown modes map to off.
func NextThinkingMode(m ThinkingMode) ThinkingMode {
	for i, mode := range thinkingModes {
		if mode == m {
			return thinkingModes[(i+1)%len(thinkingModes)]
		}
	}
	return ThinkingOff
}

// ApplyThinkingMode prefixes text with the mode's trigger phrase. The
// transformation is pure and applied at most once: text already carrying
// the phrase, an empty text, or ThinkingOff pass through unchanged.
func ApplyThinkingMode(mode ThinkingMode, text string) string {
	if mode == ThinkingOff || text == "" {
		return text
	}
	if strings.HasPrefix(text, string(mode)+"\n\n") {
		return text
	}
	return string(mode) + "\n\n" + text
}
