package claude

import (
	"reflect"
	"testing"
)

func TestToWSLPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`C:\Users\dev\project`, "/mnt/c/Users/dev/project"},
		{`c:\Users\dev`, "/mnt/c/Users/dev"},
		{`D:\`, "/mnt/d"},
		{`E:`, "/mnt/e"},
		{"C:/mixed/slashes", "/mnt/c/mixed/slashes"},
		// Already WSL form - idempotent
		{"/mnt/c/Users/dev", "/mnt/c/Users/dev"},
		// Plain POSIX paths pass through
		{"/home/dev/project", "/home/dev/project"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ToWSLPath(tt.input); got != tt.expected {
			t.Errorf("ToWSLPath(%q): expected %q, got %q", tt.input, tt.expected, got)
		}
	}
}

func TestToWSLPath_Idempotent(t *testing.T) {
	inputs := []string{`C:\Users\dev`, "/mnt/c/Users/dev", "/home/dev"}
	for _, in := range inputs {
		once := ToWSLPath(in)
		twice := ToWSLPath(once)
		if once != twice {
			t.Errorf("ToWSLPath not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestFromWSLPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/mnt/c/Users/dev/project", `C:\Users\dev\project`},
		{"/mnt/d", `D:\`},
		{"/mnt/d/", `D:\`},
		// Not mount paths - pass through
		{"/home/dev/project", "/home/dev/project"},
		{`C:\Users\dev`, `C:\Users\dev`},
		{"/mnt/", "/mnt/"},
		{"/mnt/cd/x", "/mnt/cd/x"}, // "cd" is not a drive letter
		{"", ""},
	}

	for _, tt := range tests {
		if got := FromWSLPath(tt.input); got != tt.expected {
			t.Errorf("FromWSLPath(%q): expected %q, got %q", tt.input, tt.expected, got)
		}
	}
}

func TestFromWSLPath_Idempotent(t *testing.T) {
	inputs := []string{"/mnt/c/Users/dev", `C:\Users\dev`, "/home/dev"}
	for _, in := range inputs {
		once := FromWSLPath(in)
		twice := FromWSLPath(once)
		if once != twice {
			t.Errorf("FromWSLPath not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestPathTranslation_RoundTrip(t *testing.T) {
	winPaths := []string{`C:\Users\dev\project`, `D:\data`}
	for _, p := range winPaths {
		if got := FromWSLPath(ToWSLPath(p)); got != p {
			t.Errorf("round trip for %q: got %q", p, got)
		}
	}
}

func TestWrapWSLCommand_Default(t *testing.T) {
	cfg := WSLConfig{Enabled: true, Distro: "Ubuntu"}
	name, args := wrapWSLCommand(cfg, "claude", []string{"-p", "--verbose"})

	if name != "wsl.exe" {
		t.Errorf("expected wsl.exe, got %q", name)
	}
	expected := []string{"-d", "Ubuntu", "--", "claude", "-p", "--verbose"}
	if !reflect.DeepEqual(args, expected) {
		t.Errorf("expected %v, got %v", expected, args)
	}
}

func TestWrapWSLCommand_ExplicitPaths(t *testing.T) {
	cfg := WSLConfig{
		Enabled:    true,
		Distro:     "Ubuntu",
		NodePath:   "/usr/bin/node",
		ClaudePath: "/home/dev/.npm/bin/claude",
	}
	name, args := wrapWSLCommand(cfg, "claude", []string{"-p"})

	if name != "wsl.exe" {
		t.Errorf("expected wsl.exe, got %q", name)
	}
	expected := []string{"-d", "Ubuntu", "--", "/usr/bin/node", "/home/dev/.npm/bin/claude", "-p"}
	if !reflect.DeepEqual(args, expected) {
		t.Errorf("expected %v, got %v", expected, args)
	}
}

func TestWrapWSLCommand_ClaudePathOnly(t *testing.T) {
	cfg := WSLConfig{Enabled: true, Distro: "Debian", ClaudePath: "/usr/local/bin/claude"}
	_, args := wrapWSLCommand(cfg, "claude", nil)

	expected := []string{"-d", "Debian", "--", "/usr/local/bin/claude"}
	if !reflect.DeepEqual(args, expected) {
		t.Errorf("expected %v, got %v", expected, args)
	}
}
