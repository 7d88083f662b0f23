package claude

import (
	"strings"
)

// WSLConfig describes how to reach a Claude CLI installed inside a WSL
// distribution from a Windows host.
type WSLConfig struct {
	Enabled    bool   // route the invocation through wsl.exe
	Distro     string // distribution name, e.g. "Ubuntu"
	NodePath   string // optional explicit node binary path inside the distro
	ClaudePath string // optional explicit claude entrypoint path inside the distro
}

// wslBinary is the Windows-side launcher for WSL distributions.
const wslBinary = "wsl.exe"

// ToWSLPath translates a Windows path to its WSL mount form:
// C:\Users\x -> /mnt/c/Users/x. Paths that are already in WSL form
// (or are not drive-rooted Windows paths) pass through unchanged, so
// the translation is idempotent.
func ToWSLPath(path string) string {
	if path == "" {
		return path
	}
	if !isWindowsDrivePath(path) {
		return path
	}

	drive := strings.ToLower(path[:1])
	rest := path[2:]
	rest = strings.ReplaceAll(rest, `\`, "/")
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return "/mnt/" + drive
	}
	return "/mnt/" + drive + "/" + rest
}

// FromWSLPath translates a WSL mount path back to Windows form:
// /mnt/c/Users/x -> C:\Users\x. Non-mount paths pass through unchanged,
// so the translation is idempotent.
func FromWSLPath(path string) string {
	if !strings.HasPrefix(path, "/mnt/") {
		return path
	}
	rest := path[len("/mnt/"):]
	if rest == "" {
		return path
	}
	drive := rest[:1]
	if !isDriveLetter(drive[0]) {
		return path
	}
	if len(rest) > 1 && rest[1] != '/' {
		return path
	}

	tail := ""
	if len(rest) > 1 {
		tail = strings.TrimPrefix(rest[1:], "/")
	}
	winDrive := strings.ToUpper(drive) + ":"
	if tail == "" {
		return winDrive + `\`
	}
	return winDrive + `\` + strings.ReplaceAll(tail, "/", `\`)
}

// wrapWSLCommand rewrites a binary and its arguments into a wsl.exe
// invocation targeting the configured distribution.
func wrapWSLCommand(cfg WSLConfig, binary string, args []string) (string, []string) {
	wslArgs := []string{}
	if cfg.Distro != "" {
		wslArgs = append(wslArgs, "-d", cfg.Distro)
	}
	wslArgs = append(wslArgs, "--")

	if cfg.NodePath != "" && cfg.ClaudePath != "" {
		// Explicit interpreter form for installs where the claude
		// entrypoint is not directly executable.
		wslArgs = append(wslArgs, cfg.NodePath, cfg.ClaudePath)
	} else if cfg.ClaudePath != "" {
		wslArgs = append(wslArgs, cfg.ClaudePath)
	} else {
		wslArgs = append(wslArgs, binary)
	}

	return wslBinary, append(wslArgs, args...)
}

// isWindowsDrivePath reports whether path starts with a drive letter
// and colon, e.g. "C:\..." or "c:/...".
func isWindowsDrivePath(path string) bool {
	if len(path) < 2 || path[1] != ':' {
		return false
	}
	if !isDriveLetter(path[0]) {
		return false
	}
	return len(path) == 2 || path[2] == '\\' || path[2] == '/'
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
