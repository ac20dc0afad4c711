// Package console renders probe output either as plain text on a writer or
// as a terminal page.
package console

import (
	"os"
	"strings"

	"luna-probe/internal/pkg/config"

	"github.com/mattn/go-isatty"
)

// ResolveMode turns a configured mode into plain or tui. auto picks tui
// only when out is a terminal.
func ResolveMode(mode string, out *os.File) string {
	switch strings.ToLower(mode) {
	case config.ConsoleModePlain:
		return config.ConsoleModePlain
	case config.ConsoleModeTUI:
		return config.ConsoleModeTUI
	}
	if out != nil && IsTerminal(out.Fd()) {
		return config.ConsoleModeTUI
	}
	return config.ConsoleModePlain
}

// IsTerminal reports whether fd is an interactive terminal
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
