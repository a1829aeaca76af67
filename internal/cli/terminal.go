// Package cli provides the thin formatting and output helpers shared by
// cmd/codemem's subcommands: terminal-width detection for wrapped text and
// JSON marshaling for --json output.
package cli

import (
	"os"
	"strconv"

	"golang.org/x/term"
)

// GetTerminalWidth returns the width of the terminal in columns.
// It tries the following methods in order:
// 1. golang.org/x/term on stdout's file descriptor
// 2. COLUMNS environment variable
// 3. Default to 80 columns.
func GetTerminalWidth() int {
	if width := getWidthFromTerm(); width > 0 {
		return width
	}
	if width := getWidthFromEnv(); width > 0 {
		return width
	}
	return 80
}

// IsInteractive reports whether stdin is a terminal, not a pipe or
// redirect — used to decide whether prompts make sense.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func getWidthFromTerm() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}

// getWidthFromEnv reads the COLUMNS environment variable.
func getWidthFromEnv() int {
	if colStr := os.Getenv("COLUMNS"); colStr != "" {
		if width, err := strconv.Atoi(colStr); err == nil && width > 0 {
			return width
		}
	}
	return 0
}
