package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiDim       = "\033[2m"
	ansiGreen     = "\033[92m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version        string
	BackendURL     string
	OrganizationID string
	ConversationID string
	GatewayURL     string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		" ████████████████████ ",
		"██                  ██",
		"██   ██   ██   ██   ██",
		"██                  ██",
		" ████████████████████ ",
		"      ███             ",
		"    ██                ",
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(line, width))
	}
	fmt.Fprintln(w)

	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("widgetchat %s", version), width))
	}
	if org := strings.TrimSpace(opts.OrganizationID); org != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Organization: %s", org), width))
	}
	if conv := strings.TrimSpace(opts.ConversationID); conv != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Conversation: %s", conv), width))
	}
	if u := strings.TrimSpace(opts.BackendURL); u != "" {
		fmt.Fprintln(w, centerWithAnsi(fmt.Sprintf("Backend: %s", styleURL(u, useANSI)), width))
	}
	if u := strings.TrimSpace(opts.GatewayURL); u != "" {
		fmt.Fprintln(w, centerWithAnsi(fmt.Sprintf("Widget API: %s", styleURL(u, useANSI)), width))
	}
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return ansiCyan + ansiUnderline + url + ansiReset
}

func style(s string, code string, enabled bool) string {
	if !enabled || s == "" {
		return s
	}
	return code + s + ansiReset
}

func center(text string, width int) string {
	if width <= 0 {
		// Non-interactive output.
		return "  " + text
	}

	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}

func stripAnsi(s string) string {
	return strings.NewReplacer(ansiReset, "", ansiBold, "", ansiDim, "", ansiGreen, "", ansiCyan, "", ansiUnderline, "").Replace(s)
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}

	textLen := len([]rune(stripAnsi(text)))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}
