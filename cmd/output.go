package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// ── Unified output helpers ────────────────────────────────────────────────────
// All commands use these functions to ensure consistent icon usage and
// indentation throughout persona's CLI output. Icons are coloured when the
// output is a terminal (fatih/color honours NO_COLOR).
//
// Icon semantics:
//   ✓  success / healthy
//   ✗  error / failure          (written to stderr)
//   ⚠  warning
//   ○  skipped / not applicable
//   -  not found / missing
//   ~  neutral info / state change

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	iconOK   = color.New(color.FgGreen).Sprint("✓")
	iconErr  = color.New(color.FgRed).Sprint("✗")
	iconWarn = color.New(color.FgYellow).Sprint("⚠")
	iconSkip = color.New(color.Faint).Sprint("○")
	iconMiss = color.New(color.Faint).Sprint("-")
	iconInfo = color.New(color.FgCyan).Sprint("~")

	bold = color.New(color.Bold).SprintFunc()
)

// printSection prints a top-level section header, e.g. "=== Index ===".
func printSection(title string) {
	fmt.Fprintf(stdout, "\n=== %s ===\n", bold(title))
}

// printBullet prints a grouped-section bullet, e.g. "● Roles:".
func printBullet(title string) {
	fmt.Fprintf(stdout, "\n● %s\n", title)
}

func printLine(w io.Writer, icon, name, msg string) {
	if name == "" {
		fmt.Fprintf(w, "  %s  %s\n", icon, msg)
	} else {
		fmt.Fprintf(w, "  %s  [%s] %s\n", icon, name, msg)
	}
}

// printOK prints a success line.
//   name = "" → "  ✓  msg"
//   name set  → "  ✓  [name] msg"
func printOK(name, msg string) { printLine(stdout, iconOK, name, msg) }

// printErr prints an error line to stderr.
func printErr(name, msg string) { printLine(stderr, iconErr, name, msg) }

// printWarn prints a warning line.
func printWarn(name, msg string) { printLine(stdout, iconWarn, name, msg) }

// printSkip prints a skipped / not-applicable line.
func printSkip(name, msg string) { printLine(stdout, iconSkip, name, msg) }

// printMiss prints a not-found / missing line.
func printMiss(name, msg string) { printLine(stdout, iconMiss, name, msg) }

// printInfo prints a neutral informational / state-change line.
func printInfo(name, msg string) { printLine(stdout, iconInfo, name, msg) }
