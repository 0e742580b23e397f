package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// errOut receives status lines so stdout stays clean for generated text.
var errOut io.Writer = os.Stderr

func colorize(attr color.Attribute, text string) string {
	c := color.New(attr)
	if noColor {
		c.DisableColor()
	}
	return c.Sprint(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(errOut, colorize(color.FgGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(errOut, colorize(color.FgRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(errOut, colorize(color.FgYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(color.Bold, label+":")
	fmt.Fprintf(errOut, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(errOut, colorize(color.FgCyan, "→ "+msg))
}
