// Command rcprobe runs resilient UI probe suites against a Rocket.Chat style
// admin web UI.
package main

import (
	"errors"
	"os"

	"github.com/fatih/color"
)

// errRunFailed signals a completed run with failing cases; the report has
// already been printed.
var errRunFailed = errors.New("probe run failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
