// Command selfheald runs the self-healing orchestration daemon: it accepts
// job failure events, diagnoses them through the reasoning agent, applies
// catalogued remediations and escalates what it cannot fix.
package main

import (
	"fmt"
	"os"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

func main() {
	if err := Execute(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "selfheald:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration problems to 2 and everything else to 1.
func exitCode(err error) int {
	if sserr.IsValidation(err) || sserr.HasCode(err, sserr.CodeInternalConfiguration) {
		return 2
	}
	return 1
}
