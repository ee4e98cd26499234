package main

import "github.com/cotaudit/engine/internal/engineerr"

// exitCodeForErr maps a returned error to the process exit code the error
// taxonomy defines (§7). Errors that never reached the engine (cobra usage
// errors, flag parsing) fall through to ExitCode's default of 5.
func exitCodeForErr(err error) int {
	if code := engineerr.ExitCode(err); code != 0 {
		return code
	}
	return 1
}
