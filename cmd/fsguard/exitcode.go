package main

import "github.com/jingkaihe/fsguard/pkg/api"

// Exit codes of check. Scripts branch on them, so they are part of the CLI
// contract.
const (
	exitAllowed = 0
	exitBlocked = 2
	exitDelayed = 3
)

// exitCodeError ends a command with a status but no message; main returns
// through it so deferred closes still run.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return "" }

func (e *exitCodeError) ExitCode() int { return e.code }

func commandExit(code int) error {
	if code == exitAllowed {
		return nil
	}
	return &exitCodeError{code: code}
}

// verdictExit maps a verdict's action to the check exit status.
func verdictExit(a api.Action) error {
	switch a {
	case api.ActionBlock:
		return commandExit(exitBlocked)
	case api.ActionDelay:
		return commandExit(exitDelayed)
	default:
		return commandExit(exitAllowed)
	}
}
