// Package scrub provides security helpers for removing sensitive data from errors.
package scrub

import (
	"strings"

	"github.com/prilive-com/pipewarden/ado"
)

// TokenFromError removes the bearer token from error messages.
// Transport errors can echo request material (URLs, header dumps) into their
// strings; anything containing the raw token is rewritten before it reaches
// logs or callers. Preserves the error chain for errors.Is/As via Unwrap().
func TokenFromError(err error, token ado.SecretToken) error {
	if err == nil {
		return nil
	}
	tokenVal := token.Value()
	if tokenVal == "" {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, tokenVal) {
		return &scrubbedError{
			msg: strings.ReplaceAll(msg, tokenVal, "[REDACTED]"),
			err: err,
		}
	}
	return err
}

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.err }
