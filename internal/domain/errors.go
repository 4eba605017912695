package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Configuration and validation errors are rejected at the
// write boundary; transient store errors are retried on a later dispatcher
// tick; AlreadySent is a benign race on double-claim.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrValidation           = errors.New("validation failed")
	ErrTestsNotPassed       = errors.New("required tests not passed")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrTransientStore       = errors.New("transient store error")
	ErrAlreadySent          = errors.New("dispatch already sent")
)

// GateFailure reports exactly which gates block a moderator from receiving
// tasks, so an administrator sees the outstanding list instead of a generic
// failure. Unwraps to ErrTestsNotPassed.
type GateFailure struct {
	Outstanding []string
}

func (g *GateFailure) Error() string {
	return fmt.Sprintf("%v: %s", ErrTestsNotPassed, strings.Join(g.Outstanding, "; "))
}

func (g *GateFailure) Unwrap() error { return ErrTestsNotPassed }
