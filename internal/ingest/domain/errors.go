package domain

import (
	"errors"
	"fmt"
)

// Client errors: returned synchronously, never retried.
var (
	ErrQuotaExceeded     = errors.New("declared size exceeds quota")
	ErrInvalidMetadata   = errors.New("invalid metadata")
	ErrInvalidPart       = errors.New("invalid part")
	ErrDigestMismatch    = errors.New("digest mismatch")
	ErrDuplicatePart     = errors.New("part already received with a different digest")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionClosed     = errors.New("session is not accepting parts")
	ErrIncompleteUpload  = errors.New("incomplete upload")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrTaskNotFound      = errors.New("task not found")
)

// Validator outcomes: permanent business results.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptStream     = errors.New("corrupt stream")
	ErrEmptyFile         = errors.New("empty file")
)

// ErrPermanent marks task errors that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the orchestrator fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsClientError reports whether err belongs to the caller-facing taxonomy.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrQuotaExceeded, ErrInvalidMetadata, ErrInvalidPart, ErrDigestMismatch,
		ErrDuplicatePart, ErrSessionNotFound, ErrSessionExpired, ErrSessionClosed,
		ErrIncompleteUpload, ErrIllegalTransition, ErrTaskNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidationOutcome reports whether err is a format verdict rather than an
// infrastructure failure.
func IsValidationOutcome(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrCorruptStream) || errors.Is(err, ErrEmptyFile)
}

// Actor identifies which component requests a transition.
type Actor string

const (
	ActorAssembler    Actor = "assembler"
	ActorOrchestrator Actor = "orchestrator"
	ActorReaper       Actor = "reaper"
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
	Actor     Actor
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s by %s (session %s)", ErrIllegalTransition, e.From, e.To, e.Actor, e.SessionID)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
