package billing

import (
	"errors"
	"net/http"
)

// Outcome is the internal result of handling one provider notification.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeIgnored
	OutcomeStale
	OutcomeUnmapped
	OutcomeRejected
	OutcomeAuthFailed
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	case OutcomeUnmapped:
		return "unmapped"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeTransient:
		return "transient"
	}
	return "unknown"
}

// AckDecision tells the notification sender whether to stop redelivering.
type AckDecision struct {
	// Ack stops redelivery.
	Ack bool
	// Warn marks outcomes an operator should look at.
	Warn bool
	// Outcome is the outcome the decision was made for.
	Outcome Outcome
}

// Decide maps an outcome onto the provider's retry contract.
func Decide(o Outcome) AckDecision {
	switch o {
	case OutcomeApplied, OutcomeDuplicate, OutcomeIgnored:
		return AckDecision{Ack: true, Outcome: o}
	case OutcomeStale, OutcomeUnmapped, OutcomeRejected:
		return AckDecision{Ack: true, Warn: true, Outcome: o}
	case OutcomeAuthFailed:
		return AckDecision{Ack: false, Warn: true, Outcome: o}
	}
	return AckDecision{Ack: false, Warn: true, Outcome: OutcomeTransient}
}

// OutcomeForError classifies a processing error into an outcome.
func OutcomeForError(err error) Outcome {
	if errors.Is(err, ErrNoUserMapping) {
		return OutcomeUnmapped
	}
	switch KindOf(err) {
	case "":
		return OutcomeApplied
	case KindAuthentication:
		return OutcomeAuthFailed
	case KindValidation:
		return OutcomeRejected
	case KindNotFound:
		return OutcomeUnmapped
	}
	return OutcomeTransient
}

// StatusCode translates the decision at the HTTP boundary.
func (d AckDecision) StatusCode() int {
	if d.Ack {
		return http.StatusOK
	}
	if d.Outcome == OutcomeAuthFailed {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
