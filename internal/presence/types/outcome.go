package types

import (
	"fmt"
	"time"
)

type OutcomeKind string

const (
	OutcomeAccepted OutcomeKind = "accepted"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeDropped  OutcomeKind = "dropped"
)

// Reason explains a Rejected or Dropped outcome.
type Reason string

const (
	// Dropped: never surfaced as operator errors.
	ReasonNoise   Reason = "NOISE"
	ReasonBusy    Reason = "BUSY"
	ReasonTooSoon Reason = "TOO_SOON"

	// Rejected: reported to the operator.
	ReasonAlreadyCheckedIn  Reason = "ALREADY_CHECKED_IN"
	ReasonNotCheckedInYet   Reason = "NOT_CHECKED_IN_YET"
	ReasonPersistenceFailed Reason = "PERSISTENCE_FAILED"
	ReasonInvalidAttempt    Reason = "INVALID_ATTEMPT"
)

// Outcome is the result of one SubmitScan call.
type Outcome struct {
	Kind    OutcomeKind  `json:"kind"`
	Reason  Reason       `json:"reason,omitempty"`
	Summary string       `json:"summary,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	Attempt *ScanAttempt `json:"attempt,omitempty"`
	Record  *ScanRecord  `json:"record,omitempty"`
}

func Accepted(rec ScanRecord) Outcome {
	a := rec.Attempt()
	return Outcome{
		Kind:    OutcomeAccepted,
		Summary: Summarize(rec),
		Attempt: &a,
		Record:  &rec,
	}
}

func Rejected(a ScanAttempt, reason Reason, detail string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason, Detail: detail, Attempt: &a}
}

func Dropped(reason Reason) Outcome {
	return Outcome{Kind: OutcomeDropped, Reason: reason}
}

// Summarize renders the human-readable line shown after a successful commit.
func Summarize(rec ScanRecord) string {
	verb := "checked in"
	if rec.Direction == DirectionOut {
		verb = "checked out"
	}
	return fmt.Sprintf("%s %s at %s", rec.SubjectID, verb, rec.CommittedAt.Local().Format(time.TimeOnly))
}
