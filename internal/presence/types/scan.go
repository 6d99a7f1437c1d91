package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidDirection = errors.New("direction must be IN or OUT")
	ErrInvalidSource    = errors.New("source must be OPTICAL or KEYED")
)

// Source identifies the device that produced a scan.
type Source string

const (
	SourceOptical Source = "OPTICAL"
	SourceKeyed   Source = "KEYED"
)

func ParseSource(s string) (Source, error) {
	switch Source(strings.ToUpper(strings.TrimSpace(s))) {
	case SourceOptical:
		return SourceOptical, nil
	case SourceKeyed:
		return SourceKeyed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, s)
}

// Direction is the transition requested by the operator's current mode.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case DirectionIn:
		return DirectionIn, nil
	case DirectionOut:
		return DirectionOut, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// ScanAttempt is a candidate event that has not been validated yet.
type ScanAttempt struct {
	SubjectID  string    `json:"subject_id"`
	SessionID  string    `json:"session_id"`
	Source     Source    `json:"source"`
	Direction  Direction `json:"direction"`
	CapturedAt time.Time `json:"captured_at"`
}

// ScanRecord is a committed attempt. Records are immutable; ID and Seq are
// assigned by the store when the write succeeds.
type ScanRecord struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	SubjectID   string    `json:"subject_id"`
	SessionID   string    `json:"session_id"`
	Source      Source    `json:"source"`
	Direction   Direction `json:"direction"`
	CapturedAt  time.Time `json:"captured_at"`
	CommittedAt time.Time `json:"committed_at"`
}

func (r ScanRecord) Attempt() ScanAttempt {
	return ScanAttempt{
		SubjectID:  r.SubjectID,
		SessionID:  r.SessionID,
		Source:     r.Source,
		Direction:  r.Direction,
		CapturedAt: r.CapturedAt,
	}
}

// SubjectStatus is derived from SessionHistory for one (subject, session) pair.
type SubjectStatus struct {
	SubjectID   string      `json:"subject_id"`
	SessionID   string      `json:"session_id"`
	LastRecord  *ScanRecord `json:"last_record,omitempty"`
	CheckedIn   bool        `json:"is_checked_in"`
	CanCheckOut bool        `json:"can_check_out"`
}
