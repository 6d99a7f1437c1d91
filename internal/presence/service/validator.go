package service

import (
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Decide applies the IN/OUT state machine to a subject's current status.
//
//	NOT_CHECKED_IN --IN-->  CHECKED_IN
//	CHECKED_IN     --OUT--> NOT_CHECKED_IN
//
// Any other transition is rejected with the reason the operator sees.
func Decide(st types.SubjectStatus, dir types.Direction) (types.Reason, bool) {
	switch dir {
	case types.DirectionIn:
		if st.CheckedIn {
			return types.ReasonAlreadyCheckedIn, false
		}
		return "", true
	case types.DirectionOut:
		if !st.CheckedIn {
			return types.ReasonNotCheckedInYet, false
		}
		return "", true
	}
	return types.ReasonInvalidAttempt, false
}

func rejectionDetail(reason types.Reason, a types.ScanAttempt) string {
	switch reason {
	case types.ReasonAlreadyCheckedIn:
		return a.SubjectID + " is already checked in to this session"
	case types.ReasonNotCheckedInYet:
		return a.SubjectID + " has not checked in to this session yet"
	}
	return ""
}
