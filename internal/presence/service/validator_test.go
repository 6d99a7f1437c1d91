package service_test

import (
	"testing"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/service"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

func TestDecide(t *testing.T) {
	in := types.SubjectStatus{CheckedIn: true, CanCheckOut: true}
	out := types.SubjectStatus{}

	cases := []struct {
		name   string
		status types.SubjectStatus
		dir    types.Direction
		ok     bool
		reason types.Reason
	}{
		{"in from not checked in", out, types.DirectionIn, true, ""},
		{"in from checked in", in, types.DirectionIn, false, types.ReasonAlreadyCheckedIn},
		{"out from checked in", in, types.DirectionOut, true, ""},
		{"out from not checked in", out, types.DirectionOut, false, types.ReasonNotCheckedInYet},
		{"unknown direction", in, types.Direction("SIDEWAYS"), false, types.ReasonInvalidAttempt},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reason, ok := service.Decide(c.status, c.dir)
			if ok != c.ok || reason != c.reason {
				t.Errorf("Decide = %q,%v; want %q,%v", reason, ok, c.reason, c.ok)
			}
		})
	}
}
