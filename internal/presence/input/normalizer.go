package input

import (
	"time"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Capture is a framed payload from either device, before it is bound to a
// session and direction.
type Capture struct {
	Source  types.Source
	Payload string
	At      time.Time
}

func Optical(text string, decodedAt time.Time) Capture {
	return Capture{Source: types.SourceOptical, Payload: text, At: decodedAt}
}

func Keyed(payload string, at time.Time) Capture {
	return Capture{Source: types.SourceKeyed, Payload: payload, At: at}
}

// Normalizer converts captures into ScanAttempts. It does no decoding; the
// payload becomes the subject id as-is once it passes the length filter.
type Normalizer struct {
	MinPayloadLen int
}

func (n Normalizer) Normalize(c Capture, sessionID string, dir types.Direction) (types.ScanAttempt, bool) {
	minLen := n.MinPayloadLen
	if minLen <= 0 {
		minLen = DefaultMinPayloadLen
	}
	subject, ok := AcceptPayload(c.Payload, minLen)
	if !ok {
		return types.ScanAttempt{}, false
	}
	return types.ScanAttempt{
		SubjectID:  subject,
		SessionID:  sessionID,
		Source:     c.Source,
		Direction:  dir,
		CapturedAt: c.At,
	}, true
}

func (n Normalizer) FromKeyed(payload string, at time.Time, sessionID string, dir types.Direction) (types.ScanAttempt, bool) {
	return n.Normalize(Keyed(payload, at), sessionID, dir)
}

func (n Normalizer) FromOptical(text string, decodedAt time.Time, sessionID string, dir types.Direction) (types.ScanAttempt, bool) {
	return n.Normalize(Optical(text, decodedAt), sessionID, dir)
}
