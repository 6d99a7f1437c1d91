package httpapi

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/input"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// ── Scans ───────────────────────────────────────────────────────────────────

// scanRequest is one optical decode. SessionID and Direction default to the
// station's mode; CapturedAt defaults to the time the request arrived.
type scanRequest struct {
	Payload    string          `json:"payload"`
	SessionID  string          `json:"session_id,omitempty"`
	Direction  types.Direction `json:"direction,omitempty"`
	CapturedAt *time.Time      `json:"captured_at,omitempty"`
}

func scanRequestFromProto(p *structpb.Struct) (scanRequest, error) {
	f := p.GetFields()
	req := scanRequest{
		Payload:   f["payload"].GetStringValue(),
		SessionID: f["session_id"].GetStringValue(),
		Direction: types.Direction(f["direction"].GetStringValue()),
	}
	if s := f["captured_at"].GetStringValue(); s != "" {
		at, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return scanRequest{}, fmt.Errorf("captured_at: %w", err)
		}
		req.CapturedAt = &at
	}
	return req, nil
}

func (r scanRequest) capture(now time.Time) input.Capture {
	at := now
	if r.CapturedAt != nil {
		at = *r.CapturedAt
	}
	return input.Optical(r.Payload, at)
}

func outcomeToProto(o types.Outcome) (*structpb.Struct, error) {
	return toStruct(o)
}

// ── Keys ────────────────────────────────────────────────────────────────────

const keyEnter = "Enter"

var errBadKey = errors.New("key must be a single character or \"Enter\"")

type keyRequest struct {
	Key string     `json:"key"`
	At  *time.Time `json:"at,omitempty"`
}

type keysRequest struct {
	Keys []keyRequest `json:"keys"`
}

func (k keyRequest) event(now time.Time) (input.KeyEvent, error) {
	at := now
	if k.At != nil {
		at = *k.At
	}
	if k.Key == keyEnter {
		return input.KeyEvent{Terminator: true, PressedAt: at}, nil
	}
	if utf8.RuneCountInString(k.Key) != 1 {
		return input.KeyEvent{}, errBadKey
	}
	r, _ := utf8.DecodeRuneInString(k.Key)
	return input.KeyEvent{Char: r, PressedAt: at}, nil
}
