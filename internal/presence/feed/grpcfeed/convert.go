package grpcfeed

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// kindReady is sent once when a subscription is live on the server.
const kindReady = "ready"

func recordToStruct(r types.ScanRecord) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":           structpb.NewStringValue(r.ID),
		"seq":          structpb.NewNumberValue(float64(r.Seq)),
		"subject_id":   structpb.NewStringValue(r.SubjectID),
		"session_id":   structpb.NewStringValue(r.SessionID),
		"source":       structpb.NewStringValue(string(r.Source)),
		"direction":    structpb.NewStringValue(string(r.Direction)),
		"captured_at":  structpb.NewStringValue(formatTime(r.CapturedAt)),
		"committed_at": structpb.NewStringValue(formatTime(r.CommittedAt)),
	}}
}

func recordFromStruct(s *structpb.Struct) (types.ScanRecord, error) {
	f := s.GetFields()
	r := types.ScanRecord{
		ID:        f["id"].GetStringValue(),
		Seq:       int64(f["seq"].GetNumberValue()),
		SubjectID: f["subject_id"].GetStringValue(),
		SessionID: f["session_id"].GetStringValue(),
		Source:    types.Source(f["source"].GetStringValue()),
		Direction: types.Direction(f["direction"].GetStringValue()),
	}
	if r.ID == "" {
		return types.ScanRecord{}, fmt.Errorf("record without id")
	}

	var err error
	if r.CapturedAt, err = parseTime(f["captured_at"].GetStringValue()); err != nil {
		return types.ScanRecord{}, fmt.Errorf("captured_at: %w", err)
	}
	if r.CommittedAt, err = parseTime(f["committed_at"].GetStringValue()); err != nil {
		return types.ScanRecord{}, fmt.Errorf("committed_at: %w", err)
	}
	return r, nil
}

func eventToStruct(ev types.ChangeEvent) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":   structpb.NewStringValue(string(ev.Kind)),
		"record": structpb.NewStructValue(recordToStruct(ev.Record)),
	}}
}

// eventFromStruct decodes a stream message. ready reports the server's
// readiness marker, which carries no event.
func eventFromStruct(s *structpb.Struct) (ev types.ChangeEvent, ready bool, err error) {
	kind := s.GetFields()["kind"].GetStringValue()
	if kind == kindReady {
		return types.ChangeEvent{}, true, nil
	}
	if ev.Kind, err = types.ParseChangeKind(kind); err != nil {
		return types.ChangeEvent{}, false, err
	}
	if ev.Record, err = recordFromStruct(s.GetFields()["record"].GetStructValue()); err != nil {
		return types.ChangeEvent{}, false, err
	}
	return ev, false, nil
}

func readyMessage() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind": structpb.NewStringValue(kindReady),
	}}
}

func subscribeRequest(sessionID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id": structpb.NewStringValue(sessionID),
	}}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
