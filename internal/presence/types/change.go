package types

import (
	"errors"
	"fmt"
)

var ErrInvalidChangeKind = errors.New("change kind must be insert, update or delete")

// ChangeKind is the kind of row change carried by the realtime feed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

func ParseChangeKind(s string) (ChangeKind, error) {
	switch k := ChangeKind(s); k {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChangeKind, s)
}

// ChangeEvent is one change-feed notification. Delete events only need
// Record.ID and Record.SessionID.
type ChangeEvent struct {
	Kind   ChangeKind `json:"kind"`
	Record ScanRecord `json:"record"`
}

// FeedStatus reports the connectivity of a change-feed subscription.
type FeedStatus struct {
	Connected bool
	Err       error
}
