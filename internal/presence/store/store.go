package store

import (
	"context"
	"errors"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

var (
	ErrNotFound = errors.New("scan record not found")

	// Insert refuses an attempt that would break the IN/OUT alternation
	// against the subject's last committed direction in the session.
	ErrAlreadyCheckedIn = errors.New("subject already checked in")
	ErrNotCheckedIn     = errors.New("subject not checked in")
)

// CheckSequence is the store-side re-check of the transition, run against
// the last committed direction for (session, subject) while the insert
// holds whatever lock serializes that pair. found is false when the
// subject has no record in the session.
func CheckSequence(last types.Direction, found bool, dir types.Direction) error {
	checkedIn := found && last == types.DirectionIn
	switch {
	case dir == types.DirectionIn && checkedIn:
		return ErrAlreadyCheckedIn
	case dir == types.DirectionOut && !checkedIn:
		return ErrNotCheckedIn
	}
	return nil
}

// ScanStore persists committed scans. Insert assigns the record id, commit
// time and sequence; callers never choose them. Insert also re-checks the
// transition atomically with the write and fails with ErrAlreadyCheckedIn
// or ErrNotCheckedIn, so writers that validated against a stale history
// cannot both land.
type ScanStore interface {
	Insert(ctx context.Context, a types.ScanAttempt) (types.ScanRecord, error)
	List(ctx context.Context, sessionID string) ([]types.ScanRecord, error)
	// Delete removes a record and returns it. Missing ids yield ErrNotFound.
	Delete(ctx context.Context, id string) (types.ScanRecord, error)
}

// ChangeFeed delivers row changes for one session, or for every session when
// sessionID is empty.
//
// onStatus reports Connected once the subscription is live and Connected
// false with an error when the channel breaks; a broken subscription never
// recovers on its own. Neither callback fires after Unsubscribe returns.
type ChangeFeed interface {
	Subscribe(ctx context.Context, sessionID string, onChange func(types.ChangeEvent), onStatus func(types.FeedStatus)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe()
}
