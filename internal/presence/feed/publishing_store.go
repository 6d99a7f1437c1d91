package feed

import (
	"context"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Publisher receives change events after a successful write.
type Publisher interface {
	Publish(types.ChangeEvent)
}

// PublishingStore wraps a ScanStore that has no change feed of its own and
// publishes every successful write, the way a database trigger would.
type PublishingStore struct {
	store.ScanStore
	pub Publisher
}

func NewPublishingStore(s store.ScanStore, pub Publisher) *PublishingStore {
	return &PublishingStore{ScanStore: s, pub: pub}
}

func (p *PublishingStore) Insert(ctx context.Context, a types.ScanAttempt) (types.ScanRecord, error) {
	rec, err := p.ScanStore.Insert(ctx, a)
	if err != nil {
		return rec, err
	}
	p.pub.Publish(types.ChangeEvent{Kind: types.ChangeInsert, Record: rec})
	return rec, nil
}

func (p *PublishingStore) Delete(ctx context.Context, id string) (types.ScanRecord, error) {
	rec, err := p.ScanStore.Delete(ctx, id)
	if err != nil {
		return rec, err
	}
	p.pub.Publish(types.ChangeEvent{Kind: types.ChangeDelete, Record: rec})
	return rec, nil
}
