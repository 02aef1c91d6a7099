// Package store defines the persistence contract the engine depends on, with an
// in-memory implementation. SQLite lives in internal/repo and badger in store/badgerstore.
package store

import (
	"context"
	"errors"
	"sort"

	"custodyline/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a duplicate id, external reference or event sequence.
	ErrConflict = errors.New("conflict")
)

// Snapshot is one consistent read of a batch and its stored events.
type Snapshot struct {
	Batch  domain.Batch
	Events []domain.Event
}

type Store interface {
	CreateParty(ctx context.Context, p domain.Party) error
	GetParty(ctx context.Context, id string) (domain.Party, error)
	ListParties(ctx context.Context) ([]domain.Party, error)
	UpdatePartyContact(ctx context.Context, id string, contact *domain.Contact, updatedAt string) (domain.Party, error)

	CreateFacility(ctx context.Context, f domain.Facility) error
	GetFacility(ctx context.Context, id string) (domain.Facility, error)
	ListFacilities(ctx context.Context) ([]domain.Facility, error)

	CreateDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	ListDocuments(ctx context.Context) ([]domain.Document, error)

	// CreateBatch stores a new batch together with its Create event.
	CreateBatch(ctx context.Context, b domain.Batch, first domain.Event) error
	LoadBatch(ctx context.Context, id string) (domain.Batch, error)
	LoadBatchByReference(ctx context.Context, ref string) (domain.Batch, error)
	ListBatches(ctx context.Context) ([]domain.Batch, error)
	UpdateBatch(ctx context.Context, b domain.Batch) error

	// AppendEvent stores ev and the batch state it produced in one write.
	AppendEvent(ctx context.Context, ev domain.Event, b domain.Batch) error
	LoadEventsForBatch(ctx context.Context, batchID string) ([]domain.Event, error)
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	Snapshot(ctx context.Context, batchID string) (Snapshot, error)

	SaveAnchor(ctx context.Context, rec domain.AnchorRecord) error
	GetAnchor(ctx context.Context, subjectID string) (domain.AnchorRecord, error)
	ListAnchorsByStatus(ctx context.Context, statuses ...domain.AnchorStatus) ([]domain.AnchorRecord, error)
	AppendAnchorAttempt(ctx context.Context, att domain.AnchorAttempt) error
	ListAnchorAttempts(ctx context.Context, subjectID string) ([]domain.AnchorAttempt, error)

	Close() error
}

// SortEvents orders events by timestamp, breaking ties by sequence.
func SortEvents(events []domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Sequence < events[j].Sequence
	})
}

func CloneBatch(b domain.Batch) domain.Batch {
	b.EventIDs = cloneStrings(b.EventIDs)
	b.DocumentIDs = cloneStrings(b.DocumentIDs)
	if b.DeclaredAssay != nil {
		a := *b.DeclaredAssay
		b.DeclaredAssay = &a
	}
	if b.PriorStatus != nil {
		s := *b.PriorStatus
		b.PriorStatus = &s
	}
	if b.Anchor != nil {
		a := CloneAnchor(*b.Anchor)
		b.Anchor = &a
	}
	return b
}

func CloneEvent(ev domain.Event) domain.Event {
	ev.FromPartyID = cloneString(ev.FromPartyID)
	ev.ToPartyID = cloneString(ev.ToPartyID)
	ev.FromFacilityID = cloneString(ev.FromFacilityID)
	ev.ToFacilityID = cloneString(ev.ToFacilityID)
	ev.DocumentIDs = cloneStrings(ev.DocumentIDs)
	if ev.Quantity != nil {
		q := *ev.Quantity
		ev.Quantity = &q
	}
	if ev.Anchor != nil {
		a := CloneAnchor(*ev.Anchor)
		ev.Anchor = &a
	}
	return ev
}

func CloneAnchor(rec domain.AnchorRecord) domain.AnchorRecord {
	if rec.BlockNumber != nil {
		n := *rec.BlockNumber
		rec.BlockNumber = &n
	}
	rec.ConfirmedAt = cloneString(rec.ConfirmedAt)
	rec.CheckedAt = cloneString(rec.CheckedAt)
	return rec
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
