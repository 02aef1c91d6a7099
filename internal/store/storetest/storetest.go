// Package storetest is the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/domain"
	"custodyline/internal/store"
)

const ts0 = "2024-01-01T00:00:00.000000000Z"

func str(s string) *string { return &s }

// Run exercises open() against the store contract. Each subtest gets a fresh store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("parties", func(t *testing.T) { testParties(t, open(t)) })
	t.Run("facilities and documents", func(t *testing.T) { testFacilitiesAndDocuments(t, open(t)) })
	t.Run("batches and events", func(t *testing.T) { testBatchesAndEvents(t, open(t)) })
	t.Run("anchors", func(t *testing.T) { testAnchors(t, open(t)) })
}

func testParties(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := domain.Party{ID: "p-1", Name: "Kolwezi Mining", Type: domain.PartyMineOperator, Country: "CD", CreatedAt: ts0, UpdatedAt: ts0}
	require.NoError(t, s.CreateParty(ctx, p))
	assert.ErrorIs(t, s.CreateParty(ctx, p), store.ErrConflict)
	require.NoError(t, s.CreateParty(ctx, domain.Party{ID: "p-2", Name: "Trans Africa", Type: domain.PartyTransporter, Country: "ZM", CreatedAt: "2024-01-02T00:00:00.000000000Z", UpdatedAt: ts0}))

	got, err := s.GetParty(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = s.GetParty(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	updated, err := s.UpdatePartyContact(ctx, "p-1", &domain.Contact{Email: "ops@example.com"}, "2024-02-01T00:00:00.000000000Z")
	require.NoError(t, err)
	require.NotNil(t, updated.Contact)
	assert.Equal(t, "ops@example.com", updated.Contact.Email)
	got, err = s.GetParty(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	_, err = s.UpdatePartyContact(ctx, "missing", nil, ts0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListParties(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p-1", list[0].ID)
	assert.Equal(t, "p-2", list[1].ID)
}

func testFacilitiesAndDocuments(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := domain.Facility{
		ID: "f-1", Name: "Pit 4", Type: domain.FacilityMine, OwnerPartyID: "p-1",
		Location:  domain.Location{Country: "CD", Region: "Lualaba", Coordinates: &domain.Coordinates{Latitude: -10.7, Longitude: 25.5}},
		CreatedAt: ts0,
	}
	require.NoError(t, s.CreateFacility(ctx, f))
	assert.ErrorIs(t, s.CreateFacility(ctx, f), store.ErrConflict)
	got, err := s.GetFacility(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, f, got)
	_, err = s.GetFacility(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	facilities, err := s.ListFacilities(ctx)
	require.NoError(t, err)
	assert.Len(t, facilities, 1)

	d := domain.Document{
		ID: "d-1", Type: "assay-certificate", FileName: "assay.pdf", Confidentiality: "internal",
		Fingerprint: "ab", FingerprintVersion: "1", IssuerPartyID: str("p-1"), CreatedAt: ts0,
	}
	require.NoError(t, s.CreateDocument(ctx, d))
	assert.ErrorIs(t, s.CreateDocument(ctx, d), store.ErrConflict)
	gotDoc, err := s.GetDocument(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, d, gotDoc)
	_, err = s.GetDocument(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func sampleBatch() (domain.Batch, domain.Event) {
	q := domain.Quantity{Weight: decimal.RequireFromString("25.5"), Unit: "kg"}
	b := domain.Batch{
		ID: "b-1", ExternalReference: "EXT-1", CommodityType: "cobalt", OriginFacilityID: "f-1", OwnerPartyID: "p-1",
		Quantity: q, Status: domain.StatusCreated, EventIDs: []string{"e-1"}, DocumentIDs: []string{},
		Fingerprint: "aa", FingerprintVersion: "1", CreatedAt: ts0, UpdatedAt: ts0,
	}
	ev := domain.Event{
		ID: "e-1", Type: domain.EventCreate, Timestamp: ts0, Sequence: 1, BatchID: "b-1",
		ToPartyID: str("p-1"), ToFacilityID: str("f-1"), Quantity: &q, DocumentIDs: []string{},
		Fingerprint: "bb", FingerprintVersion: "1",
	}
	return b, ev
}

func testBatchesAndEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, first := sampleBatch()
	require.NoError(t, s.CreateBatch(ctx, b, first))

	dup := b
	dup.ID = "b-2"
	dupEvent := first
	dupEvent.ID = "e-9"
	dupEvent.BatchID = "b-2"
	assert.ErrorIs(t, s.CreateBatch(ctx, dup, dupEvent), store.ErrConflict)

	got, err := s.LoadBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "EXT-1", got.ExternalReference)
	assert.True(t, got.Quantity.Weight.Equal(decimal.RequireFromString("25.5")))
	assert.Equal(t, []string{"e-1"}, got.EventIDs)

	byRef, err := s.LoadBatchByReference(ctx, "EXT-1")
	require.NoError(t, err)
	assert.Equal(t, "b-1", byRef.ID)
	_, err = s.LoadBatchByReference(ctx, "EXT-404")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LoadBatch(ctx, "b-404")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ship := domain.Event{
		ID: "e-2", Type: domain.EventShip, Timestamp: "2024-01-02T00:00:00.000000000Z", Sequence: 2, BatchID: "b-1",
		FromPartyID: str("p-1"), ToPartyID: str("p-2"), DocumentIDs: []string{"d-1"}, Fingerprint: "cc", FingerprintVersion: "1",
	}
	shipped := got
	shipped.Anchor = nil
	shipped.Status = domain.StatusInTransit
	shipped.EventIDs = []string{"e-1", "e-2"}
	shipped.DocumentIDs = []string{"d-1"}
	shipped.UpdatedAt = ship.Timestamp
	require.NoError(t, s.AppendEvent(ctx, ship, shipped))

	clash := ship
	clash.ID = "e-3"
	assert.ErrorIs(t, s.AppendEvent(ctx, clash, shipped), store.ErrConflict)
	assert.ErrorIs(t, s.AppendEvent(ctx, ship, shipped), store.ErrConflict)

	orphan := ship
	orphan.ID = "e-4"
	orphan.BatchID = "b-404"
	orphanBatch := shipped
	orphanBatch.ID = "b-404"
	assert.ErrorIs(t, s.AppendEvent(ctx, orphan, orphanBatch), store.ErrNotFound)

	events, err := s.LoadEventsForBatch(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e-1", events[0].ID)
	assert.Equal(t, "e-2", events[1].ID)
	assert.Equal(t, "p-2", *events[1].ToPartyID)
	assert.Nil(t, events[1].ToFacilityID)
	assert.Nil(t, events[1].Quantity)
	assert.Equal(t, []string{"d-1"}, events[1].DocumentIDs)
	require.NotNil(t, events[0].Quantity)
	assert.Equal(t, "25.5", events[0].Quantity.Weight.String())

	ev, err := s.GetEvent(ctx, "e-2")
	require.NoError(t, err)
	assert.Equal(t, domain.EventShip, ev.Type)
	_, err = s.GetEvent(ctx, "e-404")
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap, err := s.Snapshot(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInTransit, snap.Batch.Status)
	assert.Len(t, snap.Events, 2)
	_, err = s.Snapshot(ctx, "b-404")
	assert.ErrorIs(t, err, store.ErrNotFound)

	closed := snap.Batch
	closed.Status = domain.StatusClosed
	require.NoError(t, s.UpdateBatch(ctx, closed))
	reloaded, err := s.LoadBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, reloaded.Status)

	missing := closed
	missing.ID = "b-404"
	assert.ErrorIs(t, s.UpdateBatch(ctx, missing), store.ErrNotFound)

	list, err := s.ListBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.LoadEventsForBatch(ctx, "b-404")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAnchors(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, first := sampleBatch()
	require.NoError(t, s.CreateBatch(ctx, b, first))

	_, err := s.GetAnchor(ctx, "e-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	block := uint64(7)
	rec := domain.AnchorRecord{
		SubjectID: "e-1", SubjectKind: domain.SubjectEvent, Fingerprint: "bb", FingerprintVersion: "1",
		Gateway: "simulated", Status: domain.AnchorSubmitted, SubmittedAt: ts0, UpdatedAt: ts0,
	}
	require.NoError(t, s.SaveAnchor(ctx, rec))
	require.NoError(t, s.SaveAnchor(ctx, domain.AnchorRecord{
		SubjectID: "b-1", SubjectKind: domain.SubjectBatch, Fingerprint: "aa", FingerprintVersion: "1",
		Gateway: "simulated", Status: domain.AnchorConfirmed, SubmittedAt: ts0, UpdatedAt: ts0,
	}))

	pending, err := s.ListAnchorsByStatus(ctx, domain.AnchorSubmitted, domain.AnchorUnconfirmed)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e-1", pending[0].SubjectID)

	all, err := s.ListAnchorsByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rec.Status = domain.AnchorConfirmed
	rec.ExternalRef = "sim:ref"
	rec.BlockNumber = &block
	rec.Simulated = true
	rec.ConfirmedAt = str(ts0)
	require.NoError(t, s.SaveAnchor(ctx, rec))
	got, err := s.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	events, err := s.LoadEventsForBatch(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, events[0].Anchor)
	assert.Equal(t, domain.AnchorConfirmed, events[0].Anchor.Status)
	batch, err := s.LoadBatch(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, batch.Anchor)
	assert.Equal(t, "aa", batch.Anchor.Fingerprint)

	require.NoError(t, s.AppendAnchorAttempt(ctx, domain.AnchorAttempt{ID: "a-1", SubjectID: "e-1", Operation: "submit", Attempt: 1, Outcome: "error", Error: "timeout", At: ts0}))
	require.NoError(t, s.AppendAnchorAttempt(ctx, domain.AnchorAttempt{ID: "a-2", SubjectID: "e-1", Operation: "submit", Attempt: 2, Outcome: "accepted", ExternalRef: "sim:ref", At: "2024-01-01T00:00:01.000000000Z"}))
	attempts, err := s.ListAnchorAttempts(ctx, "e-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "a-1", attempts[0].ID)
	assert.Equal(t, "accepted", attempts[1].Outcome)
	none, err := s.ListAnchorAttempts(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}
