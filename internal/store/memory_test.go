package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/domain"
	"custodyline/internal/store"
	"custodyline/internal/store/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemory() })
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	b := domain.Batch{ID: "b-1", ExternalReference: "X", Status: domain.StatusCreated, EventIDs: []string{"e-1"}}
	require.NoError(t, m.CreateBatch(ctx, b, domain.Event{ID: "e-1", BatchID: "b-1", Sequence: 1, DocumentIDs: []string{"d-1"}}))

	b.EventIDs[0] = "mutated"
	got, err := m.LoadBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e-1"}, got.EventIDs)

	got.EventIDs[0] = "mutated"
	events, err := m.LoadEventsForBatch(ctx, "b-1")
	require.NoError(t, err)
	events[0].DocumentIDs[0] = "mutated"

	again, err := m.LoadBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e-1"}, again.EventIDs)
	ev, err := m.GetEvent(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d-1"}, ev.DocumentIDs)
}

func TestSortEventsBreaksTiesBySequence(t *testing.T) {
	events := []domain.Event{
		{ID: "c", Timestamp: "2024-01-02T00:00:00.000000000Z", Sequence: 3},
		{ID: "b", Timestamp: "2024-01-01T00:00:00.000000000Z", Sequence: 2},
		{ID: "a", Timestamp: "2024-01-01T00:00:00.000000000Z", Sequence: 1},
	}
	store.SortEvents(events)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, "c", events[2].ID)
}

func TestMemorySequencesArePerBatch(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for _, id := range []string{"b-1", "b-2"} {
		b := domain.Batch{ID: id, ExternalReference: "X-" + id, Status: domain.StatusCreated, EventIDs: []string{id + "-e1"}}
		require.NoError(t, m.CreateBatch(ctx, b, domain.Event{ID: id + "-e1", BatchID: id, Sequence: 1}))
	}

	b1 := domain.Batch{ID: "b-1", ExternalReference: "X-b-1", Status: domain.StatusReceived, EventIDs: []string{"b-1-e1", "b-1-e2"}}
	require.NoError(t, m.AppendEvent(ctx, domain.Event{ID: "b-1-e2", BatchID: "b-1", Sequence: 2}, b1))
	b2 := domain.Batch{ID: "b-2", ExternalReference: "X-b-2", Status: domain.StatusReceived, EventIDs: []string{"b-2-e1", "b-2-e2"}}
	require.NoError(t, m.AppendEvent(ctx, domain.Event{ID: "b-2-e2", BatchID: "b-2", Sequence: 2}, b2))

	b1.EventIDs = append(b1.EventIDs, "b-1-dup")
	err := m.AppendEvent(ctx, domain.Event{ID: "b-1-dup", BatchID: "b-1", Sequence: 2}, b1)
	assert.ErrorIs(t, err, store.ErrConflict)

	events, err := m.LoadEventsForBatch(ctx, "b-2")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b-2-e1", events[0].ID)
	assert.Equal(t, "b-2-e2", events[1].ID)
}
