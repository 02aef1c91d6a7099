package repo_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/db"
	"custodyline/internal/domain"
	"custodyline/internal/migrate"
	"custodyline/internal/repo"
	"custodyline/internal/store"
	"custodyline/internal/store/storetest"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	r, err := repo.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRepoContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openRepo(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "custody.db")
	r, err := repo.Open(ctx, db.Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(ctx, r.DB))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	current, err := migrate.Current(ctx, r.DB)
	require.NoError(t, err)
	assert.Equal(t, latest, current)
	require.NoError(t, r.Close())

	r, err = repo.Open(ctx, db.Config{Path: path})
	require.NoError(t, err)
	defer r.Close()
	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts["batches"])
}

func TestDisputeStatusRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	prior := domain.StatusInTransit
	b := domain.Batch{
		ID: "b-1", ExternalReference: "EXT-1", CommodityType: "cobalt", OriginFacilityID: "f-1", OwnerPartyID: "p-1",
		Status: domain.StatusDispute, PriorStatus: &prior, EventIDs: []string{"e-1"},
		CreatedAt: "2024-01-01T00:00:00.000000000Z", UpdatedAt: "2024-01-01T00:00:00.000000000Z",
	}
	ev := domain.Event{ID: "e-1", Type: domain.EventCreate, Timestamp: b.CreatedAt, Sequence: 1, BatchID: "b-1"}
	require.NoError(t, r.CreateBatch(ctx, b, ev))

	got, err := r.LoadBatch(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, got.PriorStatus)
	assert.Equal(t, domain.StatusInTransit, *got.PriorStatus)
	assert.Nil(t, got.DocumentIDs)
	assert.Nil(t, got.Anchor)

	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["batches"])
	assert.Equal(t, 1, counts["events"])
}
