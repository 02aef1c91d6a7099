package badgerstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/domain"
	"custodyline/internal/store"
	"custodyline/internal/store/badgerstore"
	"custodyline/internal/store/storetest"
)

func TestBadgerContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := badgerstore.Open(badgerstore.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := badgerstore.Open(badgerstore.Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.CreateParty(ctx, domain.Party{ID: "p-1", Name: "Refinery", Type: domain.PartyRefinery, Country: "BE"}))
	require.NoError(t, s.AppendAnchorAttempt(ctx, domain.AnchorAttempt{ID: "a-1", SubjectID: "e-1", Operation: "submit", Attempt: 1, Outcome: "accepted"}))
	require.NoError(t, s.Close())

	s, err = badgerstore.Open(badgerstore.Options{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	p, err := s.GetParty(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Refinery", p.Name)

	require.NoError(t, s.AppendAnchorAttempt(ctx, domain.AnchorAttempt{ID: "a-2", SubjectID: "e-1", Operation: "confirm", Outcome: "confirmed"}))
	attempts, err := s.ListAnchorAttempts(ctx, "e-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "a-1", attempts[0].ID)
	assert.Equal(t, "a-2", attempts[1].ID)
}
