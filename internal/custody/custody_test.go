package custody_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/canon"
	"custodyline/internal/custody"
	"custodyline/internal/domain"
	"custodyline/internal/fingerprint"
)

func str(s string) *string { return &s }

func kg(v string) domain.Quantity {
	return domain.Quantity{Weight: decimal.RequireFromString(v), Unit: "kg"}
}

func TestEventPayloadWritesMissingOptionalsAsNull(t *testing.T) {
	q := kg("25.50")
	ev := domain.Event{
		ID:        "e-1",
		Type:      domain.EventCreate,
		Timestamp: "2024-01-01T00:00:00.000000000Z",
		BatchID:   "b-1",
		Quantity:  &q,
	}
	out, err := canon.Encode(custody.EventPayload(ev))
	require.NoError(t, err)
	assert.Equal(t,
		`{"batchId":"b-1","documentIds":null,"eventId":"e-1","eventType":"Create","fromFacilityId":null,"fromPartyId":null,`+
			`"quantity":{"unit":"kg","weight":25.5},"timestamp":"2024-01-01T00:00:00.000000000Z","toFacilityId":null,"toPartyId":null}`,
		string(out))
}

func TestBatchPayloadOmitsMissingFields(t *testing.T) {
	b := domain.Batch{
		ID:                "b-1",
		ExternalReference: "EXT-1",
		CommodityType:     "cobalt",
		OriginFacilityID:  "f-1",
		OwnerPartyID:      "p-1",
		Quantity:          kg("25.5"),
		Status:            domain.StatusCreated,
		CreatedAt:         "2024-01-01T00:00:00.000000000Z",
	}
	out, err := canon.Encode(custody.BatchPayload(b))
	require.NoError(t, err)
	assert.Equal(t,
		`{"batchId":"b-1","commodityType":"cobalt","creationTimestamp":"2024-01-01T00:00:00.000000000Z",`+
			`"externalReferenceNumber":"EXT-1","originFacilityId":"f-1","ownerPartyId":"p-1","quantity":{"unit":"kg","weight":25.5}}`,
		string(out))
}

func TestBatchPayloadIgnoresMutableBookkeeping(t *testing.T) {
	b := domain.Batch{ID: "b-1", OwnerPartyID: "p-1", Quantity: kg("1"), Status: domain.StatusCreated}
	suite := fingerprint.MustLookup(fingerprint.V1)
	f1, err := custody.FingerprintBatch(suite, b)
	require.NoError(t, err)

	b.Status = domain.StatusInTransit
	b.EventIDs = []string{"e-1", "e-2"}
	b.UpdatedAt = "2025-01-01T00:00:00.000000000Z"
	f2, err := custody.FingerprintBatch(suite, b)
	require.NoError(t, err)
	assert.Equal(t, f1.Hex(), f2.Hex())

	b.OwnerPartyID = "p-2"
	f3, err := custody.FingerprintBatch(suite, b)
	require.NoError(t, err)
	assert.NotEqual(t, f1.Hex(), f3.Hex())
}

func TestSealRecordsVersion(t *testing.T) {
	ev := domain.Event{ID: "e-1", Type: domain.EventShip, BatchID: "b-1", ToPartyID: str("p-2")}
	sealed, err := custody.Seal(fingerprint.MustLookup(fingerprint.V2), ev)
	require.NoError(t, err)
	assert.Equal(t, "2", sealed.FingerprintVersion)
	assert.Len(t, sealed.Fingerprint, 64)

	again, err := custody.FingerprintEvent(fingerprint.MustLookup(fingerprint.V2), sealed)
	require.NoError(t, err)
	assert.True(t, again.Matches(sealed.Fingerprint))
}

func TestNextFollowsLifecycle(t *testing.T) {
	created := domain.StatusCreated
	cases := []struct {
		from  domain.BatchStatus
		prior *domain.BatchStatus
		ev    domain.EventType
		want  domain.BatchStatus
		ok    bool
	}{
		{"", nil, domain.EventCreate, domain.StatusCreated, true},
		{domain.StatusCreated, nil, domain.EventCreate, "", false},
		{domain.StatusCreated, nil, domain.EventShip, domain.StatusInTransit, true},
		{domain.StatusCreated, nil, domain.EventReceive, "", false},
		{domain.StatusInTransit, nil, domain.EventTransfer, domain.StatusInTransit, true},
		{domain.StatusInTransit, nil, domain.EventReceive, domain.StatusReceived, true},
		{domain.StatusReceived, nil, domain.EventShip, domain.StatusInTransit, true},
		{domain.StatusInTransit, nil, domain.EventAssayFinalized, "", false},
		{domain.StatusReceived, nil, domain.EventDispute, domain.StatusDispute, true},
		{domain.StatusDispute, &created, domain.EventResolve, domain.StatusCreated, true},
		{domain.StatusDispute, &created, domain.EventShip, "", false},
		{domain.StatusCreated, nil, domain.EventResolve, "", false},
		{domain.StatusClosed, nil, domain.EventDispute, "", false},
		{domain.StatusClosed, nil, domain.EventInspectTest, "", false},
	}
	for _, c := range cases {
		got, err := custody.Next(c.from, c.prior, c.ev)
		if c.ok {
			require.NoError(t, err, "%s from %s", c.ev, c.from)
			assert.Equal(t, c.want, got, "%s from %s", c.ev, c.from)
			continue
		}
		assert.ErrorIs(t, err, custody.ErrInvalidTransition, "%s from %s", c.ev, c.from)
		var te *custody.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, c.from, te.From)
	}
}

func TestApplyDisputeAndResolveRestorePriorStatus(t *testing.T) {
	b := domain.Batch{ID: "b-1", Status: domain.StatusInTransit, OwnerPartyID: "p-1"}
	disputed, err := custody.Apply(b, domain.Event{ID: "e-2", Type: domain.EventDispute}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDispute, disputed.Status)
	require.NotNil(t, disputed.PriorStatus)
	assert.Equal(t, domain.StatusInTransit, *disputed.PriorStatus)

	resolved, err := custody.Apply(disputed, domain.Event{ID: "e-3", Type: domain.EventResolve}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInTransit, resolved.Status)
	assert.Nil(t, resolved.PriorStatus)
	assert.Equal(t, []string{"e-2", "e-3"}, resolved.EventIDs)
	assert.Empty(t, b.EventIDs)
}

func TestApplyAmendsOwnerQuantityAndAssay(t *testing.T) {
	b := domain.Batch{ID: "b-1", Status: domain.StatusInTransit, OwnerPartyID: "p-1", Quantity: kg("25.5")}

	moved, err := custody.Apply(b, domain.Event{ID: "e-1", Type: domain.EventTransfer, ToPartyID: str("p-2")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p-2", moved.OwnerPartyID)

	q := kg("25.1")
	received, err := custody.Apply(moved, domain.Event{ID: "e-2", Type: domain.EventReceive, ToPartyID: str("p-3"), Quantity: &q, DocumentIDs: []string{"d-1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, received.Status)
	assert.Equal(t, "p-3", received.OwnerPartyID)
	assert.True(t, received.Quantity.Weight.Equal(decimal.RequireFromString("25.1")))
	assert.Equal(t, []string{"d-1"}, received.DocumentIDs)

	assay := domain.Assay{Element: "Co", Grade: decimal.RequireFromString("12.5"), Unit: "%"}
	finalized, err := custody.Apply(received, domain.Event{ID: "e-3", Type: domain.EventAssayFinalized, DocumentIDs: []string{"d-1", "d-2"}}, &assay)
	require.NoError(t, err)
	require.NotNil(t, finalized.DeclaredAssay)
	assert.Equal(t, "Co", finalized.DeclaredAssay.Element)
	assert.Equal(t, []string{"d-1", "d-2"}, finalized.DocumentIDs)

	_, err = custody.Apply(received, domain.Event{ID: "e-4", Type: domain.EventTransfer}, nil)
	assert.Error(t, err)
	_, err = custody.Apply(received, domain.Event{ID: "e-4", Type: domain.EventAssayFinalized}, nil)
	assert.Error(t, err)
	_, err = custody.Apply(received, domain.Event{ID: "e-4", Type: domain.EventInspectTest}, &assay)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	closed, err := custody.Close(domain.Batch{Status: domain.StatusReceived})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)

	_, err = custody.Close(domain.Batch{Status: domain.StatusInTransit})
	assert.ErrorIs(t, err, custody.ErrInvalidTransition)
	_, err = custody.Close(closed)
	assert.ErrorIs(t, err, custody.ErrInvalidTransition)
}

func TestAllowed(t *testing.T) {
	assert.Equal(t, []domain.EventType{domain.EventCreate}, custody.Allowed("", nil))
	assert.Empty(t, custody.Allowed(domain.StatusClosed, nil))
	assert.Contains(t, custody.Allowed(domain.StatusInTransit, nil), domain.EventReceive)
}
