package fingerprint_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/fingerprint"
)

func TestKnownDigests(t *testing.T) {
	v1 := fingerprint.MustLookup(fingerprint.V1).FingerprintBytes(nil)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", v1.Hex())
	assert.Equal(t, "sha256:"+v1.Hex(), v1.Display())

	v2 := fingerprint.MustLookup(fingerprint.V2).FingerprintBytes(nil)
	assert.Equal(t, "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a", v2.Hex())
	assert.Equal(t, "sha3-256:"+v2.Hex(), v2.Display())
}

func TestFingerprintIsDeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"batchId": "b-1", "quantity": map[string]any{"unit": "kg", "weight": 25.5}}
	b := map[string]any{"quantity": map[string]any{"weight": 25.5, "unit": "kg"}, "batchId": "b-1"}

	fa, err := fingerprint.Of(a)
	require.NoError(t, err)
	fb, err := fingerprint.Of(b)
	require.NoError(t, err)
	assert.True(t, fa.Digest == fb.Digest)
	assert.Len(t, fa.Hex(), 64)
	assert.Equal(t, strings.ToLower(fa.Hex()), fa.Hex())
}

func TestFingerprintChangesWithAnyField(t *testing.T) {
	base := map[string]any{"batchId": "b-1", "weight": 25.5, "note": nil}
	f0, err := fingerprint.Of(base)
	require.NoError(t, err)

	variants := []map[string]any{
		{"batchId": "b-2", "weight": 25.5, "note": nil},
		{"batchId": "b-1", "weight": 25.6, "note": nil},
		{"batchId": "b-1", "weight": 25.5, "note": ""},
		{"batchId": "b-1", "weight": 25.5},
	}
	for _, v := range variants {
		f, err := fingerprint.Of(v)
		require.NoError(t, err)
		assert.NotEqual(t, f0.Hex(), f.Hex(), "%v", v)
	}
}

func TestVersionsProduceDifferentDigests(t *testing.T) {
	rec := map[string]any{"id": "x"}
	f1, err := fingerprint.MustLookup(fingerprint.V1).Fingerprint(rec)
	require.NoError(t, err)
	f2, err := fingerprint.MustLookup(fingerprint.V2).Fingerprint(rec)
	require.NoError(t, err)
	assert.NotEqual(t, f1.Hex(), f2.Hex())
	assert.Equal(t, fingerprint.V1, f1.Version)
	assert.Equal(t, fingerprint.V2, f2.Version)
	assert.Equal(t, []fingerprint.Version{fingerprint.V1, fingerprint.V2}, fingerprint.Versions())
}

func TestLookupUnknownVersion(t *testing.T) {
	_, err := fingerprint.Lookup("9")
	assert.ErrorIs(t, err, fingerprint.ErrUnknownVersion)
	_, err = fingerprint.Parse("9", strings.Repeat("0", 64))
	assert.ErrorIs(t, err, fingerprint.ErrUnknownVersion)
}

func TestParseDigest(t *testing.T) {
	f := fingerprint.OfBytes([]byte("custody"))

	d, err := fingerprint.ParseDigest(f.Hex())
	require.NoError(t, err)
	assert.True(t, d == f.Digest)

	d, err = fingerprint.ParseDigest(f.Display())
	require.NoError(t, err)
	assert.True(t, d == f.Digest)

	for _, bad := range []string{"", "abc", strings.ToUpper(f.Hex()), strings.Repeat("zz", 32)} {
		_, err := fingerprint.ParseDigest(bad)
		assert.ErrorIs(t, err, fingerprint.ErrMalformed, bad)
	}
}

func TestMatches(t *testing.T) {
	f := fingerprint.OfBytes([]byte("custody"))
	assert.True(t, f.Matches(f.Hex()))
	assert.True(t, f.Matches(f.Display()))
	assert.False(t, f.Matches(fingerprint.OfBytes([]byte("tampered")).Hex()))
	assert.False(t, f.Matches("not-a-digest"))
}

func TestUnencodableRecord(t *testing.T) {
	_, err := fingerprint.Of(map[string]any{"f": func() {}})
	require.Error(t, err)
}
