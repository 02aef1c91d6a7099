package anchor_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/anchor"
	"custodyline/internal/fingerprint"
)

func TestSimulatedGateway(t *testing.T) {
	ctx := context.Background()
	gw := anchor.NewSimulated()
	fp := fingerprint.OfBytes([]byte("x"))

	a, err := gw.Submit(ctx, "b-1", fp)
	require.NoError(t, err)
	b, err := gw.Submit(ctx, "b-1", fp)
	require.NoError(t, err)
	assert.True(t, a.Accepted)
	assert.True(t, a.Simulated)
	assert.Equal(t, a.ExternalRef, b.ExternalRef)
	assert.Equal(t, *a.BlockNumber, *b.BlockNumber)

	c, err := gw.CheckConfirmation(ctx, a.ExternalRef)
	require.NoError(t, err)
	assert.True(t, c.Confirmed)

	c, err = gw.CheckConfirmation(ctx, "sim:not-a-uuid")
	require.NoError(t, err)
	assert.False(t, c.Confirmed)

	gw.FailSubmits = 1
	_, err = gw.Submit(ctx, "b-2", fp)
	assert.ErrorIs(t, err, anchor.ErrUnavailable)
	assert.Equal(t, 3, gw.Calls())
}

type anchorServer struct {
	mu       sync.Mutex
	secret   []byte
	refs     map[string]bool
	subjects []string
	fail     bool
}

func (s *anchorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("custodyline")); err != nil || claims.Subject != "anchor" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		http.Error(w, "boom", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/anchors":
		var req struct {
			SubjectID   string `json:"subject_id"`
			Fingerprint string `json:"fingerprint"`
			Version     string `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Fingerprint) != 64 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.subjects = append(s.subjects, req.SubjectID)
		ref := "ref-" + req.SubjectID
		s.refs[ref] = true
		_ = json.NewEncoder(w).Encode(map[string]any{"external_ref": ref, "accepted": true, "block_number": 7})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/anchors/"):
		ref := strings.TrimPrefix(r.URL.Path, "/anchors/")
		if !s.refs[ref] {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"confirmed": true, "block_number": 7})
	default:
		http.NotFound(w, r)
	}
}

func TestHTTPGateway(t *testing.T) {
	ctx := context.Background()
	srv := &anchorServer{secret: []byte("s3cret"), refs: map[string]bool{}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	gw := &anchor.HTTPGateway{BaseURL: ts.URL + "/", Secret: []byte("s3cret"), Issuer: "custodyline", HTTPClient: ts.Client()}
	fp := fingerprint.OfBytes([]byte("payload"))

	res, err := gw.Submit(ctx, "e-1", fp)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "ref-e-1", res.ExternalRef)
	require.NotNil(t, res.BlockNumber)
	assert.Equal(t, uint64(7), *res.BlockNumber)
	assert.Equal(t, []string{"e-1"}, srv.subjects)

	c, err := gw.CheckConfirmation(ctx, "ref-e-1")
	require.NoError(t, err)
	assert.True(t, c.Confirmed)

	c, err = gw.CheckConfirmation(ctx, "ref-unknown")
	require.NoError(t, err)
	assert.False(t, c.Confirmed)

	srv.mu.Lock()
	srv.fail = true
	srv.mu.Unlock()
	_, err = gw.Submit(ctx, "e-2", fp)
	assert.ErrorIs(t, err, anchor.ErrUnavailable)
	_, err = gw.CheckConfirmation(ctx, "ref-e-1")
	assert.ErrorIs(t, err, anchor.ErrUnavailable)
}

func TestHTTPGatewayRejectsOnClientError(t *testing.T) {
	ts := httptest.NewServer(&anchorServer{secret: []byte("other"), refs: map[string]bool{}})
	defer ts.Close()

	gw := &anchor.HTTPGateway{BaseURL: ts.URL, Secret: []byte("s3cret"), Issuer: "custodyline"}
	res, err := gw.Submit(context.Background(), "e-1", fingerprint.OfBytes(nil))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
}

func TestHTTPGatewayTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	gw := &anchor.HTTPGateway{BaseURL: url, Secret: []byte("s3cret")}
	_, err := gw.Submit(context.Background(), "e-1", fingerprint.OfBytes(nil))
	assert.ErrorIs(t, err, anchor.ErrUnavailable)
}

type fakeChain struct {
	mu      sync.Mutex
	chainID *big.Int
	sent    []*types.Transaction
	head    uint64
	mined   map[common.Hash]uint64
	sendErr error
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1_000_000_000), nil }

func (f *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21_000 + 16*uint64(len(msg.Data)), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.mined[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: h, BlockNumber: new(big.Int).SetUint64(block)}, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func TestEVMGateway(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chain := &fakeChain{chainID: big.NewInt(1337), mined: map[common.Hash]uint64{}}
	gw := &anchor.EVMGateway{Client: chain, Key: key, MinConfirmations: 3}

	fp := fingerprint.MustLookup(fingerprint.V2).FingerprintBytes([]byte("batch"))
	res, err := gw.Submit(ctx, "b-1", fp)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	assert.Equal(t, tx.Hash().Hex(), res.ExternalRef)
	from, err := types.Sender(types.LatestSignerForChainID(chain.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, gw.Address(), from)
	require.NotNil(t, tx.To())
	assert.Equal(t, gw.Address(), *tx.To())
	assert.Equal(t, append([]byte{2}, fp.Digest[:]...), tx.Data())

	c, err := gw.CheckConfirmation(ctx, res.ExternalRef)
	require.NoError(t, err)
	assert.False(t, c.Confirmed)

	chain.mined[tx.Hash()] = 10
	chain.head = 11
	c, err = gw.CheckConfirmation(ctx, res.ExternalRef)
	require.NoError(t, err)
	assert.False(t, c.Confirmed)
	require.NotNil(t, c.BlockNumber)
	assert.Equal(t, uint64(10), *c.BlockNumber)

	chain.head = 12
	c, err = gw.CheckConfirmation(ctx, res.ExternalRef)
	require.NoError(t, err)
	assert.True(t, c.Confirmed)

	c, err = gw.CheckConfirmation(ctx, "sim:whatever")
	require.NoError(t, err)
	assert.False(t, c.Confirmed)

	chain.sendErr = errors.New("connection refused")
	_, err = gw.Submit(ctx, "b-2", fp)
	assert.ErrorIs(t, err, anchor.ErrUnavailable)
}

func TestAnchorDataRejectsUnknownVersion(t *testing.T) {
	_, err := anchor.AnchorData(fingerprint.Fingerprint{Version: "x"})
	assert.ErrorIs(t, err, fingerprint.ErrUnknownVersion)
}
