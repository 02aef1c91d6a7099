package anchor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"custodyline/internal/fingerprint"
)

// EVMClient is the subset of *ethclient.Client the EVM gateway uses.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMGateway anchors a fingerprint as the data of a zero-value transaction the signer
// sends to itself. The data is one version byte followed by the 32-byte digest.
type EVMGateway struct {
	Client           EVMClient
	Key              *ecdsa.PrivateKey
	MinConfirmations uint64
}

// DialEVM connects to an RPC endpoint and loads a hex-encoded signing key.
func DialEVM(ctx context.Context, rpcURL, hexKey string, minConfirmations uint64) (*EVMGateway, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse evm private key")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial evm rpc")
	}
	return &EVMGateway{Client: client, Key: key, MinConfirmations: minConfirmations}, nil
}

func (g *EVMGateway) Name() string { return "evm" }

func (g *EVMGateway) Address() common.Address {
	return crypto.PubkeyToAddress(g.Key.PublicKey)
}

// AnchorData is the transaction payload for fp.
func AnchorData(fp fingerprint.Fingerprint) ([]byte, error) {
	v, err := strconv.Atoi(string(fp.Version))
	if err != nil || v <= 0 || v > 255 {
		return nil, fmt.Errorf("%w %q", fingerprint.ErrUnknownVersion, string(fp.Version))
	}
	return append([]byte{byte(v)}, fp.Digest[:]...), nil
}

func (g *EVMGateway) Submit(ctx context.Context, subjectID string, fp fingerprint.Fingerprint) (SubmitResult, error) {
	data, err := AnchorData(fp)
	if err != nil {
		return SubmitResult{}, err
	}
	from := g.Address()
	chainID, err := g.Client.ChainID(ctx)
	if err != nil {
		return SubmitResult{}, unavailable(err, "chain id")
	}
	nonce, err := g.Client.PendingNonceAt(ctx, from)
	if err != nil {
		return SubmitResult{}, unavailable(err, "pending nonce")
	}
	gasPrice, err := g.Client.SuggestGasPrice(ctx)
	if err != nil {
		return SubmitResult{}, unavailable(err, "gas price")
	}
	gas, err := g.Client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &from, Value: big.NewInt(0), Data: data})
	if err != nil {
		return SubmitResult{}, unavailable(err, "estimate gas")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &from,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), g.Key)
	if err != nil {
		return SubmitResult{}, errors.Wrap(err, "sign anchor transaction")
	}
	if err := g.Client.SendTransaction(ctx, signed); err != nil {
		return SubmitResult{}, unavailable(err, "send transaction")
	}
	return SubmitResult{ExternalRef: signed.Hash().Hex(), Accepted: true}, nil
}

func (g *EVMGateway) CheckConfirmation(ctx context.Context, externalRef string) (Confirmation, error) {
	if !strings.HasPrefix(externalRef, "0x") || len(externalRef) != 66 {
		return Confirmation{}, nil
	}
	receipt, err := g.Client.TransactionReceipt(ctx, common.HexToHash(externalRef))
	if errors.Is(err, ethereum.NotFound) {
		return Confirmation{}, nil
	}
	if err != nil {
		return Confirmation{}, unavailable(err, "transaction receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful || receipt.BlockNumber == nil {
		return Confirmation{}, nil
	}
	block := receipt.BlockNumber.Uint64()
	head, err := g.Client.BlockNumber(ctx)
	if err != nil {
		return Confirmation{}, unavailable(err, "block number")
	}
	want := g.MinConfirmations
	if want == 0 {
		want = 1
	}
	if head < block || head-block+1 < want {
		return Confirmation{BlockNumber: &block}, nil
	}
	return Confirmation{Confirmed: true, BlockNumber: &block}, nil
}

func unavailable(err error, op string) error {
	return errors.Wrap(fmt.Errorf("%w: %v", ErrUnavailable, err), op)
}
