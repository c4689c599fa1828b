package funds

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers when estimation fails.
const DefaultGasLimit = uint64(100000)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// ChainConfig configures the on-chain stablecoin custody backend.
type ChainConfig struct {
	RPCURL        string
	PrivateKey    string // hex, with or without 0x prefix
	ChainID       int64
	TokenContract string
}

// ChainProvider moves an ERC-20 stablecoin out of the platform's custody
// wallet. Custody accounts are tagged references against the single
// platform wallet; destinations are the parties' on-chain addresses.
type ChainProvider struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI

	// Idempotency-key ledger. Consulted before signing and written before
	// broadcasting, so a retried key replays the recorded tx hash instead
	// of submitting a second transaction.
	log TransferLog
}

// ChainOption configures the chain provider.
type ChainOption func(*ChainProvider)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(client EthClient) ChainOption {
	return func(p *ChainProvider) {
		p.client = client
	}
}

// WithTransferLog sets the idempotency ledger. Production deployments must
// use a durable log; the in-memory default forgets submitted hashes on
// restart.
func WithTransferLog(log TransferLog) ChainOption {
	return func(p *ChainProvider) {
		p.log = log
	}
}

// NewChainProvider creates an on-chain custody provider.
func NewChainProvider(cfg ChainConfig, opts ...ChainOption) (*ChainProvider, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("funds: invalid private key: %w", err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("funds: failed to derive public key")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("funds: parse ERC20 ABI: %w", err)
	}

	p := &ChainProvider{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenContract),
		tokenABI:   parsedABI,
		log:        NewMemoryTransferLog(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("funds: connect to RPC: %w", err)
		}
		p.client = client
	}

	return p, nil
}

func (p *ChainProvider) Name() string { return "chain" }

// CreateCustodyAccount returns a reference handle scoped to the platform
// wallet. All escrowed token balances live in the platform wallet; the
// per-escrow accounting is the engine's job.
func (p *ChainProvider) CreateCustodyAccount(ctx context.Context, reference string) (string, error) {
	return p.address.Hex() + "#" + reference, nil
}

func (p *ChainProvider) Transfer(ctx context.Context, source, destination string, amount int64, currency, idempotencyKey string) (*Transfer, error) {
	hash, err := p.log.Lookup(ctx, idempotencyKey)
	if err != nil {
		return nil, p.logErr(err)
	}
	if hash != "" {
		return p.replay(hash, amount, currency), nil
	}

	// Destination handles may carry a custody reference suffix.
	destAddr := destination
	if i := strings.IndexByte(destAddr, '#'); i >= 0 {
		destAddr = destAddr[:i]
	}
	if !common.IsHexAddress(destAddr) {
		return nil, &ProviderError{Backend: "chain", Code: "invalid_address", Message: "destination is not an address"}
	}
	to := common.HexToAddress(destAddr)

	data, err := p.tokenABI.Pack("transfer", to, big.NewInt(amount))
	if err != nil {
		return nil, &ProviderError{Backend: "chain", Code: "abi_pack", Message: err.Error()}
	}

	nonce, err := p.client.PendingNonceAt(ctx, p.address)
	if err != nil {
		return nil, p.rpcErr("nonce", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, p.rpcErr("gas_price", err)
	}
	gasLimit, err := p.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  p.address,
		To:    &p.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, p.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.privateKey)
	if err != nil {
		return nil, &ProviderError{Backend: "chain", Code: "sign", Message: err.Error()}
	}

	// Recorded before broadcasting: a crash between the two can leave a
	// hash that never reached the mempool (the reconciler surfaces it as
	// stuck pending), but a retry can never submit a second transaction.
	ok, err := p.log.Record(ctx, idempotencyKey, signedTx.Hash().Hex())
	if err != nil {
		return nil, p.logErr(err)
	}
	if !ok {
		hash, err := p.log.Lookup(ctx, idempotencyKey)
		if err != nil {
			return nil, p.logErr(err)
		}
		if hash == "" {
			return nil, &ProviderError{Backend: "chain", Code: "transfer_log",
				Message: "concurrent submission for " + idempotencyKey, Retryable: true}
		}
		return p.replay(hash, amount, currency), nil
	}

	if err := p.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, p.rpcErr("send", err)
	}

	return &Transfer{
		Handle:   signedTx.Hash().Hex(),
		Status:   TransferPending, // confirmed asynchronously via Status
		Amount:   amount,
		Currency: currency,
	}, nil
}

// replay returns the transfer a previous submission recorded under the same
// key. Confirmation state comes from Status, so it is reported pending here.
func (p *ChainProvider) replay(hash string, amount int64, currency string) *Transfer {
	return &Transfer{
		Handle:   hash,
		Status:   TransferPending,
		Amount:   amount,
		Currency: currency,
	}
}

func (p *ChainProvider) logErr(err error) error {
	return &ProviderError{
		Backend:   "chain",
		Code:      "transfer_log",
		Message:   err.Error(),
		Retryable: true,
	}
}

func (p *ChainProvider) Status(ctx context.Context, handle string) (TransferStatus, error) {
	receipt, err := p.client.TransactionReceipt(ctx, common.HexToHash(handle))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TransferPending, nil
		}
		return "", p.rpcErr("receipt", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TransferCompleted, nil
	}
	return TransferFailed, nil
}

// Close releases the underlying RPC client.
func (p *ChainProvider) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

func (p *ChainProvider) rpcErr(op string, err error) error {
	return &ProviderError{
		Backend:   "chain",
		Code:      op,
		Message:   err.Error(),
		Retryable: true,
	}
}

// Compile-time assertion that ChainProvider implements Provider.
var _ Provider = (*ChainProvider)(nil)
