package ctf

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Polygon mainnet addresses.
const (
	ConditionalTokensAddr = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	USDCAddr              = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

const mergeABIJSON = `[
  {"inputs":[
    {"internalType":"address","name":"collateralToken","type":"address"},
    {"internalType":"bytes32","name":"parentCollectionId","type":"bytes32"},
    {"internalType":"bytes32","name":"conditionId","type":"bytes32"},
    {"internalType":"uint256[]","name":"partition","type":"uint256[]"},
    {"internalType":"uint256","name":"amount","type":"uint256"}
  ],"name":"mergePositions","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	receiptPollEvery = 2 * time.Second
	receiptTimeout   = 2 * time.Minute
	usdcDecimals     = 6
)

// Merger burns equal YES/NO quantities back into collateral by calling
// mergePositions on the ConditionalTokens contract from the signer EOA.
type Merger struct {
	client     *ethclient.Client
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	sender     common.Address
	ctfAddr    common.Address
	collateral common.Address
	ctfABI     abi.ABI
	log        *zap.Logger
}

func NewMerger(ctx context.Context, rpcURL, privateKeyHex string, log *zap.Logger) (*Merger, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, fmt.Errorf("chain rpc url required for merges")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(mergeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("ctf abi parse: %w", err)
	}

	return &Merger{
		client:     client,
		chainID:    chainID,
		privateKey: pk,
		sender:     crypto.PubkeyToAddress(pk.PublicKey),
		ctfAddr:    common.HexToAddress(ConditionalTokensAddr),
		collateral: common.HexToAddress(USDCAddr),
		ctfABI:     parsed,
		log:        log,
	}, nil
}

func (m *Merger) Close() {
	m.client.Close()
}

// Merge redeems qty complete YES/NO sets of the condition for collateral and
// waits for the transaction to be mined. The returned hash identifies the
// transaction even when waiting fails.
func (m *Merger) Merge(ctx context.Context, conditionID string, qty decimal.Decimal) (string, error) {
	if !qty.IsPositive() {
		return "", fmt.Errorf("merge quantity must be positive")
	}
	amount := qty.Shift(usdcDecimals).Truncate(0).BigInt()
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("merge amount rounds to zero")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(m.privateKey, m.chainID)
	if err != nil {
		return "", err
	}
	opts.Context = ctx

	// Binary markets partition into outcome index sets {1, 2}.
	partition := []*big.Int{big.NewInt(1), big.NewInt(2)}
	var parentCollection [32]byte

	contract := bind.NewBoundContract(m.ctfAddr, m.ctfABI, m.client, m.client, m.client)
	tx, err := contract.Transact(opts, "mergePositions",
		m.collateral, parentCollection, common.HexToHash(conditionID), partition, amount)
	if err != nil {
		return "", fmt.Errorf("merge transact: %w", err)
	}

	m.log.Info("merge transaction sent",
		zap.String("condition_id", conditionID),
		zap.String("quantity", qty.String()),
		zap.String("tx", tx.Hash().Hex()))

	if err := m.waitMined(ctx, tx.Hash()); err != nil {
		return tx.Hash().Hex(), err
	}
	return tx.Hash().Hex(), nil
}

func (m *Merger) waitMined(ctx context.Context, hash common.Hash) error {
	deadline, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	t := time.NewTicker(receiptPollEvery)
	defer t.Stop()
	for {
		receipt, err := m.client.TransactionReceipt(deadline, hash)
		if err == nil {
			if receipt.Status != 1 {
				return fmt.Errorf("merge tx %s reverted", hash.Hex())
			}
			return nil
		}
		select {
		case <-deadline.Done():
			return fmt.Errorf("merge tx %s not mined: %w", hash.Hex(), deadline.Err())
		case <-t.C:
		}
	}
}
