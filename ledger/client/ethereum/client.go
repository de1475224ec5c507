// Package ethereum implements the ledger client against a JSON-RPC
// Ethereum-compatible endpoint.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/contract"
	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/types"
)

// Client wraps an ethclient connection to the traceability contract.
type Client struct {
	eth         *ethclient.Client
	cfg         *config.LedgerConfig
	logger      *log.Logger
	abi         abi.ABI
	contract    common.Address
	chainID     *big.Int
	receiptPoll time.Duration

	// nil when no signing key is configured; read-only deployments (the
	// sync daemon) never need one.
	key    *ecdsa.PrivateKey
	sender common.Address
}

// NewClient dials the configured RPC endpoint and prepares the contract
// binding.
func NewClient(cfg *config.LedgerConfig, logger *log.Logger) (*Client, error) {
	logger.Printf("Initializing ledger client for %s...", cfg.RPCURL)

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "dial", Err: err}
	}

	parsed, err := contract.ABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address '%s'", cfg.ContractAddress)
	}

	receiptPoll, err := time.ParseDuration(cfg.ReceiptPoll)
	if err != nil {
		logger.Printf("Warning: invalid receipt_poll '%s', using default 2s", cfg.ReceiptPoll)
		receiptPoll = 2 * time.Second
	}

	c := &Client{
		eth:         eth,
		cfg:         cfg,
		logger:      logger,
		abi:         parsed,
		contract:    common.HexToAddress(cfg.ContractAddress),
		receiptPoll: receiptPoll,
	}

	if cfg.ChainID != 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
		id, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, &errs.ConnectivityError{Op: "chain id", Err: err}
		}
		c.chainID = id
	}

	if cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		c.key = key
		c.sender = crypto.PubkeyToAddress(key.PublicKey)
		logger.Printf("Ledger client will sign as %s", c.sender.Hex())
	} else {
		logger.Println("No signing key configured, ledger client is read-only")
	}

	logger.Println("Ledger client initialized successfully.")
	return c, nil
}

// CurrentHeight returns the ledger's current block height.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, &errs.ConnectivityError{Op: "current height", Err: err}
	}
	return height, nil
}

// LogsInRange returns contract logs matching any signature within [from, to].
func (c *Client) LogsInRange(ctx context.Context, signatures []common.Hash, from, to uint64) ([]ethtypes.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{signatures},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "filter logs", Err: err}
	}
	return logs, nil
}

// BlockHashByNumber returns the canonical block hash at a height.
func (c *Client) BlockHashByNumber(ctx context.Context, number uint64) (common.Hash, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return common.Hash{}, &errs.ConnectivityError{Op: "header by number", Err: err}
	}
	return header.Hash(), nil
}

// Submit packs, signs and broadcasts a contract call. The returned hash does
// not imply finality.
func (c *Client) Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, &errs.SubmissionError{Reason: "no signing key configured"}
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, &errs.SubmissionError{Reason: fmt.Sprintf("failed to pack %s call", method), Err: err}
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, &errs.ConnectivityError{Op: "pending nonce", Err: err}
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &errs.ConnectivityError{Op: "suggest gas price", Err: err}
	}

	tx := ethtypes.NewTransaction(nonce, c.contract, big.NewInt(0), c.cfg.GasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, &errs.SubmissionError{Reason: "failed to sign transaction", Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &errs.SubmissionError{Reason: "broadcast rejected", Err: err}
	}
	return signed.Hash(), nil
}

// AwaitConfirmation blocks until the transaction has minConfirmations or ctx
// expires. Expiry maps to errs.ErrTimeout: the transaction may still confirm
// and the synchronizer will reconcile it either way.
func (c *Client) AwaitConfirmation(ctx context.Context, txHash common.Hash, minConfirmations uint64) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			height, herr := c.eth.BlockNumber(ctx)
			if herr != nil {
				return nil, &errs.ConnectivityError{Op: "current height", Err: herr}
			}
			if height >= receipt.BlockNumber.Uint64() {
				confirmations := height - receipt.BlockNumber.Uint64() + 1
				if confirmations >= minConfirmations {
					return &types.Receipt{
						TxHash:        txHash.Hex(),
						BlockNumber:   receipt.BlockNumber.Uint64(),
						BlockHash:     receipt.BlockHash.Hex(),
						Status:        types.TxStatus(receipt.Status),
						Confirmations: confirmations,
					}, nil
				}
			}
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet, keep waiting.
		default:
			return nil, &errs.ConnectivityError{Op: "transaction receipt", Err: err}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting confirmation of %s: %w", txHash.Hex(), errs.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// TxLogs returns the logs emitted by a mined transaction.
func (c *Client) TxLogs(ctx context.Context, txHash common.Hash) ([]ethtypes.Log, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "transaction receipt", Err: err}
	}
	logs := make([]ethtypes.Log, 0, len(receipt.Logs))
	for _, lg := range receipt.Logs {
		logs = append(logs, *lg)
	}
	return logs, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() error {
	c.logger.Println("Closing ledger client...")
	c.eth.Close()
	return nil
}
