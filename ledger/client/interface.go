package client

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/daezy/drug-dispensing-system-sub000/ledger/types"
)

// LedgerClient defines the generic interface for ledger interactions.
// Implementations are stateless beyond cached connection handles; every
// method maps failures into the shared error taxonomy (ConnectivityError for
// transport issues, SubmissionError for rejected transactions).
type LedgerClient interface {
	// CurrentHeight returns the ledger's current block height.
	CurrentHeight(ctx context.Context) (uint64, error)

	// LogsInRange returns the contract's logs matching any of the given
	// event signatures, strictly within [from, to] inclusive. Read-only and
	// safe to retry.
	LogsInRange(ctx context.Context, signatures []common.Hash, from, to uint64) ([]ethtypes.Log, error)

	// BlockHashByNumber returns the canonical hash at a height. Used for
	// fork detection against locally stored hashes.
	BlockHashByNumber(ctx context.Context, number uint64) (common.Hash, error)

	// Submit packs the named contract method with args, signs the
	// transaction and broadcasts it. A returned hash does not imply
	// finality.
	Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error)

	// AwaitConfirmation blocks until the transaction has accrued
	// minConfirmations or ctx expires (errs.ErrTimeout). The caller decides
	// the timeout policy.
	AwaitConfirmation(ctx context.Context, txHash common.Hash, minConfirmations uint64) (*types.Receipt, error)

	// TxLogs returns the decodable logs emitted by a confirmed transaction.
	TxLogs(ctx context.Context, txHash common.Hash) ([]ethtypes.Log, error)

	// Close closes the client and releases resources.
	Close() error
}
