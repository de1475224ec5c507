package client

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/daezy/drug-dispensing-system-sub000/contract"
	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/types"
)

// MockClient simulates the traceability contract on an in-memory chain. It
// mines submissions immediately, assigns on-chain ids the way the contract
// does, and lets tests rewrite history to exercise reorg recovery.
type MockClient struct {
	mu     sync.Mutex
	logger *log.Logger

	height     uint64
	hashes     map[uint64]common.Hash // overridden hashes; others derive from the height
	hashSalt   uint64                 // bumped by Reorg so derived hashes change
	logs       []ethtypes.Log
	receipts   map[common.Hash]*types.Receipt
	txLogs     map[common.Hash][]ethtypes.Log
	sender     common.Address
	nextBatch  uint64
	nextMove   uint64
	nextDisp   uint64
	nextTxSeed uint64

	heightErr error
	logsErr   error
}

// NewMockClient creates a MockClient starting at the given height.
func NewMockClient(logger *log.Logger, startHeight uint64) *MockClient {
	logger.Println("[MockLedger] Initializing in-memory ledger")
	return &MockClient{
		logger:   logger,
		height:   startHeight,
		hashes:   make(map[uint64]common.Hash),
		receipts: make(map[common.Hash]*types.Receipt),
		txLogs:   make(map[common.Hash][]ethtypes.Log),
		sender:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
}

// SetHeightErr injects a failure into CurrentHeight. Pass nil to clear.
func (m *MockClient) SetHeightErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heightErr = err
}

// SetLogsErr injects a failure into LogsInRange. Pass nil to clear.
func (m *MockClient) SetLogsErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logsErr = err
}

// AdvanceBlocks mines n empty blocks.
func (m *MockClient) AdvanceBlocks(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
}

// Reorg replaces the chain segment from fork onward: logs in blocks >= fork
// are dropped and every hash from fork upward changes.
func (m *MockClient) Reorg(fork uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	for _, lg := range m.logs {
		if lg.BlockNumber < fork {
			kept = append(kept, lg)
		}
	}
	m.logs = kept
	for n := range m.hashes {
		if n >= fork {
			delete(m.hashes, n)
		}
	}
	m.hashSalt++
	m.logger.Printf("[MockLedger] Reorged chain from block %d", fork)
}

func (m *MockClient) blockHash(n uint64) common.Hash {
	if h, ok := m.hashes[n]; ok {
		return h
	}
	return crypto.Keccak256Hash(
		new(big.Int).SetUint64(n).Bytes(),
		new(big.Int).SetUint64(m.hashSalt).Bytes(),
	)
}

// CurrentHeight returns the simulated chain height.
func (m *MockClient) CurrentHeight(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heightErr != nil {
		return 0, &errs.ConnectivityError{Op: "current height", Err: m.heightErr}
	}
	return m.height, nil
}

// LogsInRange filters the simulated logs by block range and topic.
func (m *MockClient) LogsInRange(ctx context.Context, signatures []common.Hash, from, to uint64) ([]ethtypes.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logsErr != nil {
		return nil, &errs.ConnectivityError{Op: "filter logs", Err: m.logsErr}
	}
	var out []ethtypes.Log
	for _, lg := range m.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to || len(lg.Topics) == 0 {
			continue
		}
		for _, sig := range signatures {
			if lg.Topics[0] == sig {
				out = append(out, lg)
				break
			}
		}
	}
	return out, nil
}

// BlockHashByNumber returns the simulated canonical hash at a height.
func (m *MockClient) BlockHashByNumber(ctx context.Context, number uint64) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockHash(number), nil
}

// Submit mines the contract call into the next block and emits its event.
func (m *MockClient) Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parsed, err := contract.ABI()
	if err != nil {
		return common.Hash{}, &errs.SubmissionError{Reason: "ABI unavailable", Err: err}
	}

	m.nextTxSeed++
	txHash := crypto.Keccak256Hash([]byte(method), new(big.Int).SetUint64(m.nextTxSeed).Bytes())
	m.height++
	now := big.NewInt(time.Now().UTC().Unix())

	var lg ethtypes.Log
	switch method {
	case "createBatch":
		m.nextBatch++
		drugName, batchNumber := args[0].(string), args[1].(string)
		quantity, manufactured, expiry := args[2].(*big.Int), args[3].(*big.Int), args[4].(*big.Int)
		data, perr := parsed.Events[contract.EventBatchCreated].Inputs.NonIndexed().Pack(
			drugName, batchNumber, m.sender, manufactured, expiry, quantity, now)
		if perr != nil {
			return common.Hash{}, &errs.SubmissionError{Reason: "event pack failed", Err: perr}
		}
		lg = m.mintLog(contract.SigBatchCreated, m.nextBatch, data, txHash)
	case "recordMovement":
		m.nextMove++
		batchID := args[0].(*big.Int)
		movementType := args[1].(uint8)
		to := args[2].(common.Address)
		quantity := args[3].(*big.Int)
		notes, prescriptionID := args[4].(string), args[5].(string)
		from := m.sender
		if movementType == 0 { // manufacturing step has no from-party
			from = common.Address{}
		}
		data, perr := parsed.Events[contract.EventMovementRecorded].Inputs.NonIndexed().Pack(
			batchID, movementType, from, to, quantity, now, notes, prescriptionID)
		if perr != nil {
			return common.Hash{}, &errs.SubmissionError{Reason: "event pack failed", Err: perr}
		}
		lg = m.mintLog(contract.SigMovementRecorded, m.nextMove, data, txHash)
	case "recordDispensing":
		m.nextDisp++
		batchID := args[0].(*big.Int)
		prescriptionID := args[1].(string)
		patient := args[2].(common.Address)
		quantity := args[3].(*big.Int)
		data, perr := parsed.Events[contract.EventDrugDispensed].Inputs.NonIndexed().Pack(
			batchID, prescriptionID, patient, m.sender, quantity, now)
		if perr != nil {
			return common.Hash{}, &errs.SubmissionError{Reason: "event pack failed", Err: perr}
		}
		lg = m.mintLog(contract.SigDrugDispensed, m.nextDisp, data, txHash)
	default:
		return common.Hash{}, &errs.SubmissionError{Reason: fmt.Sprintf("unknown method %s", method)}
	}

	m.logs = append(m.logs, lg)
	m.txLogs[txHash] = []ethtypes.Log{lg}
	m.receipts[txHash] = &types.Receipt{
		TxHash:      txHash.Hex(),
		BlockNumber: m.height,
		BlockHash:   m.blockHash(m.height).Hex(),
		Status:      types.TxStatusSuccess,
	}
	return txHash, nil
}

func (m *MockClient) mintLog(sig common.Hash, id uint64, data []byte, txHash common.Hash) ethtypes.Log {
	return ethtypes.Log{
		Topics:      []common.Hash{sig, common.BigToHash(new(big.Int).SetUint64(id))},
		Data:        data,
		BlockNumber: m.height,
		BlockHash:   m.blockHash(m.height),
		TxHash:      txHash,
		Index:       uint(len(m.logs)),
	}
}

// EmitVerified appends a DrugVerified event at the next block. Test helper
// for the synchronizer's verification handler.
func (m *MockClient) EmitVerified(verificationHash common.Hash, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height++
	m.nextTxSeed++
	txHash := crypto.Keccak256Hash([]byte("verify"), new(big.Int).SetUint64(m.nextTxSeed).Bytes())
	data := common.BigToHash(big.NewInt(at.Unix())).Bytes()
	lg := ethtypes.Log{
		Topics:      []common.Hash{contract.SigDrugVerified, verificationHash},
		Data:        data,
		BlockNumber: m.height,
		BlockHash:   m.blockHash(m.height),
		TxHash:      txHash,
		Index:       uint(len(m.logs)),
	}
	m.logs = append(m.logs, lg)
	m.txLogs[txHash] = []ethtypes.Log{lg}
}

// AwaitConfirmation returns immediately once the receipt exists; unknown
// hashes wait for ctx expiry, mirroring an unmined transaction.
func (m *MockClient) AwaitConfirmation(ctx context.Context, txHash common.Hash, minConfirmations uint64) (*types.Receipt, error) {
	m.mu.Lock()
	receipt, ok := m.receipts[txHash]
	height := m.height
	m.mu.Unlock()
	if ok {
		r := *receipt
		r.Confirmations = height - r.BlockNumber + 1
		return &r, nil
	}
	<-ctx.Done()
	return nil, fmt.Errorf("awaiting confirmation of %s: %w", txHash.Hex(), errs.ErrTimeout)
}

// TxLogs returns the logs emitted by a mined transaction.
func (m *MockClient) TxLogs(ctx context.Context, txHash common.Hash) ([]ethtypes.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs, ok := m.txLogs[txHash]
	if !ok {
		return nil, &errs.ConnectivityError{Op: "transaction receipt", Err: fmt.Errorf("unknown tx %s", txHash.Hex())}
	}
	return logs, nil
}

// Close is a no-op for the mock.
func (m *MockClient) Close() error {
	m.logger.Println("[MockLedger] Closing")
	return nil
}

var _ LedgerClient = (*MockClient)(nil)
