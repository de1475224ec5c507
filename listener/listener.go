// Package listener polls the ledger for contract events and feeds them to
// the synchronizer. A persisted watermark makes the poll loop resumable: it
// only ever advances after a fully applied block range, so a crash or a
// failed iteration replays the range instead of skipping it.
package listener

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/contract"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/client"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
	"github.com/daezy/drug-dispensing-system-sub000/syncer"
)

// State is the listener lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Listener drives the poll loop. Polling runs on a single goroutine, so
// iterations never overlap and the watermark has exactly one writer.
type Listener struct {
	cfg    config.ListenerConfig
	logger *log.Logger
	client client.LedgerClient
	store  store.Store
	sync   *syncer.Synchronizer

	pollInterval time.Duration
	retryDelay   time.Duration

	state  int32
	mu     sync.Mutex // guards Start/Stop transitions
	cancel context.CancelFunc
	wg     sync.WaitGroup

	watermark uint64
}

// New creates a Listener. The config's durations are validated here so a
// bad config fails at startup, not mid-poll.
func New(cfg config.ListenerConfig, logger *log.Logger, lc client.LedgerClient, s store.Store, sy *syncer.Synchronizer) (*Listener, error) {
	pollInterval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid listener.poll_interval '%s': %w", cfg.PollInterval, err)
	}
	retryDelay, err := time.ParseDuration(cfg.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid listener.retry_delay '%s': %w", cfg.RetryDelay, err)
	}
	return &Listener{
		cfg:          cfg,
		logger:       logger,
		client:       lc,
		store:        s,
		sync:         sy,
		pollInterval: pollInterval,
		retryDelay:   retryDelay,
	}, nil
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(atomic.LoadInt32(&l.state))
}

// Watermark returns the highest fully-applied block height.
func (l *Listener) Watermark() uint64 {
	return atomic.LoadUint64(&l.watermark)
}

// Start initializes the watermark and launches the poll goroutine. Calling
// Start on a running listener is an error.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State() != StateStopped {
		return fmt.Errorf("listener already running (state %s)", l.State())
	}
	atomic.StoreInt32(&l.state, int32(StateStarting))

	if err := l.initWatermark(ctx); err != nil {
		atomic.StoreInt32(&l.state, int32(StateStopped))
		return fmt.Errorf("initializing watermark: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(runCtx)

	atomic.StoreInt32(&l.state, int32(StatePolling))
	l.logger.Printf("Listener started, watermark at block %d, polling every %s", l.Watermark(), l.pollInterval)
	return nil
}

// Stop cancels the poll loop and waits for the in-flight iteration to
// finish. Safe to call on a stopped listener.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State() == StateStopped {
		return
	}
	l.cancel()
	l.wg.Wait()
	atomic.StoreInt32(&l.state, int32(StateStopped))
	l.logger.Printf("Listener stopped at watermark %d", l.Watermark())
}

// initWatermark resumes from the persisted watermark, or cold-starts a
// bounded lookback below the current height.
func (l *Listener) initWatermark(ctx context.Context) error {
	wm, ok, err := l.store.GetWatermark(ctx)
	if err != nil {
		return err
	}
	if ok {
		atomic.StoreUint64(&l.watermark, wm)
		return nil
	}

	height, err := l.client.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	start := uint64(0)
	if height > l.cfg.LookbackBlocks {
		start = height - l.cfg.LookbackBlocks
	}
	if err := l.store.SetWatermark(ctx, start); err != nil {
		return err
	}
	atomic.StoreUint64(&l.watermark, start)
	l.logger.Printf("No persisted watermark, cold-starting %d blocks back at %d", l.cfg.LookbackBlocks, start)
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		if err := l.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Printf("Poll iteration failed, watermark held at %d: %v", l.Watermark(), err)
			select {
			case <-time.After(l.retryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce runs one full iteration: fork check, log fetch, decode, apply,
// watermark advance. Any error leaves the watermark untouched so the same
// range is retried next time.
func (l *Listener) pollOnce(ctx context.Context) error {
	height, err := l.client.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("reading chain height: %w", err)
	}

	wm := l.Watermark()
	rewound, err := l.checkFork(ctx, wm)
	if err != nil {
		return err
	}
	if rewound {
		return nil // resume from the rewound watermark next iteration
	}

	from := wm + 1
	if from > height {
		return nil // caught up
	}
	to := height
	if l.cfg.BatchBlocks > 0 && to-from+1 > l.cfg.BatchBlocks {
		to = from + l.cfg.BatchBlocks - 1
	}

	logs, err := l.client.LogsInRange(ctx, contract.AllEventSignatures(), from, to)
	if err != nil {
		return fmt.Errorf("fetching logs for blocks [%d, %d]: %w", from, to, err)
	}

	events := make([]contract.Event, 0, len(logs))
	for _, lg := range logs {
		events = append(events, contract.Decode(lg))
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	if len(events) > 0 {
		l.logger.Printf("Applying %d events from blocks [%d, %d]", len(events), from, to)
	}
	if err := l.sync.Apply(ctx, events); err != nil {
		return fmt.Errorf("applying events for blocks [%d, %d]: %w", from, to, err)
	}

	// Remember the tip hash before advancing so the next iteration can
	// detect a fork under this range.
	tipHash, err := l.client.BlockHashByNumber(ctx, to)
	if err != nil {
		return fmt.Errorf("reading hash of block %d: %w", to, err)
	}
	if err := l.store.SaveBlockHash(ctx, to, tipHash.Hex()); err != nil {
		return err
	}
	if err := l.store.SetWatermark(ctx, to); err != nil {
		return err
	}
	atomic.StoreUint64(&l.watermark, to)

	if to > l.cfg.MaxReorgDepth {
		if err := l.store.PruneBlockHashesBelow(ctx, to-l.cfg.MaxReorgDepth); err != nil {
			l.logger.Printf("Failed to prune old block hashes: %v", err)
		}
	}
	return nil
}

// checkFork compares the stored hash at the watermark against the chain.
// On a mismatch it walks back to the fork point, rewinds the mirror and
// the watermark, and reports rewound=true.
func (l *Listener) checkFork(ctx context.Context, wm uint64) (bool, error) {
	stored, ok, err := l.store.GetBlockHash(ctx, wm)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	chainHash, err := l.client.BlockHashByNumber(ctx, wm)
	if err != nil {
		return false, fmt.Errorf("reading hash of block %d: %w", wm, err)
	}
	if chainHash.Hex() == stored {
		return false, nil
	}

	l.logger.Printf("Fork detected at block %d (stored %s, chain %s), searching for fork point", wm, stored, chainHash.Hex())
	fork, err := l.findFork(ctx, wm)
	if err != nil {
		return false, err
	}
	if err := l.sync.Rewind(ctx, fork); err != nil {
		return false, err
	}
	newWM := uint64(0)
	if fork > 0 {
		newWM = fork - 1
	}
	if err := l.store.SetWatermark(ctx, newWM); err != nil {
		return false, err
	}
	atomic.StoreUint64(&l.watermark, newWM)
	l.logger.Printf("Watermark rewound to %d, re-sync resumes next iteration", newWM)
	return true, nil
}

// findFork walks back from the watermark until a stored hash matches the
// chain again. The first block after the last matching one is the fork
// point. The walk is bounded by max_reorg_depth; a deeper fork rewinds the
// whole window.
func (l *Listener) findFork(ctx context.Context, wm uint64) (uint64, error) {
	floor := uint64(0)
	if wm > l.cfg.MaxReorgDepth {
		floor = wm - l.cfg.MaxReorgDepth
	}
	for n := wm; n > floor; n-- {
		stored, ok, err := l.store.GetBlockHash(ctx, n)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue // sparse coverage, keep walking
		}
		chainHash, err := l.client.BlockHashByNumber(ctx, n)
		if err != nil {
			return 0, fmt.Errorf("reading hash of block %d: %w", n, err)
		}
		if chainHash.Hex() == stored {
			return n + 1, nil
		}
	}
	l.logger.Printf("No matching block hash within %d blocks of %d, rewinding the full window", l.cfg.MaxReorgDepth, wm)
	return floor, nil
}
