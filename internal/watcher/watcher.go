// Package watcher follows the deployed Subscription contract.
//
// Every log the contract emits is decoded into a book event and published
// as a record to the same sinks the off-chain book feeds (live stream and
// webhooks), so subscribers see on-chain activity without polling a node.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/tierpass/internal/chain"
	"github.com/mbd888/tierpass/internal/metrics"
	"github.com/mbd888/tierpass/internal/subscription"
)

// LogSource is the subset of ethclient.Client the watcher needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the contract watcher
type Config struct {
	RPCURL       string
	Contract     common.Address
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
	MaxRange     uint64 // blocks per FilterLogs call
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
		MaxRange:     2000,
	}
}

// Watcher indexes contract logs.
type Watcher struct {
	client     LogSource
	config     Config
	publishers []subscription.Publisher
	logger     *slog.Logger
	now        func() time.Time

	// Track processed logs by tx hash and log index
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New dials cfg.RPCURL and creates a contract watcher.
func New(cfg Config, logger *slog.Logger, publishers ...subscription.Publisher) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewWithSource(client, cfg, logger, publishers...), nil
}

// NewWithSource creates a watcher over an existing log source.
func NewWithSource(client LogSource, cfg Config, logger *slog.Logger, publishers ...subscription.Publisher) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = DefaultConfig().MaxRange
	}
	return &Watcher{
		client:     client,
		config:     cfg,
		publishers: publishers,
		logger:     logger,
		now:        time.Now,
		processed:  make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start resolves the starting block and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock - 1
	}

	w.logger.Info("contract watcher started",
		"contract", w.config.Contract.Hex(),
		"startBlock", w.lastBlock+1,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// LastBlock returns the highest block fully indexed.
func (w *Watcher) LastBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.Error("contract log poll failed", "error", err)
			}
		}
	}
}

// poll indexes every block after lastBlock up to the chain head, in
// MaxRange chunks. lastBlock only advances past chunks that were read.
func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	for w.LastBlock() < head {
		from := w.LastBlock() + 1
		to := from + w.config.MaxRange - 1
		if to > head {
			to = head
		}

		logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.config.Contract},
			Topics:    [][]common.Hash{chain.EventTopics()},
		})
		if err != nil {
			return fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
		}

		w.publish(ctx, w.index(logs))

		w.mu.Lock()
		w.lastBlock = to
		w.mu.Unlock()
		metrics.ContractLastIndexedBlock.Set(float64(to))
	}
	return nil
}

func (w *Watcher) index(logs []types.Log) []*subscription.Record {
	var records []*subscription.Record
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		key := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)

		w.mu.Lock()
		seen := w.processed[key]
		w.processed[key] = true
		w.mu.Unlock()
		if seen {
			continue
		}

		ev, err := chain.DecodeLog(vLog)
		if err != nil {
			w.logger.Warn("skipping undecodable contract log",
				"tx", vLog.TxHash.Hex(),
				"index", vLog.Index,
				"error", err,
			)
			continue
		}

		metrics.ContractEventsIndexedTotal.WithLabelValues(ev.EventName()).Inc()
		records = append(records, &subscription.Record{
			Index:     int(vLog.Index),
			Name:      ev.EventName(),
			Args:      ev.Args(),
			TxRef:     vLog.TxHash.Hex(),
			Timestamp: w.now().UTC(),
		})
		w.logger.Info("contract event indexed",
			"event", ev.EventName(),
			"block", vLog.BlockNumber,
			"tx", vLog.TxHash.Hex(),
		)
	}
	return records
}

func (w *Watcher) publish(ctx context.Context, records []*subscription.Record) {
	if len(records) == 0 {
		return
	}
	for _, p := range w.publishers {
		p.Publish(ctx, records)
	}
}
