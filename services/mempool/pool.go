package mempool

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
)

const poolCapacity = 10_000

// Pool is the pending side of the alt-mempool: operations that passed
// validation and wait for bundling. Lookups by hash serve the RPC
// surface; the sender and pending views serve a bundling loop.
type Pool interface {
	Add(ctx context.Context, op models.UserOperation, entryPoint common.Address) (common.Hash, error)
	GetByHash(hash common.Hash) (*PendingOperation, bool)
	GetBySender(sender common.Address) []*PendingOperation
	Pending() []*PendingOperation
	Remove(hash common.Hash)
}

// PendingOperation is a pooled user operation together with the context
// needed to report or bundle it.
type PendingOperation struct {
	Operation  models.UserOperation
	EntryPoint common.Address
	Hash       common.Hash
	AddedAt    time.Time
}

// InMemoryPool keeps pending operations in process memory. An operation
// falls out when its TTL lapses or the pool overflows its capacity,
// oldest first. Every Add sweeps dead entries out of the maps; the read
// paths drop them lazily, so a hit is always a live operation.
type InMemoryPool struct {
	chainID   *big.Int
	ttl       *expirable.LRU[common.Hash, time.Time]
	logger    zerolog.Logger
	collector metrics.Collector

	mu       sync.RWMutex
	byHash   map[common.Hash]*PendingOperation
	bySender map[common.Address][]*PendingOperation
}

var _ Pool = &InMemoryPool{}

func NewInMemoryPool(
	chainID *big.Int,
	cfg *config.Config,
	logger zerolog.Logger,
	collector metrics.Collector,
) *InMemoryPool {
	ttl := cfg.UserOpTTL
	if ttl <= 0 {
		ttl = config.DefaultUserOpTTL
	}

	logger = logger.With().Str("component", "userop-pool").Logger()
	logger.Info().
		Dur("ttl", ttl).
		Int("capacity", poolCapacity).
		Msg("starting user operation pool")

	return &InMemoryPool{
		chainID:   chainID,
		ttl:       expirable.NewLRU[common.Hash, time.Time](poolCapacity, nil, ttl),
		logger:    logger,
		collector: collector,
		byHash:    make(map[common.Hash]*PendingOperation),
		bySender:  make(map[common.Address][]*PendingOperation),
	}
}

// Add pools an operation under its canonical hash. Entries whose TTL
// already lapsed are swept out first, so they count against neither the
// duplicate nor the nonce-conflict check.
func (p *InMemoryPool) Add(
	_ context.Context,
	op models.UserOperation,
	entryPoint common.Address,
) (common.Hash, error) {
	hash := op.Hash(entryPoint, p.chainID)
	sender := op.Sender()
	nonce := op.Nonce()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()
	defer func() { p.collector.PooledOperations(len(p.byHash)) }()

	if _, ok := p.byHash[hash]; ok {
		return hash, fmt.Errorf("%w: %s", errs.ErrDuplicateUserOperation, hash.Hex())
	}

	for _, pending := range p.bySender[sender] {
		if pending.Operation.Nonce().Cmp(nonce) == 0 {
			return common.Hash{}, fmt.Errorf(
				"%w: sender %s already has a pending operation with nonce %s",
				errs.ErrNonceConflict, sender.Hex(), nonce.String(),
			)
		}
	}

	pending := &PendingOperation{
		Operation:  op,
		EntryPoint: entryPoint,
		Hash:       hash,
		AddedAt:    time.Now(),
	}
	p.byHash[hash] = pending
	p.bySender[sender] = append(p.bySender[sender], pending)
	p.ttl.Add(hash, pending.AddedAt)

	p.logger.Debug().
		Str("hash", hash.Hex()).
		Str("sender", sender.Hex()).
		Str("nonce", nonce.String()).
		Str("entrypoint", entryPoint.Hex()).
		Msg("user operation added to pool")

	return hash, nil
}

// GetByHash returns the pending operation for hash, dropping it first
// when its TTL lapsed.
func (p *InMemoryPool) GetByHash(hash common.Hash) (*PendingOperation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.byHash[hash]
	if !ok {
		return nil, false
	}
	if !p.isLive(hash) {
		p.removeLocked(hash)
		p.collector.PooledOperations(len(p.byHash))
		return nil, false
	}
	return pending, true
}

// GetBySender returns the live pending operations of one sender.
func (p *InMemoryPool) GetBySender(sender common.Address) []*PendingOperation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var live []*PendingOperation
	for _, pending := range p.bySender[sender] {
		if p.isLive(pending.Hash) {
			live = append(live, pending)
		}
	}
	return live
}

// Pending returns every live operation and sweeps out the dead ones.
func (p *InMemoryPool) Pending() []*PendingOperation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var live []*PendingOperation
	for hash, pending := range p.byHash {
		if p.isLive(hash) {
			live = append(live, pending)
		} else {
			p.removeLocked(hash)
		}
	}
	p.collector.PooledOperations(len(p.byHash))
	return live
}

func (p *InMemoryPool) Remove(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(hash)
	p.collector.PooledOperations(len(p.byHash))
}

// isLive reports whether the TTL tracker still carries the hash. Entries
// leave the tracker on expiry and on capacity eviction.
func (p *InMemoryPool) isLive(hash common.Hash) bool {
	_, ok := p.ttl.Get(hash)
	return ok
}

func (p *InMemoryPool) removeLocked(hash common.Hash) {
	pending, ok := p.byHash[hash]
	if !ok {
		return
	}

	delete(p.byHash, hash)
	p.ttl.Remove(hash)

	sender := pending.Operation.Sender()
	remaining := p.bySender[sender][:0]
	for _, other := range p.bySender[sender] {
		if other.Hash != hash {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == 0 {
		delete(p.bySender, sender)
	} else {
		p.bySender[sender] = remaining
	}
}

// sweepLocked drops every entry the TTL tracker no longer carries.
// Expiry and capacity eviction happen inside the tracker, so the maps
// and the pool gauge drift until a sweep reconciles them.
func (p *InMemoryPool) sweepLocked() {
	for hash := range p.byHash {
		if !p.isLive(hash) {
			p.removeLocked(hash)
		}
	}
}
