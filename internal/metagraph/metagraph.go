// Package metagraph maintains the local view of chain-side peer state: who
// the peers are, what they stake, and how they weigh each other. It derives
// rank and incentive from that view and pushes the local node's outbound
// weight row back to the chain.
package metagraph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/opentensor/BitTensor/internal/endpoint"
	"github.com/opentensor/BitTensor/internal/setup"
	"github.com/opentensor/BitTensor/internal/utils"

	"go.uber.org/zap"
)

// DefaultTau is the emission fraction distributed per block across peers.
const DefaultTau = 0.5

// DefaultFanout bounds concurrent per-peer detail fetches during a sync.
const DefaultFanout = 16

// Oracle is the chain surface the metagraph consumes. Every call takes a
// context and is safe to issue concurrently.
type Oracle interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	StakeTable(ctx context.Context) (map[uint32]uint64, error)
	LastEmitTable(ctx context.Context) (map[uint32]uint64, error)
	WeightRow(ctx context.Context, uid uint32) ([]uint32, []uint16, error)
	Endpoint(ctx context.Context, uid uint32) (endpoint.Endpoint, error)
	SubmitWeightRow(ctx context.Context, uids []uint16, weights []uint16, waitForFinalization bool) error
}

type Options struct {
	Tau       float64
	Fanout    int
	CachePath string
	Log       *zap.SugaredLogger
}

type Metagraph struct {
	oracle Oracle
	opts   Options
	log    *zap.SugaredLogger
	cache  *Cache

	// syncMu serializes Sync; state holds the published snapshot and
	// lastSync the emit high-water mark below which peer details are
	// assumed unchanged.
	syncMu   sync.Mutex
	state    atomic.Pointer[State]
	lastSync uint64
}

func New(oracle Oracle, opts Options) (*Metagraph, error) {
	if opts.Tau == 0 {
		opts.Tau = DefaultTau
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	m := &Metagraph{
		oracle: oracle,
		opts:   opts,
		log:    opts.Log,
	}
	m.state.Store(emptyState())
	if opts.CachePath != "" {
		cache, err := OpenCache(opts.CachePath)
		if err != nil {
			return nil, utils.Wrap("failed opening metagraph cache", err)
		}
		m.cache = cache
	}
	return m, nil
}

// State returns the current snapshot, never nil.
func (m *Metagraph) State() *State {
	return m.state.Load()
}

func (m *Metagraph) Rank() []float64 {
	return m.State().Rank()
}

func (m *Metagraph) Incentive() []float64 {
	return m.State().Incentive(m.opts.Tau)
}

// Tau is the emission fraction incentive is computed with.
func (m *Metagraph) Tau() float64 {
	return m.opts.Tau
}

// Sync pulls fresh chain state and atomically installs a new snapshot.
// Table-read failures abort the sync and leave the prior snapshot
// authoritative; per-peer detail failures only cost that peer's row.
func (m *Metagraph) Sync(ctx context.Context) (*State, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	var (
		wg       sync.WaitGroup
		block    uint64
		stake    map[uint32]uint64
		lastEmit map[uint32]uint64

		blockErr, stakeErr, emitErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		block, blockErr = m.oracle.CurrentBlock(ctx)
	}()
	go func() {
		defer wg.Done()
		stake, stakeErr = m.oracle.StakeTable(ctx)
	}()
	go func() {
		defer wg.Done()
		lastEmit, emitErr = m.oracle.LastEmitTable(ctx)
	}()
	wg.Wait()
	for _, err := range []error{blockErr, stakeErr, emitErr} {
		if err != nil {
			return nil, utils.Wrap("sync failed reading chain tables", err)
		}
	}

	old := m.State()
	n := int(old.N)
	for uid := range stake {
		if int(uid)+1 > n {
			n = int(uid) + 1
		}
	}
	if len(stake) > n {
		n = len(stake)
	}

	next := old.grow(n)
	next.Block = block
	for uid, raw := range stake {
		next.Stake[uid] = float64(raw) / setup.Rao
	}
	for uid, emitted := range lastEmit {
		next.LastEmit[uid] = emitted
	}

	// Refetch details only for peers that emitted since the last sync.
	sem := make(chan struct{}, m.opts.Fanout)
	var fetchWG sync.WaitGroup
	for uid := uint32(0); uid < next.N; uid++ {
		if next.LastEmit[uid] <= m.lastSync {
			continue
		}
		fetchWG.Add(1)
		go func(uid uint32) {
			defer fetchWG.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := m.fillUID(ctx, next, uid); err != nil {
				m.log.Warnw("Peer detail unavailable this sync", "uid", uid, "error", err)
			}
		}(uid)
	}
	fetchWG.Wait()

	m.state.Store(next)
	m.lastSync = block
	m.log.Infow("Synced metagraph", "block", block, "n", next.N)
	return next, nil
}

// fillUID refreshes one peer's weight row and endpoint. The goroutine
// running it is the only writer of that uid's slots.
func (m *Metagraph) fillUID(ctx context.Context, next *State, uid uint32) error {
	targets, vals, err := m.oracle.WeightRow(ctx, uid)
	if err != nil {
		return utils.Wrap(fmt.Sprintf("weight row for uid %d", uid), err)
	}
	row := make([]float64, next.N)
	var sum float64
	for k, target := range targets {
		if int(target) >= len(row) || k >= len(vals) {
			continue
		}
		row[target] = float64(vals[k])
		sum += float64(vals[k])
	}
	// Chain rows are u16 fixed-point; normalize to a stochastic row.
	if sum > 0 {
		for j := range row {
			row[j] /= sum
		}
	}
	next.Weights[uid] = row

	ep, err := m.oracle.Endpoint(ctx, uid)
	if err != nil {
		return utils.Wrap(fmt.Sprintf("endpoint for uid %d", uid), err)
	}
	next.Endpoints[uid] = ep
	return nil
}

// SetWeights pads or truncates row to the snapshot dimension, quantizes it
// to u16 fixed-point and submits it. The local snapshot is untouched; the
// row becomes visible here only after the chain serves it back on a later
// sync.
func (m *Metagraph) SetWeights(ctx context.Context, row []float64, waitForFinalization bool) error {
	s := m.State()
	if s.N == 0 {
		return errors.New("metagraph is empty, sync before setting weights")
	}
	normalized := make([]float64, s.N)
	copy(normalized, row)

	uids := make([]uint16, s.N)
	vals := make([]uint16, s.N)
	for uid, w := range normalized {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight for uid %d is not finite", uid)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("weight %f for uid %d is outside [0,1]", w, uid)
		}
		uids[uid] = uint16(uid)
		vals[uid] = uint16(math.Round(w * setup.U16Max))
	}
	if err := m.oracle.SubmitWeightRow(ctx, uids, vals, waitForFinalization); err != nil {
		return utils.Wrap("failed submitting weight row", err)
	}
	return nil
}

// Load seeds the snapshot from the on-disk cache so reads work before the
// first sync. The emit high-water mark stays zero; the first sync still
// refetches every active peer.
func (m *Metagraph) Load(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	s, err := m.cache.Load(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	m.state.Store(s)
	m.log.Infow("Loaded metagraph from cache", "block", s.Block, "n", s.N)
	return nil
}

// Save persists the current snapshot to the on-disk cache.
func (m *Metagraph) Save(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Save(ctx, m.State())
}

// Close releases the cache handle if one is open.
func (m *Metagraph) Close() error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Close()
}
