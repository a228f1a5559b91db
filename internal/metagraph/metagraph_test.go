package metagraph_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opentensor/BitTensor/internal/endpoint"
	"github.com/opentensor/BitTensor/internal/metagraph"
	"github.com/opentensor/BitTensor/internal/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	targets []uint32
	vals    []uint16
}

type fakeOracle struct {
	mu        sync.Mutex
	block     uint64
	stake     map[uint32]uint64
	lastEmit  map[uint32]uint64
	rows      map[uint32]fakeRow
	endpoints map[uint32]endpoint.Endpoint

	failBlock bool
	failStake bool
	failRows  map[uint32]bool

	weightRowCalls int
	submittedUIDs  []uint16
	submittedVals  []uint16
	submittedWait  bool
	submitErr      error
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		stake:     map[uint32]uint64{},
		lastEmit:  map[uint32]uint64{},
		rows:      map[uint32]fakeRow{},
		endpoints: map[uint32]endpoint.Endpoint{},
		failRows:  map[uint32]bool{},
	}
}

func (o *fakeOracle) addPeer(uid uint32, stakeRao, lastEmit uint64, row fakeRow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stake[uid] = stakeRao
	o.lastEmit[uid] = lastEmit
	o.rows[uid] = row
	ep, _ := endpoint.New(uid, "hot", "10.0.0.1", uint16(8000+uid), tensor.ModalityTensor)
	o.endpoints[uid] = ep
}

func (o *fakeOracle) CurrentBlock(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failBlock {
		return 0, errors.New("block unavailable")
	}
	return o.block, nil
}

func (o *fakeOracle) StakeTable(ctx context.Context) (map[uint32]uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failStake {
		return nil, errors.New("stake table unavailable")
	}
	out := make(map[uint32]uint64, len(o.stake))
	for k, v := range o.stake {
		out[k] = v
	}
	return out, nil
}

func (o *fakeOracle) LastEmitTable(ctx context.Context) (map[uint32]uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[uint32]uint64, len(o.lastEmit))
	for k, v := range o.lastEmit {
		out[k] = v
	}
	return out, nil
}

func (o *fakeOracle) WeightRow(ctx context.Context, uid uint32) ([]uint32, []uint16, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.weightRowCalls++
	if o.failRows[uid] {
		return nil, nil, errors.New("row unavailable")
	}
	row := o.rows[uid]
	return row.targets, row.vals, nil
}

func (o *fakeOracle) Endpoint(ctx context.Context, uid uint32) (endpoint.Endpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpoints[uid], nil
}

func (o *fakeOracle) SubmitWeightRow(ctx context.Context, uids []uint16, weights []uint16, waitForFinalization bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.submitErr != nil {
		return o.submitErr
	}
	o.submittedUIDs = uids
	o.submittedVals = weights
	o.submittedWait = waitForFinalization
	return nil
}

func newMetagraph(t *testing.T, o metagraph.Oracle, opts metagraph.Options) *metagraph.Metagraph {
	t.Helper()
	m, err := metagraph.New(o, opts)
	require.NoError(t, err)
	return m
}

func TestSyncGrowthPreservesKnownPeers(t *testing.T) {
	o := newFakeOracle()
	o.block = 100
	o.addPeer(0, 5e9, 50, fakeRow{targets: []uint32{0, 1}, vals: []uint16{100, 300}})
	o.addPeer(1, 7e9, 60, fakeRow{targets: []uint32{0}, vals: []uint16{200}})
	m := newMetagraph(t, o, metagraph.Options{})

	s, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s.N)
	assert.Equal(t, uint64(100), s.Block)
	assert.Equal(t, []float64{5, 7}, s.Stake)
	assert.Equal(t, []float64{0.25, 0.75}, s.Weights[0])
	assert.Equal(t, []float64{1, 0}, s.Weights[1])
	assert.Equal(t, "10.0.0.1:8000", s.Endpoints[0].Addr())
	callsAfterFirst := o.weightRowCalls

	// Two peers register; nobody re-emits.
	o.addPeer(2, 1e9, 0, fakeRow{})
	o.addPeer(3, 2e9, 0, fakeRow{})
	o.mu.Lock()
	o.block = 110
	o.mu.Unlock()

	s, err = m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), s.N)
	assert.Equal(t, []uint32{0, 1, 2, 3}, s.UIDs)
	assert.Equal(t, []float64{5, 7, 1, 2}, s.Stake)
	// Old rows extend into the grown matrix, new rows are zero.
	assert.Equal(t, []float64{0.25, 0.75, 0, 0}, s.Weights[0])
	assert.Equal(t, []float64{1, 0, 0, 0}, s.Weights[1])
	assert.Equal(t, []float64{0, 0, 0, 0}, s.Weights[2])
	assert.Equal(t, "10.0.0.1:8000", s.Endpoints[0].Addr())
	assert.Equal(t, callsAfterFirst, o.weightRowCalls, "quiet peers must not be refetched")
}

func TestSyncRefetchesOnEmit(t *testing.T) {
	o := newFakeOracle()
	o.block = 100
	o.addPeer(0, 5e9, 50, fakeRow{targets: []uint32{1}, vals: []uint16{500}})
	o.addPeer(1, 7e9, 60, fakeRow{targets: []uint32{0}, vals: []uint16{500}})
	m := newMetagraph(t, o, metagraph.Options{})

	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	callsAfterFirst := o.weightRowCalls

	// Peer 1 emits a new row past the high-water mark.
	o.mu.Lock()
	o.block = 130
	o.lastEmit[1] = 120
	o.rows[1] = fakeRow{targets: []uint32{0, 1}, vals: []uint16{100, 100}}
	o.mu.Unlock()

	s, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst+1, o.weightRowCalls, "only the emitting peer is refetched")
	assert.Equal(t, []float64{0.5, 0.5}, s.Weights[1])
	assert.Equal(t, []float64{0, 1}, s.Weights[0])
}

func TestSyncToleratesDetailFailures(t *testing.T) {
	o := newFakeOracle()
	o.block = 100
	o.addPeer(0, 1e9, 10, fakeRow{targets: []uint32{1}, vals: []uint16{500}})
	o.addPeer(1, 1e9, 10, fakeRow{targets: []uint32{0}, vals: []uint16{500}})
	o.addPeer(2, 1e9, 10, fakeRow{targets: []uint32{0}, vals: []uint16{500}})
	o.failRows[1] = true
	m := newMetagraph(t, o, metagraph.Options{})

	s, err := m.Sync(context.Background())
	require.NoError(t, err, "per-peer failures must not fail the sync")
	assert.Equal(t, []float64{0, 1, 0}, s.Weights[0])
	assert.Equal(t, []float64{0, 0, 0}, s.Weights[1], "failed peer's row stays empty")
	assert.True(t, s.Endpoints[1].IsEmpty())
	assert.False(t, s.Endpoints[0].IsEmpty())
}

func TestSyncTableFailureKeepsOldSnapshot(t *testing.T) {
	o := newFakeOracle()
	o.block = 100
	o.addPeer(0, 3e9, 10, fakeRow{})
	m := newMetagraph(t, o, metagraph.Options{})

	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	before := m.State()

	o.mu.Lock()
	o.failStake = true
	o.block = 200
	o.mu.Unlock()
	_, err = m.Sync(context.Background())
	assert.Error(t, err)
	assert.Same(t, before, m.State(), "failed sync must leave the old snapshot installed")

	o.mu.Lock()
	o.failStake = false
	o.failBlock = true
	o.mu.Unlock()
	_, err = m.Sync(context.Background())
	assert.Error(t, err)
	assert.Same(t, before, m.State())
}

func TestIncentiveWellDefined(t *testing.T) {
	m := newMetagraph(t, newFakeOracle(), metagraph.Options{})
	assert.Empty(t, m.Incentive(), "empty metagraph has an empty incentive vector")

	// All stakes zero: rank sums to zero, incentive must still be finite.
	o := newFakeOracle()
	o.block = 10
	for uid := uint32(0); uid < 3; uid++ {
		o.addPeer(uid, 0, 5, fakeRow{targets: []uint32{0}, vals: []uint16{500}})
	}
	m = newMetagraph(t, o, metagraph.Options{})
	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, m.Incentive())
	assert.Equal(t, []float64{0, 0, 0}, m.Rank())
}

func TestTwoPeerRankAndIncentive(t *testing.T) {
	o := newFakeOracle()
	o.block = 50
	// Both rows assign full trust to peer 1; peer 1 carries all the stake.
	o.addPeer(0, 0, 10, fakeRow{targets: []uint32{1}, vals: []uint16{65535}})
	o.addPeer(1, 100e9, 10, fakeRow{targets: []uint32{1}, vals: []uint16{65535}})
	m := newMetagraph(t, o, metagraph.Options{Tau: 0.5})

	s, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, s.Weights[0])
	assert.Equal(t, []float64{0, 100}, m.Rank())
	assert.Equal(t, []float64{0, 0.5}, m.Incentive())
}

func TestSetWeights(t *testing.T) {
	o := newFakeOracle()
	m := newMetagraph(t, o, metagraph.Options{})

	err := m.SetWeights(context.Background(), []float64{1}, false)
	assert.Error(t, err, "empty metagraph cannot submit weights")

	o.block = 100
	o.addPeer(0, 1e9, 10, fakeRow{})
	o.addPeer(1, 1e9, 10, fakeRow{})
	_, err = m.Sync(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.SetWeights(context.Background(), []float64{0.25, 0.75}, true))
	assert.Equal(t, []uint16{0, 1}, o.submittedUIDs)
	assert.Equal(t, []uint16{16384, 49151}, o.submittedVals)
	assert.True(t, o.submittedWait)

	// A short row is zero-padded to the snapshot dimension.
	require.NoError(t, m.SetWeights(context.Background(), []float64{1}, false))
	assert.Equal(t, []uint16{65535, 0}, o.submittedVals)
	assert.False(t, o.submittedWait)

	assert.Error(t, m.SetWeights(context.Background(), []float64{-0.1, 0}, false))
	assert.Error(t, m.SetWeights(context.Background(), []float64{math.NaN(), 0}, false))
	assert.Error(t, m.SetWeights(context.Background(), []float64{1.5, 0}, false))

	o.submitErr = errors.New("chain rejected it")
	err = m.SetWeights(context.Background(), []float64{0, 1}, false)
	assert.ErrorContains(t, err, "failed submitting weight row")
}

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metagraph.db")
	o := newFakeOracle()
	o.block = 77
	o.addPeer(0, 5e9, 10, fakeRow{targets: []uint32{1}, vals: []uint16{500}})
	o.addPeer(1, 9e9, 20, fakeRow{targets: []uint32{0}, vals: []uint16{500}})

	m := newMetagraph(t, o, metagraph.Options{CachePath: path})
	saved, err := m.Sync(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background()))
	require.NoError(t, m.Close())

	m2 := newMetagraph(t, o, metagraph.Options{CachePath: path})
	require.NoError(t, m2.Load(context.Background()))
	defer m2.Close()

	got := m2.State()
	assert.Equal(t, saved.Block, got.Block)
	assert.Equal(t, saved.N, got.N)
	assert.Equal(t, saved.Stake, got.Stake)
	assert.Equal(t, saved.LastEmit, got.LastEmit)
	assert.Equal(t, saved.Weights, got.Weights)
	assert.Equal(t, saved.Endpoints, got.Endpoints)
}

func TestLoadWithoutSavedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metagraph.db")
	m := newMetagraph(t, newFakeOracle(), metagraph.Options{CachePath: path})
	defer m.Close()

	require.NoError(t, m.Load(context.Background()))
	assert.Equal(t, uint32(0), m.State().N)
}
