package neuron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opentensor/BitTensor/internal/axon"
	"github.com/opentensor/BitTensor/internal/endpoint"
	"github.com/opentensor/BitTensor/internal/metagraph"
	"github.com/opentensor/BitTensor/internal/setup"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOracle struct {
	mu        sync.Mutex
	block     uint64
	stake     map[uint32]uint64
	lastEmit  map[uint32]uint64
	submitted [][]uint16
}

func (o *fakeOracle) CurrentBlock(ctx context.Context) (uint64, error) {
	return o.block, nil
}

func (o *fakeOracle) StakeTable(ctx context.Context) (map[uint32]uint64, error) {
	return o.stake, nil
}

func (o *fakeOracle) LastEmitTable(ctx context.Context) (map[uint32]uint64, error) {
	return o.lastEmit, nil
}

func (o *fakeOracle) WeightRow(ctx context.Context, uid uint32) ([]uint32, []uint16, error) {
	return nil, nil, nil
}

func (o *fakeOracle) Endpoint(ctx context.Context, uid uint32) (endpoint.Endpoint, error) {
	return endpoint.Endpoint{}, nil
}

func (o *fakeOracle) SubmitWeightRow(ctx context.Context, uids []uint16, vals []uint16, wait bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, vals)
	return nil
}

func (o *fakeOracle) rows() [][]uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submitted
}

func coreWith(t *testing.T, mg *metagraph.Metagraph) *Core {
	t.Helper()
	return &Core{
		Deps: &setup.Dependencies{
			Log: zap.NewNop().Sugar(),
			Env: setup.Env{SyncInterval: 100, Tempo: 360},
		},
		Metagraph: mg,
		Axon:      axon.New(axon.Options{Log: zap.NewNop().Sugar()}),
		Archive:   metagraph.NewArchive(nil),
	}
}

func TestSyncCallbackInstallsAndCaches(t *testing.T) {
	oracle := &fakeOracle{
		block:    50,
		stake:    map[uint32]uint64{0: 10e9, 1: 20e9},
		lastEmit: map[uint32]uint64{},
	}
	path := filepath.Join(t.TempDir(), "meta.db")
	mg, err := metagraph.New(oracle, metagraph.Options{CachePath: path, Log: zap.NewNop().Sugar()})
	require.NoError(t, err)
	c := coreWith(t, mg)

	syncCallback(c)

	s := c.Metagraph.State()
	assert.EqualValues(t, 2, s.N)
	assert.EqualValues(t, 50, s.Block)
	require.NoError(t, mg.Close())

	// The synced snapshot landed in the cache.
	mg2, err := metagraph.New(oracle, metagraph.Options{CachePath: path, Log: zap.NewNop().Sugar()})
	require.NoError(t, err)
	defer mg2.Close()
	require.NoError(t, mg2.Load(context.Background()))
	assert.EqualValues(t, 2, mg2.State().N)
}

func TestSetWeightsCallbackSubmitsRow(t *testing.T) {
	oracle := &fakeOracle{
		block:    10,
		stake:    map[uint32]uint64{0: 10e9, 1: 20e9},
		lastEmit: map[uint32]uint64{},
	}
	mg, err := metagraph.New(oracle, metagraph.Options{Log: zap.NewNop().Sugar()})
	require.NoError(t, err)
	c := coreWith(t, mg)
	syncCallback(c)

	c.Weights = func(s *metagraph.State) ([]float64, error) {
		return []float64{0.25, 0.75}, nil
	}
	setWeightsCallback(c, types.Header{Number: 720})

	rows := oracle.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, []uint16{16384, 49151}, rows[0])
}

func TestSetWeightsCallbackSkipsOnDebug(t *testing.T) {
	oracle := &fakeOracle{
		block:    10,
		stake:    map[uint32]uint64{0: 10e9},
		lastEmit: map[uint32]uint64{},
	}
	mg, err := metagraph.New(oracle, metagraph.Options{Log: zap.NewNop().Sugar()})
	require.NoError(t, err)
	c := coreWith(t, mg)
	syncCallback(c)

	c.Deps.Env.Debug = true
	c.Weights = func(s *metagraph.State) ([]float64, error) {
		return []float64{1}, nil
	}
	setWeightsCallback(c, types.Header{Number: 720})

	assert.Empty(t, oracle.rows())
}

func TestSetWeightsCallbackNeedsSnapshot(t *testing.T) {
	oracle := &fakeOracle{}
	mg, err := metagraph.New(oracle, metagraph.Options{Log: zap.NewNop().Sugar()})
	require.NoError(t, err)
	c := coreWith(t, mg)

	c.Weights = func(s *metagraph.State) ([]float64, error) {
		return []float64{1}, nil
	}
	setWeightsCallback(c, types.Header{Number: 720})

	assert.Empty(t, oracle.rows())
}

func TestMainFuncShutsDownCleanly(t *testing.T) {
	mg, err := metagraph.New(&fakeOracle{}, metagraph.Options{Log: zap.NewNop().Sugar()})
	require.NoError(t, err)
	c := coreWith(t, mg)

	in := make(chan bool, 1)
	out := make(chan bool, 1)
	go mainFunc(c, in, out)

	// Give the axon a beat to bind before asking for shutdown.
	time.Sleep(50 * time.Millisecond)
	in <- true
	select {
	case <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never completed")
	}
}
