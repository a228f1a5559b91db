package metagraph

import "github.com/opentensor/BitTensor/internal/endpoint"

// State is one immutable snapshot of chain-side peer state. Snapshots are
// replaced wholesale on sync and never mutated after install; readers that
// need a consistent multi-value view hold one *State.
type State struct {
	Block     uint64
	N         uint32
	UIDs      []uint32
	Stake     []float64
	LastEmit  []uint64
	Weights   [][]float64
	Endpoints []endpoint.Endpoint
}

func emptyState() *State {
	return &State{
		UIDs:      []uint32{},
		Stake:     []float64{},
		LastEmit:  []uint64{},
		Weights:   [][]float64{},
		Endpoints: []endpoint.Endpoint{},
	}
}

// grow copies the snapshot into a fresh one of dimension n. Old entries
// keep their indices, the old weight matrix lands in the top-left block of
// the new zero matrix. Uids are append-only on chain, so the block copy is
// safe; a reassigned uid would only go stale until its next emit forces a
// detail refetch.
func (s *State) grow(n int) *State {
	next := &State{
		Block:     s.Block,
		N:         uint32(n),
		UIDs:      make([]uint32, n),
		Stake:     make([]float64, n),
		LastEmit:  make([]uint64, n),
		Weights:   make([][]float64, n),
		Endpoints: make([]endpoint.Endpoint, n),
	}
	for i := range next.UIDs {
		next.UIDs[i] = uint32(i)
	}
	copy(next.Stake, s.Stake)
	copy(next.LastEmit, s.LastEmit)
	copy(next.Endpoints, s.Endpoints)
	for i := range next.Weights {
		row := make([]float64, n)
		if i < len(s.Weights) {
			copy(row, s.Weights[i])
		}
		next.Weights[i] = row
	}
	return next
}

// Rank is the stake-weighted inbound trust per peer: rank[j] = sum over i
// of weights[i][j] * stake[i].
func (s *State) Rank() []float64 {
	rank := make([]float64, s.N)
	for i, row := range s.Weights {
		si := s.Stake[i]
		if si == 0 {
			continue
		}
		for j, w := range row {
			rank[j] += w * si
		}
	}
	return rank
}

// Incentive is tau * rank / sum(rank), defined as all zeros when the rank
// vector sums to zero so nothing downstream ever sees a NaN.
func (s *State) Incentive(tau float64) []float64 {
	rank := s.Rank()
	var sum float64
	for _, r := range rank {
		sum += r
	}
	incentive := make([]float64, s.N)
	if sum == 0 {
		return incentive
	}
	for j, r := range rank {
		incentive[j] = tau * r / sum
	}
	return incentive
}
