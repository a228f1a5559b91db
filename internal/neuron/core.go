// Package neuron assembles one network node: the axon it serves, the
// metagraph it maintains, and the block loop that drives both.
package neuron

import (
	"sync"

	"github.com/opentensor/BitTensor/internal/axon"
	"github.com/opentensor/BitTensor/internal/metagraph"
	"github.com/opentensor/BitTensor/internal/setup"
	"github.com/opentensor/BitTensor/internal/subtensor"
	"github.com/opentensor/BitTensor/internal/tensor"
)

// Nucleus computes the node's responses. Implementations own their model;
// the node owns everything else.
type Nucleus interface {
	ComputeForward(hotkey string, inputs *tensor.Tensor, modality tensor.Modality) (*tensor.Tensor, error)
	ComputeBackward(hotkey string, inputs *tensor.Tensor, grads *tensor.Tensor, modality tensor.Modality) (*tensor.Tensor, error)
}

// WeightSource produces the outbound weight row submitted each tempo.
type WeightSource func(s *metagraph.State) ([]float64, error)

type Core struct {
	Deps      *setup.Dependencies
	Chain     *subtensor.Client
	Metagraph *metagraph.Metagraph
	Axon      *axon.Axon
	Archive   *metagraph.Archive

	// Weights, when set, is consulted each tempo for the row to submit.
	Weights WeightSource

	// Global core lock
	mu     sync.Mutex
	served bool
}

func CreateCore(deps *setup.Dependencies, nucleus Nucleus) (*Core, error) {
	chain := subtensor.New(deps.Client, deps.Hotkey, uint16(deps.Env.Netuid), subtensor.Options{
		Log: deps.Log,
	})
	mg, err := metagraph.New(chain, metagraph.Options{
		CachePath: deps.Env.CachePath,
		Log:       deps.Log,
	})
	if err != nil {
		return nil, err
	}
	a := axon.New(axon.Options{
		Hotkey:     deps.Hotkey,
		IP:         deps.Env.AxonIP,
		Port:       deps.Env.AxonPort,
		NetworkDim: deps.Env.NetworkDim,
		Verify:     deps.Env.VerifyRequests,
		Log:        deps.Log,
	})
	if nucleus != nil {
		a.AttachForwardCallback(nucleus.ComputeForward)
		a.AttachBackwardCallback(nucleus.ComputeBackward)
	}
	return &Core{
		Deps:      deps,
		Chain:     chain,
		Metagraph: mg,
		Axon:      a,
		Archive:   metagraph.NewArchive(deps.Mongo),
	}, nil
}
