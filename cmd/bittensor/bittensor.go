package main

import (
	"context"
	"time"

	"github.com/opentensor/BitTensor/internal/neuron"
	"github.com/opentensor/BitTensor/internal/setup"
	"github.com/opentensor/BitTensor/internal/wire"

	"github.com/subtrahend-labs/gobt/boilerplate"
)

func main() {
	deps := setup.Init()
	deps.Log.Infof(
		"Starting neuron with key [%s] on chain [%s] version [%d]",
		deps.Hotkey.Address,
		deps.Env.ChainEndpoint,
		wire.Version,
	)
	if deps.Mongo != nil {
		defer func() {
			if err := deps.Mongo.Disconnect(context.Background()); err != nil {
				deps.Log.Errorw("failed disconnecting from mongo", "error", err)
			}
		}()
	}

	core, err := neuron.CreateCore(deps, nil)
	if err != nil {
		deps.Log.Fatalw("Failed creating core", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	uid, err := core.Chain.UID(ctx)
	cancel()
	if err != nil {
		deps.Log.Warnw("Hotkey registration not confirmed", "error", err)
	} else {
		deps.Log.Infof("Serving as uid [%d] on netuid [%d]", uid, deps.Env.Netuid)
	}

	if err := core.Metagraph.Load(context.Background()); err != nil {
		deps.Log.Warnw("Failed loading metagraph cache", "error", err)
	}

	node := boilerplate.NewChainSubscriber(deps.Env.Netuid)
	deps.Log.Infof("Creating neuron on netuid [%d]", node.NetUID)

	neuron.AddBlockCallbacks(node, core)
	neuron.SetMainFunc(node, core)

	node.SetOnSubscriptionCreationError(func(e error) {
		deps.Log.Infow("Failed to connect to chain", "error", e)
		panic(e)
	})
	node.SetOnSubscriptionError(func(e error) {
		deps.Log.Infow("Subscription Error", "error", e)
	})
	node.Start(deps.Client)
}
