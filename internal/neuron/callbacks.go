package neuron

import (
	"context"
	"fmt"
	"time"

	"github.com/opentensor/BitTensor/internal/subtensor"
	"github.com/opentensor/BitTensor/internal/tensor"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/subtrahend-labs/gobt/boilerplate"
)

// syncTimeout bounds one full metagraph sync, detail fetches included.
const syncTimeout = 2 * time.Minute

func AddBlockCallbacks(v *boilerplate.BaseChainSubscriber, c *Core) {
	// block timer
	t := time.AfterFunc(1*time.Hour, func() {
		c.Deps.Log.Error("no blocks seen in over an hour, am i stuck?")
	})
	v.AddBlockCallback(func(h types.Header) {
		t.Reset(1 * time.Hour)
	})
	v.AddBlockCallback(func(h types.Header) {
		go logBlockCallback(c, h)
	})
	// post axon info once
	v.AddBlockCallback(func(h types.Header) {
		serveAxonCallback(c)
	})
	// sync metagraph on the first block of each interval
	v.AddBlockCallback(func(h types.Header) {
		if uint64(h.Number)%c.Deps.Env.SyncInterval != 1 && c.Metagraph.State().N != 0 {
			return
		}
		syncCallback(c)
	})
	// submit weights each tempo
	v.AddBlockCallback(func(h types.Header) {
		if uint64(h.Number)%c.Deps.Env.Tempo != 0 || c.Weights == nil {
			return
		}
		setWeightsCallback(c, h)
	})
}

func logBlockCallback(c *Core, h types.Header) {
	c.Deps.Log.Infow(
		"New block",
		"block",
		fmt.Sprintf("%v", h.Number),
		"left_in_tempo",
		fmt.Sprintf("%d", c.Deps.Env.Tempo-(uint64(h.Number)%c.Deps.Env.Tempo)),
	)
}

// serveAxonCallback posts the axon's address once. A failed post clears the
// flag so the next block retries.
func serveAxonCallback(c *Core) {
	c.mu.Lock()
	if c.served {
		c.mu.Unlock()
		return
	}
	c.served = true
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), subtensor.DefaultSubmitTimeout)
		defer cancel()
		err := c.Chain.ServeAxon(ctx, c.Deps.Env.AxonIP, uint16(c.Deps.Env.AxonPort), tensor.ModalityTensor)
		if err != nil {
			c.Deps.Log.Errorw("Failed posting axon info", "error", err)
			c.mu.Lock()
			c.served = false
			c.mu.Unlock()
		}
	}()
}

func syncCallback(c *Core) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	s, err := c.Metagraph.Sync(ctx)
	if err != nil {
		c.Deps.Log.Errorw("Failed syncing metagraph", "error", err)
		return
	}
	if err := c.Metagraph.Save(ctx); err != nil {
		c.Deps.Log.Warnw("Failed caching metagraph", "error", err)
	}
	if err := c.Archive.Record(ctx, s, c.Metagraph.Tau()); err != nil {
		c.Deps.Log.Warnw("Failed archiving metagraph snapshot", "error", err)
	}
}

func setWeightsCallback(c *Core, h types.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.Metagraph.State()
	if s.N == 0 {
		c.Deps.Log.Warn("Skipping weightset, metagraph is empty")
		return
	}
	row, err := c.Weights(s)
	if err != nil {
		c.Deps.Log.Errorw("Failed computing weight row", "error", err)
		return
	}
	if c.Deps.Env.Debug {
		c.Deps.Log.Warn("Skipping weightset due to debug flag")
		return
	}
	c.Deps.Log.Infow("Setting weights", "block", fmt.Sprintf("%v", h.Number), "n", s.N)
	ctx, cancel := context.WithTimeout(context.Background(), subtensor.DefaultSubmitTimeout)
	defer cancel()
	if err := c.Metagraph.SetWeights(ctx, row, false); err != nil {
		c.Deps.Log.Errorw("Failed setting weights", "error", err)
	}
}
