package neuron

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/subtrahend-labs/gobt/boilerplate"
)

func SetMainFunc(v *boilerplate.BaseChainSubscriber, c *Core) {
	v.SetMainFunc(func(i <-chan bool, o chan<- bool) {
		mainFunc(c, i, o)
	})
}

func mainFunc(c *Core, i <-chan bool, o chan<- bool) {
	go func() {
		if err := c.Axon.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Deps.Log.Fatalw("Failed serving axon", "error", err)
		}
	}()
	for range i {
		c.Deps.Log.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Axon.Shutdown(ctx); err != nil {
			c.Deps.Log.Warnw("Axon shutdown failed", "error", err)
		}
		if err := c.Metagraph.Close(); err != nil {
			c.Deps.Log.Warnw("Failed closing metagraph cache", "error", err)
		}
		cancel()
		o <- true
		return
	}
}
