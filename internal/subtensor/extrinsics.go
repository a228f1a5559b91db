package subtensor

import (
	"context"
	"errors"
	"time"

	"github.com/opentensor/BitTensor/internal/endpoint"
	"github.com/opentensor/BitTensor/internal/tensor"
	"github.com/opentensor/BitTensor/internal/utils"
	"github.com/opentensor/BitTensor/internal/wire"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/subtrahend-labs/gobt/extrinsics"
	"github.com/subtrahend-labs/gobt/sigtools"
)

// SubmitWeightRow signs and submits the node's outbound weight row. With
// waitForFinalization it watches the submission until the extrinsic lands in
// a block.
func (c *Client) SubmitWeightRow(ctx context.Context, uids []uint16, vals []uint16, waitForFinalization bool) error {
	tuids := make([]types.U16, len(uids))
	for i, uid := range uids {
		tuids[i] = types.NewU16(uid)
	}
	tvals := make([]types.U16, len(vals))
	for i, val := range vals {
		tvals[i] = types.NewU16(val)
	}

	ext, err := extrinsics.SetWeightsExt(
		c.client,
		types.NewU16(c.netuid),
		tuids,
		tvals,
		types.NewU64(uint64(wire.Version)),
	)
	if err != nil {
		return utils.Wrap("failed creating setweights ext", err)
	}
	ops, err := sigtools.CreateSigningOptions(c.client, c.hotkey, nil)
	if err != nil {
		return utils.Wrap("failed creating signing options", err)
	}
	err = ext.Sign(
		c.hotkey,
		c.client.Meta,
		ops...,
	)
	if err != nil {
		return utils.Wrap("failed signing setweights", err)
	}

	if !waitForFinalization {
		hash, err := await(ctx, func() (types.Hash, error) {
			return c.client.Api.RPC.Author.SubmitExtrinsic(*ext)
		})
		if err != nil {
			return utils.Wrap("failed submitting setweights", err)
		}
		c.log.Infow("Set weights on chain", "hash", hash.Hex())
		return nil
	}

	sub, err := c.client.Api.RPC.Author.SubmitAndWatchExtrinsic(*ext)
	if err != nil {
		return utils.Wrap("failed submitting setweights", err)
	}
	defer sub.Unsubscribe()
	if err := c.watch(ctx, sub.Chan(), sub.Err()); err != nil {
		return err
	}
	c.log.Info("Set weights on chain")
	return nil
}

// ServeAxon posts the axon's address to the chain so peers can find it,
// watching the submission until it lands in a block.
func (c *Client) ServeAxon(ctx context.Context, ip string, port uint16, modality tensor.Modality) error {
	chainIP, ipType, err := endpoint.ToChainIP(ip)
	if err != nil {
		return err
	}

	ext, err := extrinsics.ServeAxonExt(
		c.client,
		types.NewU16(c.netuid),
		types.NewU32(wire.Version),
		chainIP,
		types.NewU16(port),
		types.NewU8(ipType),
		types.NewU8(uint8(modality)),
		types.NewU8(0),
		types.NewU8(0),
	)
	if err != nil {
		return utils.Wrap("failed creating serve ext", err)
	}
	ops, err := sigtools.CreateSigningOptions(c.client, c.hotkey, nil)
	if err != nil {
		return utils.Wrap("failed creating signing options", err)
	}
	err = ext.Sign(
		c.hotkey,
		c.client.Meta,
		ops...,
	)
	if err != nil {
		return utils.Wrap("failed signing serve ext", err)
	}

	sub, err := c.client.Api.RPC.Author.SubmitAndWatchExtrinsic(*ext)
	if err != nil {
		return utils.Wrap("failed submitting serve ext", err)
	}
	defer sub.Unsubscribe()

	c.log.Info("Waiting for posted axon info")
	if err := c.watch(ctx, sub.Chan(), sub.Err()); err != nil {
		return err
	}
	c.log.Info("Posted axon info to chain")
	return nil
}

// watch follows a submitted extrinsic until it is included in a block or the
// chain rejects it.
func (c *Client) watch(ctx context.Context, statusCh <-chan types.ExtrinsicStatus, errCh <-chan error) error {
	timeout := time.After(DefaultSubmitTimeout)
	for {
		select {
		case status := <-statusCh:
			if status.IsInBlock {
				return nil
			}
			if status.IsDropped || status.IsInvalid || status.IsRetracted || status.IsUsurped {
				return errors.New("extrinsic rejected by the chain")
			}
		case err := <-errCh:
			if err != nil {
				return utils.Wrap("extrinsic watch failed", err)
			}
			return errors.New("extrinsic watch closed")
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errors.New("extrinsic watch timed out")
		}
	}
}
